package generator

import (
	"errors"
	"strings"
)

// ErrQuotaExceeded marks a generation failure attributable to key quota
// exhaustion. Callers rotate to the next key instead of failing the turn.
var ErrQuotaExceeded = errors.New("generation quota exceeded")

// ErrorClass categorizes generation errors for rotation decisions.
type ErrorClass string

const (
	// ErrorClassAuth indicates the key itself was rejected (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassQuota indicates rate limiting or quota exhaustion (429).
	ErrorClassQuota ErrorClass = "QUOTA"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError categorizes a generation error by inspecting the message
// for known provider patterns. Providers wrap their status codes in free
// text, so substring matching is the only portable signal.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassQuota
	}

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	return ErrorClassUnknown
}

// IsQuotaError reports whether err should trigger a key rotation.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || ClassifyError(err) == ErrorClassQuota
}
