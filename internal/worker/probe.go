package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/mimic/internal/generator"
)

// isRevokedError reports whether a Telegram API error means the token
// is no longer valid, as opposed to a transient transport failure.
func isRevokedError(err error) bool {
	if err == nil {
		return false
	}
	if generator.ClassifyError(err) == generator.ErrorClassAuth {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// preMessageProbe checks the credential before answering, at most once
// per ProbeMinGap. Transient failures are ignored so a network blip
// never blocks replies; only a revoked credential is surfaced.
func (w *Worker) preMessageProbe(ctx context.Context) error {
	w.probeMu.Lock()
	if time.Since(w.lastProbe) < w.cfg.ProbeMinGap {
		w.probeMu.Unlock()
		return nil
	}
	w.lastProbe = time.Now()
	w.probeMu.Unlock()

	err := w.probe(ctx)
	if err == nil {
		return nil
	}
	if isRevokedError(err) {
		return fmt.Errorf("credential probe: %w", err)
	}
	w.logger.Warn("credential probe failed transiently", "owner_id", w.cfg.OwnerID, "error", err)
	return nil
}

// backgroundProbe is the cron-driven liveness check. A revoked
// credential deactivates the clone and tears the worker down; anything
// else just logs.
func (w *Worker) backgroundProbe(ctx context.Context) {
	err := w.probe(ctx)
	if err == nil {
		return
	}
	if isRevokedError(err) {
		w.recordCredentialFailure(ctx)
		w.logger.Error("credential revoked, shutting down clone", "owner_id", w.cfg.OwnerID, "error", err)
		w.deactivate(ctx)
		w.terminate(fmt.Errorf("%w: %v", ErrCredentialRevoked, err))
		return
	}
	w.logger.Warn("background probe failed transiently", "owner_id", w.cfg.OwnerID, "error", err)
}
