package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrReferralCodeNotFound is returned when a share code resolves to nothing.
var ErrReferralCodeNotFound = errors.New("referral code not found")

// ReferralState is the watermark-unlock progress for one clone owner.
type ReferralState struct {
	OwnerID  int64
	Count    int
	Verified bool
}

// ReferralCredit is the outcome of one join attempt.
type ReferralCredit struct {
	// Credited is false for duplicate joins and self-referrals.
	Credited bool
	Count    int
	// Unlocked is true only on the credit that crossed the threshold.
	Unlocked bool
}

// RecordReferral credits a join from joinerID against referrerID. The
// durable (referrer, joiner) ledger makes the operation idempotent:
// replays and repeated /start taps never double-count. Crossing the
// threshold flips verified exactly once, and Unlocked reports that
// single crossing so the caller can congratulate the owner.
func (s *Store) RecordReferral(ctx context.Context, referrerID, joinerID int64, threshold int) (ReferralCredit, error) {
	if referrerID == joinerID {
		state, err := s.GetReferral(ctx, referrerID)
		if err != nil {
			return ReferralCredit{}, err
		}
		return ReferralCredit{Count: state.Count}, nil
	}

	var credit ReferralCredit
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin referral tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO referral_joins (referrer_id, joiner_id)
			VALUES (?, ?);
		`, referrerID, joinerID)
		if err != nil {
			return fmt.Errorf("insert referral join: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("referral join rows: %w", err)
		}

		if inserted == 0 {
			// Already counted. Report current progress unchanged.
			var count, verified int
			err := tx.QueryRowContext(ctx, `
				SELECT count, verified FROM referrals WHERE owner_id = ?;
			`, referrerID).Scan(&count, &verified)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read referral state: %w", err)
			}
			credit = ReferralCredit{Count: count}
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO referrals (owner_id, count, verified, updated_at)
			VALUES (?, 1, 0, CURRENT_TIMESTAMP)
			ON CONFLICT(owner_id) DO UPDATE SET
				count = count + 1,
				updated_at = CURRENT_TIMESTAMP;
		`, referrerID); err != nil {
			return fmt.Errorf("increment referral count: %w", err)
		}

		var count, verified int
		if err := tx.QueryRowContext(ctx, `
			SELECT count, verified FROM referrals WHERE owner_id = ?;
		`, referrerID).Scan(&count, &verified); err != nil {
			return fmt.Errorf("read referral state: %w", err)
		}

		unlocked := false
		if verified == 0 && count >= threshold {
			if _, err := tx.ExecContext(ctx, `
				UPDATE referrals SET verified = 1, updated_at = CURRENT_TIMESTAMP
				WHERE owner_id = ? AND verified = 0;
			`, referrerID); err != nil {
				return fmt.Errorf("mark referral verified: %w", err)
			}
			unlocked = true
		}

		credit = ReferralCredit{Credited: true, Count: count, Unlocked: unlocked}
		return tx.Commit()
	})
	if err != nil {
		return ReferralCredit{}, err
	}
	return credit, nil
}

// GetReferral returns the progress row, zero-valued when absent.
func (s *Store) GetReferral(ctx context.Context, ownerID int64) (ReferralState, error) {
	state := ReferralState{OwnerID: ownerID}
	var verified int
	err := s.db.QueryRowContext(ctx, `
		SELECT count, verified FROM referrals WHERE owner_id = ?;
	`, ownerID).Scan(&state.Count, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("get referral: %w", err)
	}
	state.Verified = verified != 0
	return state, nil
}

// IsVerified reports whether the owner has unlocked the watermark.
func (s *Store) IsVerified(ctx context.Context, ownerID int64) (bool, error) {
	state, err := s.GetReferral(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return state.Verified, nil
}

// IssueReferralCode returns the owner's share code, minting a fresh UUID
// on first use. Codes are stable so a shared link never goes stale.
func (s *Store) IssueReferralCode(ctx context.Context, ownerID int64) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx, `
		SELECT code FROM referral_codes WHERE owner_id = ? ORDER BY created_at ASC LIMIT 1;
	`, ownerID).Scan(&code)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup referral code: %w", err)
	}

	code = strings.ReplaceAll(uuid.NewString(), "-", "")
	insertErr := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO referral_codes (code, owner_id) VALUES (?, ?);
		`, code, ownerID)
		if err != nil {
			return fmt.Errorf("insert referral code: %w", err)
		}
		return nil
	})
	if insertErr != nil {
		return "", insertErr
	}
	return code, nil
}

// ResolveReferralCode maps a share code back to its owner.
func (s *Store) ResolveReferralCode(ctx context.Context, code string) (int64, error) {
	var ownerID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id FROM referral_codes WHERE code = ?;
	`, code).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrReferralCodeNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve referral code: %w", err)
	}
	return ownerID, nil
}
