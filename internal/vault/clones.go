package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCloneNotFound is returned when no clone row exists for an owner.
var ErrCloneNotFound = errors.New("clone not found")

// CloneRecord is one tenant's clone bot. TokenEncrypted holds the sealed
// credential; the plaintext token only ever exists in memory.
type CloneRecord struct {
	OwnerID        int64
	BotUsername    string
	TokenEncrypted string
	Instructions   string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SaveClone inserts or replaces the clone for an owner. Re-cloning is a
// full overwrite: new token, new username, instructions reset, active.
func (s *Store) SaveClone(ctx context.Context, ownerID int64, botUsername, tokenEncrypted string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO clones (owner_id, bot_username, token_encrypted, instructions, active, created_at, updated_at)
			VALUES (?, ?, ?, '', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(owner_id) DO UPDATE SET
				bot_username = excluded.bot_username,
				token_encrypted = excluded.token_encrypted,
				instructions = '',
				active = 1,
				updated_at = CURRENT_TIMESTAMP;
		`, ownerID, botUsername, tokenEncrypted)
		if err != nil {
			return fmt.Errorf("save clone: %w", err)
		}
		return nil
	})
}

func (s *Store) GetClone(ctx context.Context, ownerID int64) (*CloneRecord, error) {
	var rec CloneRecord
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, bot_username, token_encrypted, instructions, active, created_at, updated_at
		FROM clones
		WHERE owner_id = ?;
	`, ownerID).Scan(&rec.OwnerID, &rec.BotUsername, &rec.TokenEncrypted, &rec.Instructions, &active, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCloneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get clone: %w", err)
	}
	rec.Active = active != 0
	return &rec, nil
}

// SetInstructions replaces the persona text. Empty string clears it.
// Last write wins when the master and a worker race.
func (s *Store) SetInstructions(ctx context.Context, ownerID int64, instructions string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE clones
			SET instructions = ?, updated_at = CURRENT_TIMESTAMP
			WHERE owner_id = ?;
		`, instructions, ownerID)
		if err != nil {
			return fmt.Errorf("set instructions: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set instructions rows: %w", err)
		}
		if affected == 0 {
			return ErrCloneNotFound
		}
		return nil
	})
}

// DeactivateClone marks the clone inactive without deleting the row, so
// referral progress and instructions survive a later re-clone.
func (s *Store) DeactivateClone(ctx context.Context, ownerID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE clones
			SET active = 0, updated_at = CURRENT_TIMESTAMP
			WHERE owner_id = ?;
		`, ownerID)
		if err != nil {
			return fmt.Errorf("deactivate clone: %w", err)
		}
		return nil
	})
}

// ListActiveClones returns every active clone, used by the orchestrator
// at startup to respawn workers.
func (s *Store) ListActiveClones(ctx context.Context) ([]CloneRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, bot_username, token_encrypted, instructions, active, created_at, updated_at
		FROM clones
		WHERE active = 1
		ORDER BY owner_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list active clones: %w", err)
	}
	defer rows.Close()

	var out []CloneRecord
	for rows.Next() {
		var rec CloneRecord
		var active int
		if err := rows.Scan(&rec.OwnerID, &rec.BotUsername, &rec.TokenEncrypted, &rec.Instructions, &active, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan clone: %w", err)
		}
		rec.Active = active != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clone rows: %w", err)
	}
	return out, nil
}
