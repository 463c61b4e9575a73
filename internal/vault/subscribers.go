package vault

import (
	"context"
	"fmt"
)

// TrackSubscriber upserts a user into the broadcast roster. Interacting
// again after /stop opts the user back in.
func (s *Store) TrackSubscriber(ctx context.Context, userID int64, username string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO subscribers (user_id, username, opted_out)
			VALUES (?, ?, 0)
			ON CONFLICT(user_id) DO UPDATE SET
				username = excluded.username,
				opted_out = 0;
		`, userID, username)
		if err != nil {
			return fmt.Errorf("track subscriber: %w", err)
		}
		return nil
	})
}

// OptOutSubscriber marks a user as unsubscribed without deleting the row.
func (s *Store) OptOutSubscriber(ctx context.Context, userID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE subscribers SET opted_out = 1 WHERE user_id = ?;
		`, userID)
		if err != nil {
			return fmt.Errorf("opt out subscriber: %w", err)
		}
		return nil
	})
}

// RemoveSubscriber deletes a user entirely, used when Telegram reports
// the chat as blocked or gone.
func (s *Store) RemoveSubscriber(ctx context.Context, userID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM subscribers WHERE user_id = ?;
		`, userID)
		if err != nil {
			return fmt.Errorf("remove subscriber: %w", err)
		}
		return nil
	})
}

// ListSubscribers returns the ids of everyone eligible for a broadcast.
func (s *Store) ListSubscribers(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM subscribers WHERE opted_out = 0 ORDER BY user_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscriber rows: %w", err)
	}
	return out, nil
}

// CountSubscribers returns the size of the active roster.
func (s *Store) CountSubscribers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM subscribers WHERE opted_out = 0;
	`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return count, nil
}
