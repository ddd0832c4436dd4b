package persistence

import (
	"context"
	"fmt"

	"github.com/basket/gatekeeper/internal/deathqueue"
)

// LoadAll returns every pending join request, oldest first.
func (s *Store) LoadAll(ctx context.Context) ([]deathqueue.JoinRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, chat_id, message_id, join_time, language
		FROM death_queue
		ORDER BY join_time ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query death_queue: %w", err)
	}
	defer rows.Close()

	var out []deathqueue.JoinRequest
	for rows.Next() {
		var r deathqueue.JoinRequest
		if err := rows.Scan(&r.UserID, &r.ChatID, &r.MessageID, &r.JoinTime, &r.Language); err != nil {
			return nil, fmt.Errorf("scan death_queue: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("death_queue rows: %w", err)
	}
	return out, nil
}

// Put upserts a pending join request.
func (s *Store) Put(ctx context.Context, r deathqueue.JoinRequest) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO death_queue (user_id, chat_id, message_id, join_time, language)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, chat_id) DO UPDATE SET
				message_id = excluded.message_id,
				join_time = excluded.join_time,
				language = excluded.language;
		`, r.UserID, r.ChatID, r.MessageID, r.JoinTime, r.Language)
		if err != nil {
			return fmt.Errorf("put death_queue: %w", err)
		}
		return nil
	})
}

// Delete removes a pending join request. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, key deathqueue.Key) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM death_queue WHERE user_id = ? AND chat_id = ?;`, key.UserID, key.ChatID)
		if err != nil {
			return fmt.Errorf("delete death_queue: %w", err)
		}
		return nil
	})
}

// QueueDepth counts persisted pending requests.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM death_queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
