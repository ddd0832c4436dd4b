package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HistoryRecord is one issued challenge, keyed by its signature.
type HistoryRecord struct {
	Signature string    `json:"signature"`
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	JoinTime  int64     `json:"join_time"`
	Language  string    `json:"language,omitempty"`
	Passed    bool      `json:"passed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateHistory records an issued challenge. Re-issuing the same signature
// resets it to unpassed.
func (s *Store) CreateHistory(ctx context.Context, rec HistoryRecord) error {
	if rec.Signature == "" {
		return fmt.Errorf("create history: signature required")
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO verify_requests (signature, user_id, chat_id, message_id, join_time, language, passed)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(signature) DO UPDATE SET
				passed = excluded.passed,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.Signature, rec.UserID, rec.ChatID, rec.MessageID, rec.JoinTime, rec.Language, boolToInt(rec.Passed))
		if err != nil {
			return fmt.Errorf("create history: %w", err)
		}
		return nil
	})
}

// FindBySignature returns the record for signature or ErrNotFound.
func (s *Store) FindBySignature(ctx context.Context, signature string) (*HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT signature, user_id, chat_id, message_id, join_time, language, passed, created_at, updated_at
		FROM verify_requests WHERE signature = ?;
	`, signature)
	rec, err := scanHistory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find history: %w", err)
	}
	return rec, nil
}

// MarkPassed flags the record for signature as passed. It returns ErrNotFound
// when no challenge with that signature was recorded.
func (s *Store) MarkPassed(ctx context.Context, signature string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE verify_requests SET passed = 1, updated_at = CURRENT_TIMESTAMP
			WHERE signature = ?;
		`, signature)
		if err != nil {
			return fmt.Errorf("mark passed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark passed rows: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListUnpassed returns challenges that were never passed, newest first.
func (s *Store) ListUnpassed(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, user_id, chat_id, message_id, join_time, language, passed, created_at, updated_at
		FROM verify_requests
		WHERE passed = 0
		ORDER BY join_time DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unpassed: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan unpassed: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unpassed rows: %w", err)
	}
	return out, nil
}

func scanHistory(scanFn func(dest ...any) error) (*HistoryRecord, error) {
	var rec HistoryRecord
	var passed int
	if err := scanFn(&rec.Signature, &rec.UserID, &rec.ChatID, &rec.MessageID, &rec.JoinTime,
		&rec.Language, &passed, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Passed = passed == 1
	return &rec, nil
}
