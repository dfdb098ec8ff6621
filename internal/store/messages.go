package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/omochice/socket-chat/internal/chat"
)

// SaveMessage appends rec to the message log. A zero timestamp means now.
func (s *Store) SaveMessage(ctx context.Context, rec chat.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender, receiver, content, kind, timestamp) VALUES (?, ?, ?, ?, ?)`,
		rec.Sender, rec.Receiver, rec.Content, string(rec.Kind), rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// History returns the newest q.Limit matching messages, oldest first.
func (s *Store) History(ctx context.Context, q chat.HistoryQuery) ([]chat.Record, error) {
	where := `kind = ?`
	args := []any{string(q.Kind)}

	switch q.Kind {
	case chat.KindPrivate:
		if q.Peer != "" {
			where += ` AND ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))`
			args = append(args, q.Username, q.Peer, q.Peer, q.Username)
		} else {
			where += ` AND (sender = ? OR receiver = ?)`
			args = append(args, q.Username, q.Username)
		}
	case chat.KindGroup:
		where += ` AND receiver = ?`
		args = append(args, strconv.FormatInt(q.GroupID, 10))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	records, err := s.queryMessages(ctx,
		`SELECT id, sender, receiver, content, kind, timestamp FROM messages WHERE `+where+` ORDER BY id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	slices.Reverse(records)
	return records, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var records []chat.Record
	for rows.Next() {
		var rec chat.Record
		var kind string
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.Receiver, &rec.Content, &kind, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		rec.Kind = chat.MessageKind(kind)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return records, nil
}
