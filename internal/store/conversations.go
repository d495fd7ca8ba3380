package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertHead write-through updates the conversation head for the canonical
// pair of (a, b).
func (s *Store) UpsertHead(ctx context.Context, a, b string, messageID int64, updateTime time.Time) error {
	x, y := CanonicalPair(a, b)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (username, friend, lastmessageid, lastupdatetime)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username, friend)
		DO UPDATE SET lastmessageid = EXCLUDED.lastmessageid,
		              lastupdatetime = EXCLUDED.lastupdatetime`,
		x, y, messageID, updateTime)
	if err != nil {
		return fmt.Errorf("upsert head: %w", err)
	}
	return nil
}

// upsertHead writes the head row for a canonical pair inside a delete
// transaction. A nil latest message nulls the head.
func upsertHead(ctx context.Context, q dbtx, a, b string, latest *Message) error {
	var (
		messageID  any
		updateTime any
	)
	if latest != nil {
		messageID = latest.ID
		updateTime = latest.WriteTime
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (username, friend, lastmessageid, lastupdatetime)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username, friend)
		DO UPDATE SET lastmessageid = EXCLUDED.lastmessageid,
		              lastupdatetime = EXCLUDED.lastupdatetime`,
		a, b, messageID, updateTime)
	if err != nil {
		return fmt.Errorf("upsert head: %w", err)
	}
	return nil
}

// LoadHeads scans every conversations row; used once at startup to hydrate
// the in-memory index.
func (s *Store) LoadHeads(ctx context.Context) ([]Head, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, friend, lastmessageid, lastupdatetime
		FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("load heads: %w", err)
	}
	defer rows.Close()

	var heads []Head
	for rows.Next() {
		var (
			h  Head
			id *int64
			t  *time.Time
		)
		if err := rows.Scan(&h.Username, &h.Friend, &id, &t); err != nil {
			return nil, fmt.Errorf("scan head: %w", err)
		}
		h.MessageID = id
		if t != nil {
			h.UpdateTime = *t
		}
		heads = append(heads, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load heads: %w", err)
	}
	return heads, nil
}
