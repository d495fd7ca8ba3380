package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so queries can run inside
// or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const messageColumns = `
	id, sender, receiver, message, write_time,
	COALESCE(attachment_type, ''), COALESCE(attachment_path, ''),
	COALESCE(original_file_name, ''), COALESCE(thumbnail_path, ''),
	COALESCE(file_size, 0), COALESCE(duration, 0),
	COALESCE(reply_to, 0), COALESCE(reply_preview, ''), COALESCE(file_id, '')`

func scanMessage(row interface{ Scan(dest ...any) error }) (*Message, error) {
	m := &Message{}
	err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Text, &m.WriteTime,
		&m.AttachmentType, &m.AttachmentPath, &m.OriginalFileName, &m.ThumbnailPath,
		&m.FileSize, &m.Duration, &m.ReplyTo, &m.ReplyPreview, &m.FileID)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// InsertMessage stores one message and returns the assigned id.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender, receiver, message, write_time,
			attachment_type, attachment_path, original_file_name, thumbnail_path,
			file_size, duration, reply_to, reply_preview, file_id)
		VALUES ($1, $2, $3, $4,
			NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			NULLIF($9, 0), NULLIF($10, 0.0), NULLIF($11, 0), NULLIF($12, ''), NULLIF($13, ''))
		RETURNING id`,
		m.Sender, m.Receiver, m.Text, m.WriteTime,
		m.AttachmentType, m.AttachmentPath, m.OriginalFileName, m.ThumbnailPath,
		m.FileSize, m.Duration, m.ReplyTo, m.ReplyPreview, m.FileID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// GetMessage loads one message by id. Returns ErrNotFound when absent.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetMessageByFile resolves a file_id to its message row. An empty
// attachmentType matches any attachment (used for thumbnail lookups).
func (s *Store) GetMessageByFile(ctx context.Context, fileID, attachmentType string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE file_id = $1 AND ($2 = '' OR attachment_type = $2)`,
		fileID, attachmentType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message by file: %w", err)
	}
	return m, nil
}

// ListMessagesPage returns one page of the conversation between a and b,
// newest first. page starts at 1.
func (s *Store) ListMessagesPage(ctx context.Context, a, b string, page, pageSize int) ([]*Message, error) {
	if page < 1 {
		page = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		ORDER BY write_time DESC, id DESC
		LIMIT $3 OFFSET $4`,
		a, b, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// latestMessage returns the most recent surviving message between a and b,
// or nil when none remain.
func latestMessage(ctx context.Context, q dbtx, a, b string) (*Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		ORDER BY write_time DESC, id DESC
		LIMIT 1`,
		a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return m, nil
}

// DeleteMessagesOwned deletes the given message ids after checking that the
// caller is sender or receiver of every one; a single unauthorized or
// missing id aborts the whole delete with ErrNotOwned. Conversation rows
// referencing the ids are cleared and every affected pair's head is
// recomputed, all inside one transaction. The recomputed heads are returned
// so the in-memory index can be updated after commit.
func (s *Store) DeleteMessagesOwned(ctx context.Context, caller string, ids []int64) ([]HeadUpdate, error) {
	if len(ids) == 0 {
		return nil, ErrNotOwned
	}

	var updates []HeadUpdate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, sender, receiver FROM messages
			WHERE id = ANY($1) FOR UPDATE`,
			pq.Array(ids))
		if err != nil {
			return fmt.Errorf("lock messages: %w", err)
		}

		type pair struct{ a, b string }
		pairs := make(map[pair][]int64)
		found := 0
		for rows.Next() {
			var id int64
			var sender, receiver string
			if err := rows.Scan(&id, &sender, &receiver); err != nil {
				rows.Close()
				return fmt.Errorf("scan message owner: %w", err)
			}
			if sender != caller && receiver != caller {
				rows.Close()
				return ErrNotOwned
			}
			a, b := CanonicalPair(sender, receiver)
			pairs[pair{a, b}] = append(pairs[pair{a, b}], id)
			found++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock messages: %w", err)
		}
		if found != len(ids) {
			return ErrNotOwned
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET lastmessageid = NULL WHERE lastmessageid = ANY($1)`,
			pq.Array(ids)); err != nil {
			return fmt.Errorf("clear conversation refs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}

		for p, deleted := range pairs {
			latest, err := latestMessage(ctx, tx, p.a, p.b)
			if err != nil {
				return err
			}
			if err := upsertHead(ctx, tx, p.a, p.b, latest); err != nil {
				return err
			}
			updates = append(updates, HeadUpdate{Username: p.a, Friend: p.b, Latest: latest, DeletedIDs: deleted})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}
