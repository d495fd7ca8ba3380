package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AddFriend inserts both direction edges in one transaction, keeping the
// symmetric-closure invariant. Returns ErrDuplicate when the edge exists.
func (s *Store) AddFriend(ctx context.Context, username, friend string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, edge := range [][2]string{{username, friend}, {friend, username}} {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO friends (username, friend) VALUES ($1, $2)`,
				edge[0], edge[1]); err != nil {
				if isUniqueViolation(err) {
					return ErrDuplicate
				}
				return fmt.Errorf("insert friend edge: %w", err)
			}
		}
		return nil
	})
}

// AreFriends reports whether the (username, friend) edge exists.
func (s *Store) AreFriends(ctx context.Context, username, friend string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM friends WHERE username = $1 AND friend = $2)`,
		username, friend).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("are friends: %w", err)
	}
	return exists, nil
}

// ListFriends loads the caller's friend list joined with each friend's
// profile columns.
func (s *Store) ListFriends(ctx context.Context, username string) ([]Friend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.friend, COALESCE(f.remarks, ''),
		       COALESCE(u.names, ''), COALESCE(u.signs, ''), COALESCE(u.avatars, '')
		FROM friends f
		JOIN users u ON u.username = f.friend
		WHERE f.username = $1
		ORDER BY f.friend`,
		username)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var friends []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.Username, &f.Remarks, &f.Nickname, &f.Sign, &f.AvatarID); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return friends, nil
}

// UpdateRemarks sets the owner-local remark on one edge. The matching
// reverse edge is untouched.
func (s *Store) UpdateRemarks(ctx context.Context, username, friend, remarks string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE friends SET remarks = NULLIF($3, '') WHERE username = $1 AND friend = $2`,
		username, friend, remarks)
	if err != nil {
		return fmt.Errorf("update remarks: %w", err)
	}
	return requireRow(res)
}
