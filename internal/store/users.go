package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateUser inserts a new users row. Returns ErrDuplicate when the
// username is taken.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, avatars, avatar_path, names, signs)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))`,
		u.Username, u.Password, u.AvatarID, u.AvatarPath, u.Nickname, u.Sign)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser loads one users row. Returns ErrNotFound when absent.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password,
		       COALESCE(avatars, ''), COALESCE(avatar_path, ''),
		       COALESCE(names, ''), COALESCE(signs, '')
		FROM users WHERE username = $1`,
		username).Scan(&u.Username, &u.Password, &u.AvatarID, &u.AvatarPath, &u.Nickname, &u.Sign)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UsernameExists reports whether a users row exists.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("username exists: %w", err)
	}
	return exists, nil
}

// UpdateNickname replaces the names column.
func (s *Store) UpdateNickname(ctx context.Context, username, nickname string) error {
	return s.updateUserColumn(ctx, `UPDATE users SET names = NULLIF($2, '') WHERE username = $1`, username, nickname)
}

// UpdateSign replaces the signs column.
func (s *Store) UpdateSign(ctx context.Context, username, sign string) error {
	return s.updateUserColumn(ctx, `UPDATE users SET signs = NULLIF($2, '') WHERE username = $1`, username, sign)
}

// UpdateAvatar records a freshly saved avatar blob.
func (s *Store) UpdateAvatar(ctx context.Context, username, avatarID, avatarPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET avatars = $2, avatar_path = $3 WHERE username = $1`,
		username, avatarID, avatarPath)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	return requireRow(res)
}

// GetAvatarPath resolves an avatar id to its on-disk path.
func (s *Store) GetAvatarPath(ctx context.Context, avatarID string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(avatar_path, '') FROM users WHERE avatars = $1`, avatarID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get avatar path: %w", err)
	}
	if path == "" {
		return "", ErrNotFound
	}
	return path, nil
}

func (s *Store) updateUserColumn(ctx context.Context, query, username, value string) error {
	res, err := s.db.ExecContext(ctx, query, username, value)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
