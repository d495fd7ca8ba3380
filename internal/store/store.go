// Package store exposes typed accessors over the relational schema. All
// multi-row mutations run inside a single transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/whisperim/whisperd/internal/logger"
)

// Sentinel errors surfaced to handlers.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrNotOwned  = errors.New("record not owned by caller")
)

const pqUniqueViolation = "23505"

// Store wraps the shared connection pool.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// New creates a store over an initialized pool.
func New(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.WithComponent("store")}
}

// CanonicalPair returns (a, b) sorted lexicographically. Conversation rows
// are always keyed this way.
func CanonicalPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
