// Package upload tracks in-flight chunked uploads keyed by request id and
// reassembles them into files on disk.
package upload

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/whisperim/whisperd/internal/logger"
)

var (
	// ErrUnknownSession is returned when a chunk references an untracked
	// request id.
	ErrUnknownSession = errors.New("unknown upload session")

	// ErrSessionExists is returned when a first chunk reuses a tracked
	// request id.
	ErrSessionExists = errors.New("upload session already exists")
)

// Session is one in-flight upload accumulator. Chunks for one request id
// are serialized by the client, so fields past creation are only touched by
// the owning connection's loop.
type Session struct {
	RequestID        string
	ConnID           string
	Sender           string
	Receiver         string
	FileType         string
	OriginalFileName string
	Caption          string
	FilePath         string
	UniqueFileName   string
	ExpectedSize     int64
	ReceivedSize     int64
	CreatedAt        time.Time
}

type orphan struct {
	path string
	at   time.Time
}

// Table guards the request id -> session map with one mutex. File writes
// happen outside the lock.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
	orphans  []orphan

	log *logger.Logger
	now func() time.Time
}

// NewTable creates an empty upload table.
func NewTable(log *logger.Logger) *Table {
	return &Table{
		sessions: make(map[string]*Session),
		log:      log.WithComponent("upload_table"),
		now:      time.Now,
	}
}

// Begin registers a new session for the first chunk of a request id.
func (t *Table) Begin(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[s.RequestID]; ok {
		return ErrSessionExists
	}
	s.CreatedAt = t.now()
	t.sessions[s.RequestID] = s
	return nil
}

// Lookup returns the session for a request id, if tracked.
func (t *Table) Lookup(requestID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[requestID]
	return s, ok
}

// Append writes one decoded chunk to the session's file. The table lock is
// not held across the write; the per-connection loop serializes chunks for
// one request id.
func (t *Table) Append(requestID string, data []byte) (*Session, error) {
	t.mu.Lock()
	s, ok := t.sessions[requestID]
	t.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	f, err := os.OpenFile(s.FilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("append upload chunk: %w", err)
	}

	t.mu.Lock()
	s.ReceivedSize += int64(len(data))
	t.mu.Unlock()
	return s, nil
}

// Finish removes and returns the session when the terminator chunk arrives.
func (t *Table) Finish(requestID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[requestID]
	if ok {
		delete(t.sessions, requestID)
	}
	return s, ok
}

// ReleaseConn drops every session owned by a torn-down connection. The
// partial files stay on disk and are queued for the orphan sweep.
func (t *Table) ReleaseConn(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for id, s := range t.sessions {
		if s.ConnID != connID {
			continue
		}
		delete(t.sessions, id)
		t.orphans = append(t.orphans, orphan{path: s.FilePath, at: t.now()})
		dropped++
	}
	if dropped > 0 {
		t.log.Info("abandoned uploads released", slog.String("conn_id", connID), slog.Int("count", dropped))
	}
	return dropped
}

// SweepOrphans deletes abandoned partial files older than age. Returns the
// number of files removed.
func (t *Table) SweepOrphans(age time.Duration) int {
	cutoff := t.now().Add(-age)

	t.mu.Lock()
	var due []orphan
	var keep []orphan
	for _, o := range t.orphans {
		if o.at.Before(cutoff) {
			due = append(due, o)
		} else {
			keep = append(keep, o)
		}
	}
	t.orphans = keep
	t.mu.Unlock()

	removed := 0
	for _, o := range due {
		if err := os.Remove(o.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.log.Warn("orphan removal failed", slog.String("path", o.path), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		t.log.Info("orphaned upload files removed", slog.Int("count", removed))
	}
	return removed
}

// ActiveCount reports the number of in-flight sessions.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
