// Package presence tracks which usernames are bound to live connections and
// delivers server-initiated pushes to them.
package presence

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/whisperim/whisperd/internal/logger"
	"github.com/whisperim/whisperd/internal/metrics"
)

// ErrAlreadyBound is returned when a username is already attached to a live
// session.
var ErrAlreadyBound = errors.New("username already bound to a session")

// Conn is the slice of a live session the table needs: a serialized,
// encrypted frame writer.
type Conn interface {
	SendPush(payload any) error
}

// Table is the process-wide username -> live session mapping. At most one
// session per username at any instant.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]Conn

	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewTable creates an empty presence table.
func NewTable(log *logger.Logger, m *metrics.Metrics) *Table {
	return &Table{
		sessions: make(map[string]Conn),
		log:      log.WithComponent("presence"),
		metrics:  m,
	}
}

// Bind attaches a session to a username. Rejects with ErrAlreadyBound when
// the username is already online.
func (t *Table) Bind(username string, c Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[username]; ok {
		return ErrAlreadyBound
	}
	t.sessions[username] = c
	t.log.Debug("session bound", slog.String("username", username), slog.Int("online", len(t.sessions)))
	return nil
}

// Unbind detaches a session. No-op unless the bound session is exactly c,
// so a stale teardown cannot evict a newer login.
func (t *Table) Unbind(username string, c Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if bound, ok := t.sessions[username]; ok && bound == c {
		delete(t.sessions, username)
		t.log.Debug("session unbound", slog.String("username", username), slog.Int("online", len(t.sessions)))
	}
}

// Online reports whether a username has a live session.
func (t *Table) Online(username string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[username]
	return ok
}

// Push delivers a payload to the username's session if one is bound.
// Delivery failures are logged and swallowed; they never propagate to the
// originating handler.
func (t *Table) Push(username string, payload any) {
	t.mu.RLock()
	c, ok := t.sessions[username]
	t.mu.RUnlock()
	if !ok {
		return
	}

	if err := c.SendPush(payload); err != nil {
		t.metrics.PushesFailed.Inc()
		t.log.Warn("push delivery failed",
			slog.String("username", username),
			slog.String("error", err.Error()))
		return
	}
	t.metrics.PushesDelivered.Inc()
}
