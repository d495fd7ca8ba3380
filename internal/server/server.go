// Package server runs the TCP gateway: one dispatcher goroutine per
// accepted connection, routing decoded frames to the messaging, social and
// registration handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/whisperim/whisperd/internal/conversation"
	"github.com/whisperim/whisperd/internal/logger"
	"github.com/whisperim/whisperd/internal/media"
	"github.com/whisperim/whisperd/internal/metrics"
	"github.com/whisperim/whisperd/internal/presence"
	"github.com/whisperim/whisperd/internal/protocol"
	"github.com/whisperim/whisperd/internal/register"
	"github.com/whisperim/whisperd/internal/upload"
)

// Deps bundles everything the gateway needs.
type Deps struct {
	ListenAddr string
	Codec      *protocol.Codec
	Store      Store
	Heads      *conversation.Index
	Presence   *presence.Table
	Notifier   *presence.Notifier
	Uploads    *upload.Table
	Media      *media.Store
	Prober     media.Prober
	Register   *register.Machine
	Metrics    *metrics.Metrics
	Log        *logger.Logger
}

// Server encapsulates the listener and active session tracking.
type Server struct {
	deps Deps
	log  *logger.Logger

	mu      sync.RWMutex
	l       net.Listener
	conns   map[string]*LiveSession
	closing bool

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an unstarted server.
func New(deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:      deps,
		log:       deps.Log.WithComponent("gateway"),
		conns:     make(map[string]*LiveSession),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// NewFriendSource adapts a Store to the presence fan-out contract.
func NewFriendSource(s Store) presence.FriendSource {
	return friendSource{store: s}
}

// Start begins listening and launches the accept loop. Safe to call once.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.deps.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.deps.ListenAddr, err)
	}
	s.l = ln
	s.mu.Unlock()

	s.log.Info("gateway listening", slog.String("addr", ln.Addr().String()))
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, for tests binding port 0.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		s.mu.RLock()
		l := s.l
		s.mu.RUnlock()
		if l == nil {
			return
		}
		conn, err := l.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error("accept failed", slog.String("error", err.Error()))
			return
		}

		s.deps.Metrics.ConnectionsAccepted.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener and all live sessions, then waits for the
// dispatcher goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closing = true
	if s.l != nil {
		s.l.Close()
		s.l = nil
	}
	conns := make([]*LiveSession, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancelAll()
	for _, c := range conns {
		c.conn.Close()
	}
	s.wg.Wait()
	s.log.Info("gateway stopped")
}

// ConnectionCount reports the number of open sessions.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) trackConn(sess *LiveSession) {
	s.mu.Lock()
	s.conns[sess.id] = sess
	s.mu.Unlock()
	s.deps.Metrics.ConnectionsActive.Inc()
}

func (s *Server) untrackConn(sess *LiveSession) {
	s.mu.Lock()
	delete(s.conns, sess.id)
	s.mu.Unlock()
	s.deps.Metrics.ConnectionsActive.Dec()
}
