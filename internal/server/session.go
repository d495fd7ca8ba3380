package server

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/whisperim/whisperd/internal/protocol"
)

// LiveSession is the runtime binding of one TCP connection: the frame
// writer, the write mutex that keeps concurrent pushes from tearing frames,
// and the username once authenticated.
type LiveSession struct {
	id    string
	conn  net.Conn
	codec *protocol.Codec

	writeMu sync.Mutex

	// username is written by the connection's own dispatcher goroutine
	// after a successful bind and read only from there.
	username string
}

func newLiveSession(conn net.Conn, codec *protocol.Codec) *LiveSession {
	return &LiveSession{
		id:    uuid.New().String(),
		conn:  conn,
		codec: codec,
	}
}

// ID returns the session's connection id.
func (s *LiveSession) ID() string {
	return s.id
}

// RemoteAddr returns the peer address for logs.
func (s *LiveSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// send marshals v, seals it and writes one frame. The write mutex is held
// for the duration of the single write so handler responses and pushes
// never interleave.
func (s *LiveSession) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame payload: %w", err)
	}
	frame, err := s.codec.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendPush implements presence.Conn.
func (s *LiveSession) SendPush(payload any) error {
	return s.send(payload)
}
