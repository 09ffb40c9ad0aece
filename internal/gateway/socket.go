package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errSocketClosed = errors.New("socket closed")

// socket adapts a websocket connection to registry.Socket. Writes are
// serialised; Close sends a close frame and bounds the remaining read time.
type socket struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newSocket(conn *websocket.Conn, writeTimeout time.Duration) *socket {
	return &socket{
		id:           uuid.New().String(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (s *socket) ID() string { return s.id }

func (s *socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	deadline := time.Now().Add(s.writeTimeout)
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	// The peer normally echoes the close frame; don't wait past the
	// deadline if it doesn't.
	s.conn.SetReadDeadline(deadline)
	return err
}

// interrupt unblocks a pending read without sending anything.
func (s *socket) interrupt() {
	s.conn.SetReadDeadline(time.Now())
}
