// internal/protocol/conn.go
package protocol

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// Conn is a framed, bidirectional client connection. Implementations must
// allow one concurrent reader and any number of concurrent writers.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, body []byte) error
	Close() error
	RemoteAddr() string
}

// StreamConn frames messages over a byte stream such as TCP.
type StreamConn struct {
	conn         net.Conn
	r            *bufio.Reader
	wmu          sync.Mutex
	writeTimeout time.Duration
}

// NewStreamConn wraps c. writeTimeout bounds every write when the caller's
// context carries no deadline; zero disables it.
func NewStreamConn(c net.Conn, writeTimeout time.Duration) *StreamConn {
	return &StreamConn{
		conn:         c,
		r:            bufio.NewReader(c),
		writeTimeout: writeTimeout,
	}
}

// ReadFrame blocks until a full frame arrives. Cancellation is delivered by
// closing the connection; ctx is only checked before the read starts.
func (s *StreamConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadFrame(s.r)
}

func (s *StreamConn) WriteFrame(ctx context.Context, body []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return WriteFrame(s.conn, body)
}

func (s *StreamConn) Close() error {
	return s.conn.Close()
}

func (s *StreamConn) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// WriteMessage marshals msg and writes it as one frame.
func WriteMessage(ctx context.Context, c Conn, msg Message) error {
	body, err := Marshal(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(ctx, body)
}
