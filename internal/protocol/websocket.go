// internal/protocol/websocket.go
package protocol

import (
	"context"
	"io"

	"github.com/coder/websocket"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "lobby"

// WSConn carries frames over a websocket. Each websocket message holds one
// JSON envelope; the message boundary replaces the length prefix.
type WSConn struct {
	c      *websocket.Conn
	remote string
}

// NewWSConn wraps an accepted websocket connection.
func NewWSConn(c *websocket.Conn, remoteAddr string) *WSConn {
	c.SetReadLimit(MaxFrameSize)
	return &WSConn{c: c, remote: remoteAddr}
}

func (w *WSConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		case websocket.StatusMessageTooBig:
			return nil, malformed("frame exceeds limit of %d bytes", MaxFrameSize)
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, malformed("empty frame")
	}
	return data, nil
}

func (w *WSConn) WriteFrame(ctx context.Context, body []byte) error {
	return w.c.Write(ctx, websocket.MessageBinary, body)
}

func (w *WSConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "closing")
}

// CloseProtocolError closes the websocket with a policy violation status,
// used when the client sent a malformed frame.
func (w *WSConn) CloseProtocolError(reason string) error {
	return w.c.Close(websocket.StatusPolicyViolation, reason)
}

func (w *WSConn) RemoteAddr() string {
	return w.remote
}
