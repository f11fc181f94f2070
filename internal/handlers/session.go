// internal/handlers/session.go
package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/models"
	"github.com/jason-s-yu/gamelobby/internal/notify"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
)

// Session is one client connection. Its user and room fields belong to the
// read loop; nothing else writes them.
type Session struct {
	id     string
	srv    *Server
	conn   protocol.Conn
	outbox notify.Outbox
	log    *logrus.Entry

	user   *models.User
	roomID string

	stop       chan struct{} // closed by the read loop when it is done
	writerDone chan struct{}
}

func newSession(srv *Server, conn protocol.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		srv:        srv,
		conn:       conn,
		outbox:     notify.NewOutbox(srv.cfg.OutboxSize),
		log:        srv.deps.Logger.WithFields(logrus.Fields{"session": id, "remote": conn.RemoteAddr()}),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID is the session id used by the registry and the hub.
func (s *Session) ID() string { return s.id }

func (s *Session) run(ctx context.Context) error {
	s.srv.deps.Hub.Register(s.id, s.outbox)
	go s.writePump()
	s.log.Info("session opened")

	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-s.stop:
		}
	}()

	err := s.readPump(ctx)

	s.cleanup()
	close(s.stop)
	<-s.writerDone
	s.close(err)
	s.srv.remove(s)

	if err != nil {
		s.log.WithError(err).Info("session closed")
	} else {
		s.log.Info("session closed")
	}
	return err
}

type inbound struct {
	body []byte
	err  error
}

// readPump handles requests one at a time until the client quits, the
// connection drops or a frame fails to decode. Frames are read on their own
// goroutine so a dropped connection cancels the request in flight.
func (s *Session) readPump(ctx context.Context) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames := make(chan inbound)
	done := make(chan struct{})
	defer close(done)
	go s.readFrames(ctx, cancel, frames, done)

	for f := range frames {
		if f.err != nil {
			if isDisconnect(f.err) {
				return nil
			}
			if apperr.HasCode(f.err, apperr.CodeMalformedFrame) {
				s.rejectFrame(f.err)
			}
			return f.err
		}

		in, err := protocol.DecodeRequest(f.body)
		if err != nil {
			s.rejectFrame(err)
			return err
		}

		quit := s.dispatch(reqCtx, in)
		if quit {
			return nil
		}
	}
	return nil
}

// readFrames feeds frames to the read loop. It stops after the first read
// error; a lost connection also cancels the request being handled.
func (s *Session) readFrames(ctx context.Context, cancel context.CancelFunc, frames chan<- inbound, done <-chan struct{}) {
	defer close(frames)
	for {
		body, err := s.conn.ReadFrame(ctx)
		if err != nil && !apperr.HasCode(err, apperr.CodeMalformedFrame) {
			cancel()
		}
		select {
		case frames <- inbound{body: body, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// rejectFrame answers a bad frame with an error response before the
// connection is dropped.
func (s *Session) rejectFrame(err error) {
	s.log.WithError(err).Warn("malformed frame")
	s.reply(protocol.NewErrorResponse(0, err))
}

// close drops the connection. Websocket clients that sent garbage get a
// policy violation status instead of a normal closure.
func (s *Session) close(cause error) {
	if ws, ok := s.conn.(*protocol.WSConn); ok && apperr.HasCode(cause, apperr.CodeMalformedFrame) {
		_ = ws.CloseProtocolError("malformed frame")
		return
	}
	_ = s.conn.Close()
}

// reply queues a response. Responses wait for room in the outbox; only
// notifications are dropped when it is full.
func (s *Session) reply(msg protocol.Message) {
	select {
	case s.outbox <- msg:
	case <-s.writerDone:
	}
}

// writePump is the only writer on the connection. Once stop closes it
// writes whatever is already queued and returns.
func (s *Session) writePump() {
	defer close(s.writerDone)
	for {
		select {
		case msg := <-s.outbox:
			if !s.write(msg) {
				return
			}
		case <-s.stop:
			for {
				select {
				case msg := <-s.outbox:
					if !s.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(msg protocol.Message) bool {
	timeout := s.srv.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := protocol.WriteMessage(ctx, s.conn, msg); err != nil {
		s.log.WithError(err).WithField("type", msg.Type).Warn("write failed, closing session")
		// unblock the read loop
		_ = s.conn.Close()
		return false
	}
	return true
}

// cleanup is the implicit leave and logout run when a session ends.
func (s *Session) cleanup() {
	s.leaveRoom()
	s.logout()
	s.srv.deps.Hub.Unregister(s.id)
}

func (s *Session) leaveRoom() {
	if s.roomID == "" {
		return
	}
	roomID := s.roomID
	s.roomID = ""
	if _, err := s.srv.deps.Rooms.LeaveRoom(roomID, s.id); err != nil && !apperr.HasCode(err, apperr.CodeRoomNotFound) {
		s.log.WithError(err).WithField("room", roomID).Warn("implicit leave failed")
	}
}

func (s *Session) logout() {
	if s.user == nil {
		return
	}
	s.srv.unclaim(s.user.ID, s.id)
	s.log.WithField("user", s.user.Username).Info("logged out")
	s.user = nil
}
