// internal/handlers/server.go

// Package handlers runs client sessions: it accepts TCP and websocket
// connections, decodes requests and turns them into registry, orchestrator
// and database calls.
package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/lobby"
	"github.com/jason-s-yu/gamelobby/internal/middleware"
	"github.com/jason-s-yu/gamelobby/internal/models"
	"github.com/jason-s-yu/gamelobby/internal/notify"
	"github.com/jason-s-yu/gamelobby/internal/orchestrator"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
)

// BadSubprotocolError is the websocket close code for clients that did not
// request the lobby subprotocol.
const BadSubprotocolError = 3000

// Accounts is the account half of the database server.
type Accounts interface {
	Register(ctx context.Context, username, password string) (models.User, error)
	Authenticate(ctx context.Context, username, password string) (models.User, error)
}

// Reviews is the review half of the database server.
type Reviews interface {
	SubmitReview(ctx context.Context, r models.Review) error
	ReviewSummary(ctx context.Context, gameName string, recent int) (models.ReviewSummary, error)
}

// Catalog is the developer server's game catalog.
type Catalog interface {
	ListGames(ctx context.Context) ([]models.Game, error)
	GetGame(ctx context.Context, name string) (models.Game, error)
	GetRelease(ctx context.Context, name, version string) (models.Release, error)
}

// Rooms is the room registry as seen by a session.
type Rooms interface {
	CreateRoom(ctx context.Context, gameName, label string, host lobby.Member) (lobby.RoomSnapshot, error)
	JoinRoom(roomID string, guest lobby.Member) (lobby.RoomSnapshot, error)
	LeaveRoom(roomID, sessionID string) (lobby.LeaveResult, error)
	ListRooms(gameName string) []lobby.RoomSnapshot
	Get(roomID string) (lobby.RoomSnapshot, error)
	StartGame(ctx context.Context, roomID, sessionID string) (lobby.GameStartTicket, error)
}

// Games launches game servers for started rooms.
type Games interface {
	Launch(ctx context.Context, t lobby.GameStartTicket) (*orchestrator.Handle, error)
}

// Config holds per-session settings.
type Config struct {
	AdvertiseHost string
	WriteTimeout  time.Duration
	OutboxSize    int
}

// Deps are the collaborators of a Server.
type Deps struct {
	Accounts Accounts
	Reviews  Reviews
	Catalog  Catalog
	Rooms    Rooms
	Games    Games
	Hub      *notify.Hub
	Logger   *logrus.Logger
}

// Server owns every client session and the user to session table.
type Server struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
	claims   map[uuid.UUID]string // user id -> session id
	closing  bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Hub == nil {
		deps.Hub = notify.NewHub(deps.Logger)
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Session),
		claims:   make(map[uuid.UUID]string),
	}
}

// ServeTCP accepts connections on ln until ctx is done or the listener
// fails. Each connection gets its own session goroutine.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.deps.Logger.WithField("addr", ln.Addr().String()).Info("lobby listening")
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.deps.Logger.WithError(err).Warn("accept timeout")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		go s.Serve(ctx, protocol.NewStreamConn(c, s.cfg.WriteTimeout))
	}
}

// WSHandler upgrades /ws requests and runs a session over the websocket.
func (s *Server) WSHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return middleware.LogMiddleware(s.deps.Logger)(mux)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{protocol.Subprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.deps.Logger.WithError(err).Warn("websocket accept error")
		return
	}
	if c.Subprotocol() != protocol.Subprotocol {
		c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
		return
	}

	middleware.LogWebSocketConnect(s.deps.Logger, r.RemoteAddr, r.URL.Path)
	err = s.Serve(r.Context(), protocol.NewWSConn(c, r.RemoteAddr))
	middleware.LogWebSocketDisconnect(s.deps.Logger, r.RemoteAddr, r.URL.Path, err)
}

// Serve runs one session on conn and blocks until it ends. The returned
// error is the reason the read loop stopped; a clean disconnect is nil.
func (s *Server) Serve(ctx context.Context, conn protocol.Conn) error {
	sess := newSession(s, conn)
	if !s.add(sess) {
		_ = conn.Close()
		return errServerClosing
	}
	defer s.wg.Done()
	return sess.run(ctx)
}

var errServerClosing = errors.New("server is shutting down")

func (s *Server) add(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) remove(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// claim binds userID to sessionID. It fails if another live session holds
// the account.
func (s *Server) claim(userID uuid.UUID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.claims[userID]; ok && holder != sessionID {
		return false
	}
	s.claims[userID] = sessionID
	return true
}

func (s *Server) unclaim(userID uuid.UUID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[userID] == sessionID {
		delete(s.claims, userID)
	}
}

// Sessions is the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown refuses new sessions, closes every live connection and waits
// for the sessions to finish their cleanup or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		_ = sess.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
