// internal/handlers/commands.go
package handlers

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/lobby"
	"github.com/jason-s-yu/gamelobby/internal/models"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
)

const (
	maxLabelLength = 64
	recentReviews  = 10
	minRating      = 1
	maxRating      = 5
)

// UserData answers Register and Login.
type UserData struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type GameListData struct {
	Games []models.Game `json:"games"`
}

// GameInfoData is a catalog entry with its review summary.
type GameInfoData struct {
	Game models.Game `json:"game"`
	models.ReviewSummary
}

type DownloadData struct {
	GameName    string `json:"game_name"`
	Version     string `json:"version"`
	ArtifactURL string `json:"artifact_url"`
}

type RoomListData struct {
	Rooms []protocol.RoomView `json:"rooms"`
}

type LeaveData struct {
	RoomID    string `json:"room_id"`
	Destroyed bool   `json:"destroyed"`
}

// RoomStatusData carries the game server endpoint while the room is in game.
type RoomStatusData struct {
	Room     protocol.RoomView `json:"room"`
	GameHost string            `json:"game_host,omitempty"`
	GamePort int               `json:"game_port,omitempty"`
}

// dispatch runs one request and queues exactly one response. It reports
// whether the client asked to quit.
func (s *Session) dispatch(ctx context.Context, in protocol.Inbound) bool {
	data, err := s.handle(ctx, in.Request)

	entry := s.log.WithFields(logrus.Fields{"type": in.Request.Type(), "id": in.ID})
	if err != nil {
		appErr := apperr.From(err)
		if appErr.Kind == apperr.KindInternal {
			entry.WithError(err).Error("request failed")
		} else {
			entry.WithField("code", appErr.Code).Debug("request rejected")
		}
		s.reply(protocol.NewErrorResponse(in.ID, err))
	} else {
		entry.Debug("request handled")
		s.reply(protocol.NewResponse(in.ID, data))
	}

	_, quit := in.Request.(*protocol.QuitRequest)
	return quit
}

func (s *Session) handle(ctx context.Context, req protocol.Request) (any, error) {
	switch r := req.(type) {
	case *protocol.RegisterRequest:
		return s.register(ctx, r)
	case *protocol.LoginRequest:
		return s.login(ctx, r)
	case *protocol.QuitRequest:
		return nil, nil
	}

	if s.user == nil {
		return nil, apperr.ErrNotLoggedIn
	}

	switch r := req.(type) {
	case *protocol.LogoutRequest:
		s.leaveRoom()
		s.logout()
		return nil, nil
	case *protocol.ListGamesRequest:
		return s.listGames(ctx)
	case *protocol.GameInfoRequest:
		return s.gameInfo(ctx, r)
	case *protocol.DownloadRequest:
		return s.download(ctx, r)
	case *protocol.CreateRoomRequest:
		return s.createRoom(ctx, r)
	case *protocol.ListRoomsRequest:
		return s.listRooms(r), nil
	case *protocol.JoinRoomRequest:
		return s.joinRoom(r)
	case *protocol.LeaveRoomRequest:
		return s.leave()
	case *protocol.StartGameRequest:
		return s.startGame(ctx)
	case *protocol.RoomStatusRequest:
		return s.roomStatus()
	case *protocol.SubmitReviewRequest:
		return nil, s.submitReview(ctx, r)
	}
	return nil, apperr.Newf(apperr.KindProtocol, apperr.CodeMalformedFrame, "unsupported request %s", req.Type())
}

func (s *Session) register(ctx context.Context, r *protocol.RegisterRequest) (any, error) {
	u, err := s.srv.deps.Accounts.Register(ctx, r.Username, r.Password)
	if err != nil {
		return nil, err
	}
	s.log.WithField("user", u.Username).Info("account registered")
	return UserData{UserID: u.ID.String(), Username: u.Username}, nil
}

// login binds the account to this session. An account can be bound to one
// live session at a time.
func (s *Session) login(ctx context.Context, r *protocol.LoginRequest) (any, error) {
	if s.user != nil {
		return nil, apperr.ErrAlreadyLoggedIn
	}
	u, err := s.srv.deps.Accounts.Authenticate(ctx, r.Username, r.Password)
	if err != nil {
		return nil, err
	}
	if !s.srv.claim(u.ID, s.id) {
		return nil, apperr.ErrAlreadyLoggedIn
	}
	u.Password = ""
	s.user = &u
	s.log.WithField("user", u.Username).Info("logged in")
	return UserData{UserID: u.ID.String(), Username: u.Username}, nil
}

func (s *Session) listGames(ctx context.Context) (any, error) {
	games, err := s.srv.deps.Catalog.ListGames(ctx)
	if err != nil {
		return nil, err
	}
	if games == nil {
		games = []models.Game{}
	}
	return GameListData{Games: games}, nil
}

func (s *Session) gameInfo(ctx context.Context, r *protocol.GameInfoRequest) (any, error) {
	g, err := s.srv.deps.Catalog.GetGame(ctx, r.GameName)
	if err != nil {
		return nil, err
	}
	sum, err := s.srv.deps.Reviews.ReviewSummary(ctx, g.Name, recentReviews)
	if err != nil {
		return nil, err
	}
	if sum.Recent == nil {
		sum.Recent = []models.Review{}
	}
	return GameInfoData{Game: g, ReviewSummary: sum}, nil
}

func (s *Session) download(ctx context.Context, r *protocol.DownloadRequest) (any, error) {
	g, err := s.srv.deps.Catalog.GetGame(ctx, r.GameName)
	if err != nil {
		return nil, err
	}
	rel, err := s.srv.deps.Catalog.GetRelease(ctx, g.Name, g.LatestVersion)
	if err != nil {
		return nil, err
	}
	return DownloadData{GameName: g.Name, Version: rel.Version, ArtifactURL: rel.ArtifactURL}, nil
}

func (s *Session) member() lobby.Member {
	return lobby.Member{SessionID: s.id, UserID: s.user.ID, Username: s.user.Username}
}

func (s *Session) createRoom(ctx context.Context, r *protocol.CreateRoomRequest) (any, error) {
	if s.roomID != "" {
		return nil, apperr.ErrAlreadyInRoom
	}
	label := strings.TrimSpace(r.Label)
	if utf8.RuneCountInString(label) > maxLabelLength {
		return nil, apperr.InvalidInput("room label is too long")
	}
	snap, err := s.srv.deps.Rooms.CreateRoom(ctx, r.GameName, label, s.member())
	if err != nil {
		return nil, err
	}
	s.roomID = snap.ID
	return snap.View(), nil
}

func (s *Session) listRooms(r *protocol.ListRoomsRequest) RoomListData {
	snaps := s.srv.deps.Rooms.ListRooms(r.GameName)
	views := make([]protocol.RoomView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, snap.View())
	}
	return RoomListData{Rooms: views}
}

func (s *Session) joinRoom(r *protocol.JoinRoomRequest) (any, error) {
	if s.roomID != "" {
		return nil, apperr.ErrAlreadyInRoom
	}
	snap, err := s.srv.deps.Rooms.JoinRoom(r.RoomID, s.member())
	if err != nil {
		return nil, err
	}
	s.roomID = snap.ID
	return snap.View(), nil
}

func (s *Session) leave() (any, error) {
	if s.roomID == "" {
		return nil, apperr.ErrNotInRoom
	}
	roomID := s.roomID
	res, err := s.srv.deps.Rooms.LeaveRoom(roomID, s.id)
	if err != nil && !apperr.HasCode(err, apperr.CodeRoomNotFound) {
		return nil, err
	}
	s.roomID = ""
	return LeaveData{RoomID: roomID, Destroyed: res.Destroyed}, nil
}

// startGame moves the room to IN_GAME and launches its game server. The
// response carries the requester's redirect; both players also get a
// GameReady notification.
func (s *Session) startGame(ctx context.Context) (any, error) {
	if s.roomID == "" {
		return nil, apperr.ErrNotInRoom
	}
	ticket, err := s.srv.deps.Rooms.StartGame(ctx, s.roomID, s.id)
	if err != nil {
		return nil, err
	}
	h, err := s.srv.deps.Games.Launch(ctx, ticket)
	if err != nil {
		return nil, err
	}
	return h.ReadyFor(s.id), nil
}

func (s *Session) roomStatus() (any, error) {
	if s.roomID == "" {
		return nil, apperr.ErrNotInRoom
	}
	snap, err := s.srv.deps.Rooms.Get(s.roomID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeRoomNotFound) {
			s.roomID = ""
			return nil, apperr.ErrNotInRoom
		}
		return nil, err
	}
	data := RoomStatusData{Room: snap.View()}
	if snap.Status == lobby.StatusInGame && snap.GamePort != 0 {
		data.GameHost = s.srv.cfg.AdvertiseHost
		data.GamePort = snap.GamePort
	}
	return data, nil
}

func (s *Session) submitReview(ctx context.Context, r *protocol.SubmitReviewRequest) error {
	if r.Rating < minRating || r.Rating > maxRating {
		return apperr.InvalidInput("rating must be between 1 and 5")
	}
	g, err := s.srv.deps.Catalog.GetGame(ctx, r.GameName)
	if err != nil {
		return err
	}
	return s.srv.deps.Reviews.SubmitReview(ctx, models.Review{
		GameName: g.Name,
		UserID:   s.user.ID,
		Username: s.user.Username,
		Rating:   r.Rating,
		Comment:  strings.TrimSpace(r.Comment),
	})
}
