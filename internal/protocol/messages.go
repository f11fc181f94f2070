// internal/protocol/messages.go
package protocol

import (
	"strings"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
)

// Type is the message type tag carried by every frame.
type Type string

// Client requests.
const (
	TypeRegister     Type = "Register"
	TypeLogin        Type = "Login"
	TypeLogout       Type = "Logout"
	TypeListGames    Type = "ListGames"
	TypeGameInfo     Type = "GameInfo"
	TypeDownload     Type = "Download"
	TypeCreateRoom   Type = "CreateRoom"
	TypeListRooms    Type = "ListRooms"
	TypeJoinRoom     Type = "JoinRoom"
	TypeLeaveRoom    Type = "LeaveRoom"
	TypeStartGame    Type = "StartGame"
	TypeRoomStatus   Type = "RoomStatus"
	TypeSubmitReview Type = "SubmitReview"
	TypeQuit         Type = "Quit"
)

// Server messages.
const (
	TypeResponse     Type = "Response"
	TypeRoomUpdated  Type = "RoomUpdated"
	TypeHostMigrated Type = "HostMigrated"
	TypeGameReady    Type = "GameReady"
	TypeGameEnded    Type = "GameEnded"
)

// Request is implemented by every client request payload.
type Request interface {
	Type() Type
	// Validate reports missing required fields. Range checks belong to the
	// handler so they produce an error response instead of a dropped connection.
	Validate() error
}

// requestFactories lists the request tags the server accepts. Anything else
// is an unknown tag and therefore a malformed frame.
var requestFactories = map[Type]func() Request{
	TypeRegister:     func() Request { return &RegisterRequest{} },
	TypeLogin:        func() Request { return &LoginRequest{} },
	TypeLogout:       func() Request { return &LogoutRequest{} },
	TypeListGames:    func() Request { return &ListGamesRequest{} },
	TypeGameInfo:     func() Request { return &GameInfoRequest{} },
	TypeDownload:     func() Request { return &DownloadRequest{} },
	TypeCreateRoom:   func() Request { return &CreateRoomRequest{} },
	TypeListRooms:    func() Request { return &ListRoomsRequest{} },
	TypeJoinRoom:     func() Request { return &JoinRoomRequest{} },
	TypeLeaveRoom:    func() Request { return &LeaveRoomRequest{} },
	TypeStartGame:    func() Request { return &StartGameRequest{} },
	TypeRoomStatus:   func() Request { return &RoomStatusRequest{} },
	TypeSubmitReview: func() Request { return &SubmitReviewRequest{} },
	TypeQuit:         func() Request { return &QuitRequest{} },
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.InvalidInput(field + " is required")
	}
	return nil
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (*RegisterRequest) Type() Type { return TypeRegister }

func (r *RegisterRequest) Validate() error {
	if err := required("username", r.Username); err != nil {
		return err
	}
	return required("password", r.Password)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (*LoginRequest) Type() Type { return TypeLogin }

func (r *LoginRequest) Validate() error {
	if err := required("username", r.Username); err != nil {
		return err
	}
	return required("password", r.Password)
}

type LogoutRequest struct{}

func (*LogoutRequest) Type() Type { return TypeLogout }
func (*LogoutRequest) Validate() error { return nil }

type ListGamesRequest struct{}

func (*ListGamesRequest) Type() Type { return TypeListGames }
func (*ListGamesRequest) Validate() error { return nil }

type GameInfoRequest struct {
	GameName string `json:"game_name"`
}

func (*GameInfoRequest) Type() Type { return TypeGameInfo }
func (r *GameInfoRequest) Validate() error { return required("game_name", r.GameName) }

type DownloadRequest struct {
	GameName string `json:"game_name"`
}

func (*DownloadRequest) Type() Type { return TypeDownload }
func (r *DownloadRequest) Validate() error { return required("game_name", r.GameName) }

type CreateRoomRequest struct {
	GameName string `json:"game_name"`
	Label    string `json:"label,omitempty"`
}

func (*CreateRoomRequest) Type() Type { return TypeCreateRoom }

func (r *CreateRoomRequest) Validate() error { return required("game_name", r.GameName) }

// ListRoomsRequest optionally filters by game.
type ListRoomsRequest struct {
	GameName string `json:"game_name,omitempty"`
}

func (*ListRoomsRequest) Type() Type { return TypeListRooms }
func (*ListRoomsRequest) Validate() error { return nil }

type JoinRoomRequest struct {
	RoomID string `json:"room_id"`
}

func (*JoinRoomRequest) Type() Type { return TypeJoinRoom }
func (r *JoinRoomRequest) Validate() error { return required("room_id", r.RoomID) }

type LeaveRoomRequest struct{}

func (*LeaveRoomRequest) Type() Type { return TypeLeaveRoom }
func (*LeaveRoomRequest) Validate() error { return nil }

type StartGameRequest struct{}

func (*StartGameRequest) Type() Type { return TypeStartGame }
func (*StartGameRequest) Validate() error { return nil }

type RoomStatusRequest struct{}

func (*RoomStatusRequest) Type() Type { return TypeRoomStatus }
func (*RoomStatusRequest) Validate() error { return nil }

type SubmitReviewRequest struct {
	GameName string `json:"game_name"`
	Rating   int    `json:"rating"`
	Comment  string `json:"comment,omitempty"`
}

func (*SubmitReviewRequest) Type() Type { return TypeSubmitReview }

func (r *SubmitReviewRequest) Validate() error { return required("game_name", r.GameName) }

type QuitRequest struct{}

func (*QuitRequest) Type() Type { return TypeQuit }
func (*QuitRequest) Validate() error { return nil }

// ErrorBody is the error half of a response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ResponseBody is the payload of every Response frame.
type ResponseBody struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// RoomView is the client facing shape of a room.
type RoomView struct {
	RoomID      string `json:"room_id"`
	Label       string `json:"label,omitempty"`
	GameName    string `json:"game_name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
	Host        string `json:"host"`
	HostUserID  string `json:"host_user_id"`
	Guest       string `json:"guest,omitempty"`
	GuestUserID string `json:"guest_user_id,omitempty"`
	Players     int    `json:"players"`
	MaxPlayers  int    `json:"max_players"`
	GamePort    int    `json:"game_port,omitempty"`
}

// RoomUpdated reasons.
const (
	ReasonPlayerJoined    = "player_joined"
	ReasonPlayerLeft      = "player_left"
	ReasonVersionUpgraded = "version_upgraded"
	ReasonStartFailed     = "start_failed"
)

type RoomUpdatedPayload struct {
	Reason string   `json:"reason"`
	Room   RoomView `json:"room"`
}

type HostMigratedPayload struct {
	NewHost       string   `json:"new_host"`
	NewHostUserID string   `json:"new_host_user_id"`
	Room          RoomView `json:"room"`
}

// GameReadyPayload redirects a client to its game server. Ticket is the
// signed join token the game server expects from this player.
type GameReadyPayload struct {
	RoomID   string `json:"room_id"`
	GameName string `json:"game_name"`
	Version  string `json:"version"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Ticket   string `json:"ticket"`
}

type GameEndedPayload struct {
	RoomID  string   `json:"room_id"`
	Outcome string   `json:"outcome"`
	Room    RoomView `json:"room"`
}
