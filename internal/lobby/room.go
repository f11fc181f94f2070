// internal/lobby/room.go
package lobby

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
)

// MaxPlayers is the room capacity: one host and one guest.
const MaxPlayers = 2

// Status is a room lifecycle state.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusReady     Status = "READY"
	StatusInGame    Status = "IN_GAME"
	StatusDestroyed Status = "DESTROYED"
)

type event int

const (
	evGuestJoined event = iota
	evGuestLeft
	evHostMigrated
	evHostLeftAlone
	evStart
	evStartAborted
	evGameEnded
)

func (e event) String() string {
	switch e {
	case evGuestJoined:
		return "guest_joined"
	case evGuestLeft:
		return "guest_left"
	case evHostMigrated:
		return "host_migrated"
	case evHostLeftAlone:
		return "host_left_alone"
	case evStart:
		return "start"
	case evStartAborted:
		return "start_aborted"
	case evGameEnded:
		return "game_ended"
	}
	return "unknown"
}

// transition is the only place a room changes status. hasGuest is the
// guest slot before the event is applied.
func transition(from Status, ev event, hasGuest bool) (Status, error) {
	switch from {
	case StatusWaiting:
		switch {
		case ev == evGuestJoined && !hasGuest:
			return StatusReady, nil
		case ev == evHostLeftAlone && !hasGuest:
			return StatusDestroyed, nil
		// a room reused after a game keeps its guest while WAITING
		case ev == evGuestLeft && hasGuest, ev == evHostMigrated && hasGuest:
			return StatusWaiting, nil
		case ev == evStart && hasGuest:
			return StatusInGame, nil
		}
	case StatusReady:
		switch ev {
		case evGuestLeft, evHostMigrated:
			return StatusWaiting, nil
		case evStart:
			return StatusInGame, nil
		}
	case StatusInGame:
		switch ev {
		case evStartAborted:
			return StatusReady, nil
		case evGameEnded, evGuestLeft, evHostMigrated:
			return StatusWaiting, nil
		}
	}
	return from, apperr.Newf(apperr.KindRoom, apperr.CodeInvalidTransition,
		"cannot apply %s to a %s room", ev, from)
}

// Member is a session seated in a room.
type Member struct {
	SessionID string    `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
}

// Room is one host/guest pairing. All fields are guarded by mu and only
// the Registry touches them.
type Room struct {
	mu sync.Mutex

	id              string
	label           string
	gameName        string
	requiredVersion string
	host            Member
	guest           *Member
	status          Status
	gamePort        int
	generation      uint64
	launched        bool
	createdAt       time.Time
}

func (r *Room) apply(ev event) error {
	next, err := transition(r.status, ev, r.guest != nil)
	if err != nil {
		return err
	}
	r.status = next
	return nil
}

// snapshotUnsafe copies the room state. Caller holds r.mu.
func (r *Room) snapshotUnsafe() RoomSnapshot {
	s := RoomSnapshot{
		ID:         r.id,
		Label:      r.label,
		GameName:   r.gameName,
		Version:    r.requiredVersion,
		Status:     r.status,
		Host:       r.host,
		GamePort:   r.gamePort,
		Generation: r.generation,
		CreatedAt:  r.createdAt,
	}
	if r.guest != nil {
		g := *r.guest
		s.Guest = &g
	}
	return s
}

// RoomSnapshot is an immutable copy of a room handed out by the Registry.
type RoomSnapshot struct {
	ID         string
	Label      string
	GameName   string
	Version    string
	Status     Status
	Host       Member
	Guest      *Member
	GamePort   int
	Generation uint64
	CreatedAt  time.Time
}

// Players counts seated members.
func (s RoomSnapshot) Players() int {
	if s.Guest != nil {
		return 2
	}
	return 1
}

// SessionIDs lists the seated sessions, host first.
func (s RoomSnapshot) SessionIDs() []string {
	ids := []string{s.Host.SessionID}
	if s.Guest != nil {
		ids = append(ids, s.Guest.SessionID)
	}
	return ids
}

// Has reports whether sessionID is seated in the room.
func (s RoomSnapshot) Has(sessionID string) bool {
	return s.Host.SessionID == sessionID || (s.Guest != nil && s.Guest.SessionID == sessionID)
}

// View renders the client facing form.
func (s RoomSnapshot) View() protocol.RoomView {
	v := protocol.RoomView{
		RoomID:     s.ID,
		Label:      s.Label,
		GameName:   s.GameName,
		Version:    s.Version,
		Status:     string(s.Status),
		Host:       s.Host.Username,
		HostUserID: s.Host.UserID.String(),
		Players:    s.Players(),
		MaxPlayers: MaxPlayers,
		GamePort:   s.GamePort,
	}
	if s.Guest != nil {
		v.Guest = s.Guest.Username
		v.GuestUserID = s.Guest.UserID.String()
	}
	return v
}

// GameStartTicket authorizes the orchestrator to launch one game session.
type GameStartTicket struct {
	RoomID          string
	GameName        string
	Version         string
	PreviousVersion string
	Upgraded        bool
	Host            Member
	Guest           Member
	Generation      uint64
}

// LeaveResult describes what a leave did to the room.
type LeaveResult struct {
	Room      RoomSnapshot
	Destroyed bool
	Migrated  bool
	// Aborted is set when the leave cut a running game session short.
	Aborted bool
}
