// internal/lobby/registry.go

// Package lobby owns the room table. Sessions submit intents through the
// Registry; every mutation runs under the room's own lock and every
// notification is sent after that lock is released.
package lobby

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/models"
	"github.com/jason-s-yu/gamelobby/internal/notify"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
	"github.com/jason-s-yu/gamelobby/internal/version"
)

// Versions is the part of the version resolver the registry needs.
type Versions interface {
	Resolve(ctx context.Context, name string) (models.Game, error)
	Check(ctx context.Context, gameName, required string) (version.Decision, error)
}

// GameAborter stops the game session of a room generation. It is called
// without any registry lock held.
type GameAborter interface {
	Abort(roomID string, generation uint64)
}

// Registry is the table of live rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	nextID atomic.Uint64

	versions Versions
	notifier notify.Notifier
	aborter  GameAborter
	logger   *logrus.Logger
	now      func() time.Time
}

func NewRegistry(versions Versions, notifier notify.Notifier, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		rooms:    make(map[string]*Room),
		versions: versions,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SetGameAborter wires the orchestrator in after construction.
func (reg *Registry) SetGameAborter(a GameAborter) {
	reg.aborter = a
}

// lookup copies the room pointer out of the table. The table lock is
// released before the caller takes the room lock.
func (reg *Registry) lookup(roomID string) (*Room, error) {
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrRoomNotFound
	}
	return room, nil
}

// remove deletes a destroyed room from the table.
func (reg *Registry) remove(room *Room) {
	reg.mu.Lock()
	if cur, ok := reg.rooms[room.id]; ok && cur == room {
		delete(reg.rooms, room.id)
	}
	reg.mu.Unlock()
}

func (reg *Registry) log(roomID string) *logrus.Entry {
	return reg.logger.WithField("room", roomID)
}

func (reg *Registry) push(sessionIDs []string, t protocol.Type, payload any) {
	if reg.notifier == nil || len(sessionIDs) == 0 {
		return
	}
	reg.notifier.Notify(sessionIDs, protocol.NewNotification(t, payload))
}

// CreateRoom opens a room for gameName with host seated. The room starts at
// the game's latest catalog version. Ids come from a counter that only
// grows, so two rooms never share one.
func (reg *Registry) CreateRoom(ctx context.Context, gameName, label string, host Member) (RoomSnapshot, error) {
	game, err := reg.versions.Resolve(ctx, gameName)
	if err != nil {
		return RoomSnapshot{}, err
	}

	room := &Room{
		id:              strconv.FormatUint(reg.nextID.Add(1), 10),
		label:           label,
		gameName:        game.Name,
		requiredVersion: game.LatestVersion,
		host:            host,
		status:          StatusWaiting,
		createdAt:       reg.now(),
	}
	if room.gameName == "" {
		room.gameName = gameName
	}

	// not yet visible to anyone else
	snap := room.snapshotUnsafe()

	reg.mu.Lock()
	reg.rooms[room.id] = room
	reg.mu.Unlock()

	reg.log(room.id).WithFields(logrus.Fields{
		"game":    room.gameName,
		"version": room.requiredVersion,
		"host":    host.Username,
	}).Info("room created")
	return snap, nil
}

// JoinRoom seats guest in a WAITING room that has a free guest slot.
func (reg *Registry) JoinRoom(roomID string, guest Member) (RoomSnapshot, error) {
	room, err := reg.lookup(roomID)
	if err != nil {
		return RoomSnapshot{}, err
	}

	room.mu.Lock()
	switch {
	case room.status == StatusDestroyed:
		room.mu.Unlock()
		return RoomSnapshot{}, apperr.ErrRoomNotFound
	case room.host.SessionID == guest.SessionID || (room.guest != nil && room.guest.SessionID == guest.SessionID):
		room.mu.Unlock()
		return RoomSnapshot{}, apperr.ErrAlreadyInRoom
	case room.guest != nil:
		room.mu.Unlock()
		return RoomSnapshot{}, apperr.ErrRoomFull
	case room.status != StatusWaiting:
		room.mu.Unlock()
		return RoomSnapshot{}, apperr.ErrRoomNotWaiting
	}
	if err := room.apply(evGuestJoined); err != nil {
		room.mu.Unlock()
		return RoomSnapshot{}, err
	}
	g := guest
	room.guest = &g
	snap := room.snapshotUnsafe()
	host := room.host.SessionID
	room.mu.Unlock()

	reg.log(roomID).WithField("guest", guest.Username).Info("guest joined")
	reg.push([]string{host}, protocol.TypeRoomUpdated, protocol.RoomUpdatedPayload{
		Reason: protocol.ReasonPlayerJoined,
		Room:   snap.View(),
	})
	return snap, nil
}

// LeaveRoom removes sessionID from the room.
//
// A guest leaving empties the guest slot. A host leaving with a guest
// present promotes the guest. A host leaving alone destroys the room.
// Leaving a room that is IN_GAME aborts the running session first.
//
// When both members leave at once the room lock orders them: whichever
// leave runs second finds itself alone and destroys the room, so a room
// is destroyed exactly once.
func (reg *Registry) LeaveRoom(roomID, sessionID string) (LeaveResult, error) {
	room, err := reg.lookup(roomID)
	if err != nil {
		return LeaveResult{}, err
	}

	room.mu.Lock()
	if room.status == StatusDestroyed {
		room.mu.Unlock()
		return LeaveResult{}, apperr.ErrRoomNotFound
	}
	isHost := room.host.SessionID == sessionID
	isGuest := room.guest != nil && room.guest.SessionID == sessionID
	if !isHost && !isGuest {
		room.mu.Unlock()
		return LeaveResult{}, apperr.ErrNotInRoom
	}

	var (
		res        LeaveResult
		leaverName string
		gen        = room.generation
		wasInGame  = room.status == StatusInGame
	)
	switch {
	case isGuest:
		leaverName = room.guest.Username
		err = room.apply(evGuestLeft)
		if err == nil {
			room.guest = nil
		}
	case room.guest != nil:
		leaverName = room.host.Username
		err = room.apply(evHostMigrated)
		if err == nil {
			room.host = *room.guest
			room.guest = nil
			res.Migrated = true
		}
	default:
		leaverName = room.host.Username
		err = room.apply(evHostLeftAlone)
		res.Destroyed = err == nil
	}
	if err != nil {
		room.mu.Unlock()
		return LeaveResult{}, err
	}
	if wasInGame {
		room.gamePort = 0
		room.launched = false
		res.Aborted = true
	}
	res.Room = room.snapshotUnsafe()
	room.mu.Unlock()

	entry := reg.log(roomID).WithField("player", leaverName)
	if res.Destroyed {
		reg.remove(room)
		entry.Info("room destroyed")
		return res, nil
	}

	remaining := res.Room.SessionIDs()
	if res.Aborted {
		if reg.aborter != nil {
			reg.aborter.Abort(roomID, gen)
		}
		entry.Warn("player left during game, session aborted")
		reg.push(remaining, protocol.TypeGameEnded, protocol.GameEndedPayload{
			RoomID:  roomID,
			Outcome: models.OutcomeAborted,
			Room:    res.Room.View(),
		})
	}
	if res.Migrated {
		entry.WithField("new_host", res.Room.Host.Username).Info("host migrated")
		reg.push(remaining, protocol.TypeHostMigrated, protocol.HostMigratedPayload{
			NewHost:       res.Room.Host.Username,
			NewHostUserID: res.Room.Host.UserID.String(),
			Room:          res.Room.View(),
		})
	} else {
		entry.Info("guest left")
		reg.push(remaining, protocol.TypeRoomUpdated, protocol.RoomUpdatedPayload{
			Reason: protocol.ReasonPlayerLeft,
			Room:   res.Room.View(),
		})
	}
	return res, nil
}

// ListRooms returns live rooms in creation order, optionally filtered by game.
func (reg *Registry) ListRooms(gameName string) []RoomSnapshot {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	out := make([]RoomSnapshot, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		snap := r.snapshotUnsafe()
		r.mu.Unlock()
		if snap.Status == StatusDestroyed {
			continue
		}
		if gameName != "" && snap.GameName != gameName {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseUint(out[i].ID, 10, 64)
		b, _ := strconv.ParseUint(out[j].ID, 10, 64)
		return a < b
	})
	return out
}

// Get returns a snapshot of one room.
func (reg *Registry) Get(roomID string) (RoomSnapshot, error) {
	room, err := reg.lookup(roomID)
	if err != nil {
		return RoomSnapshot{}, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.status == StatusDestroyed {
		return RoomSnapshot{}, apperr.ErrRoomNotFound
	}
	return room.snapshotUnsafe(), nil
}

// Len is the number of rooms in the table.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// StartGame moves a room with two players to IN_GAME and returns the ticket
// the orchestrator launches from.
//
// The status flip happens under the room lock so a second caller sees
// AlreadyStarting. The catalog check runs with no lock held; if it fails
// the room goes back to READY. A room behind the catalog is upgraded here
// when auto-upgrade is on.
func (reg *Registry) StartGame(ctx context.Context, roomID, sessionID string) (GameStartTicket, error) {
	room, err := reg.lookup(roomID)
	if err != nil {
		return GameStartTicket{}, err
	}

	room.mu.Lock()
	switch {
	case room.status == StatusDestroyed:
		room.mu.Unlock()
		return GameStartTicket{}, apperr.ErrRoomNotFound
	case room.host.SessionID != sessionID && (room.guest == nil || room.guest.SessionID != sessionID):
		room.mu.Unlock()
		return GameStartTicket{}, apperr.ErrNotInRoom
	case room.status == StatusInGame:
		room.mu.Unlock()
		return GameStartTicket{}, apperr.ErrAlreadyStarting
	case room.host.SessionID != sessionID:
		room.mu.Unlock()
		return GameStartTicket{}, apperr.ErrNotHost
	case room.guest == nil:
		room.mu.Unlock()
		return GameStartTicket{}, apperr.Newf(apperr.KindRoom, apperr.CodeInvalidTransition,
			"room %s needs a second player before starting", roomID)
	}
	if err := room.apply(evStart); err != nil {
		room.mu.Unlock()
		return GameStartTicket{}, err
	}
	room.generation++
	room.launched = false
	gen := room.generation
	gameName := room.gameName
	required := room.requiredVersion
	room.mu.Unlock()

	decision, err := reg.versions.Check(ctx, gameName, required)
	if err != nil {
		reg.revertStart(room, gen, err)
		return GameStartTicket{}, err
	}

	room.mu.Lock()
	if room.status != StatusInGame || room.generation != gen || room.guest == nil {
		room.mu.Unlock()
		return GameStartTicket{}, apperr.Newf(apperr.KindRoom, apperr.CodeInvalidTransition,
			"room %s changed while starting", roomID)
	}
	ticket := GameStartTicket{
		RoomID:          room.id,
		GameName:        room.gameName,
		Version:         decision.Version,
		PreviousVersion: room.requiredVersion,
		Host:            room.host,
		Guest:           *room.guest,
		Generation:      gen,
	}
	if decision.Verdict == version.NeedsUpgrade {
		room.requiredVersion = decision.Version
		ticket.Upgraded = true
	}
	snap := room.snapshotUnsafe()
	room.mu.Unlock()

	entry := reg.log(roomID).WithFields(logrus.Fields{
		"generation": gen,
		"version":    ticket.Version,
	})
	if ticket.Upgraded {
		entry.WithField("previous", ticket.PreviousVersion).Info("room upgraded to latest version")
		reg.push(snap.SessionIDs(), protocol.TypeRoomUpdated, protocol.RoomUpdatedPayload{
			Reason: protocol.ReasonVersionUpgraded,
			Room:   snap.View(),
		})
	}
	entry.Info("game starting")
	return ticket, nil
}

// revertStart undoes a start that failed before anything was launched.
// The requester already gets the error, so no notification is sent.
func (reg *Registry) revertStart(room *Room, gen uint64, cause error) {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.status != StatusInGame || room.generation != gen {
		return
	}
	if err := room.apply(evStartAborted); err != nil {
		reg.log(room.id).WithError(err).Error("revert start")
		return
	}
	reg.log(room.id).WithError(cause).Info("start rejected, room back to READY")
}

// GameLaunched records the port of a running session. It fails when the
// generation is no longer current, in which case the caller must stop the
// process it just started.
func (reg *Registry) GameLaunched(roomID string, gen uint64, port int) (RoomSnapshot, error) {
	room, err := reg.lookup(roomID)
	if err != nil {
		return RoomSnapshot{}, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.status != StatusInGame || room.generation != gen || room.launched {
		return RoomSnapshot{}, apperr.Newf(apperr.KindRoom, apperr.CodeInvalidTransition,
			"room %s is no longer starting generation %d", roomID, gen)
	}
	room.gamePort = port
	room.launched = true
	return room.snapshotUnsafe(), nil
}

// AbortStart returns a room to READY after a failed launch and tells both
// members the start did not happen.
func (reg *Registry) AbortStart(roomID string, gen uint64, reason error) {
	room, err := reg.lookup(roomID)
	if err != nil {
		return
	}
	room.mu.Lock()
	if room.status != StatusInGame || room.generation != gen || room.launched {
		room.mu.Unlock()
		return
	}
	if err := room.apply(evStartAborted); err != nil {
		room.mu.Unlock()
		reg.log(roomID).WithError(err).Error("abort start")
		return
	}
	room.gamePort = 0
	snap := room.snapshotUnsafe()
	room.mu.Unlock()

	reg.log(roomID).WithError(reason).Warn("game launch failed, room back to READY")
	reg.push(snap.SessionIDs(), protocol.TypeRoomUpdated, protocol.RoomUpdatedPayload{
		Reason: protocol.ReasonStartFailed,
		Room:   snap.View(),
	})
}

// OnGameEnded returns a room to WAITING after its game session exits. The
// guest keeps its seat so the pair can play again. Completions for an older
// generation are ignored.
func (reg *Registry) OnGameEnded(roomID string, gen uint64, outcome string) bool {
	room, err := reg.lookup(roomID)
	if err != nil {
		return false
	}
	room.mu.Lock()
	if room.status != StatusInGame || room.generation != gen {
		room.mu.Unlock()
		reg.log(roomID).WithField("generation", gen).Debug("ignoring stale game completion")
		return false
	}
	if err := room.apply(evGameEnded); err != nil {
		room.mu.Unlock()
		reg.log(roomID).WithError(err).Error("game ended")
		return false
	}
	room.gamePort = 0
	room.launched = false
	snap := room.snapshotUnsafe()
	room.mu.Unlock()

	reg.log(roomID).WithFields(logrus.Fields{
		"generation": gen,
		"outcome":    outcome,
	}).Info("game ended")
	reg.push(snap.SessionIDs(), protocol.TypeGameEnded, protocol.GameEndedPayload{
		RoomID:  roomID,
		Outcome: outcome,
		Room:    snap.View(),
	})
	return true
}
