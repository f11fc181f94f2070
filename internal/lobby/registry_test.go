package lobby

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/models"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
	"github.com/jason-s-yu/gamelobby/internal/version"
)

type catalog struct {
	mu     sync.Mutex
	latest map[string]string
	err    error
}

func (c *catalog) GetGame(_ context.Context, name string) (models.Game, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return models.Game{}, c.err
	}
	v, ok := c.latest[name]
	if !ok {
		return models.Game{}, apperr.ErrGameNotFound
	}
	return models.Game{Name: name, LatestVersion: v}, nil
}

func (c *catalog) publish(name, v string) {
	c.mu.Lock()
	c.latest[name] = v
	c.mu.Unlock()
}

type sent struct {
	session string
	msg     protocol.Message
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Notify(ids []string, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.msgs = append(r.msgs, sent{id, msg})
	}
}

func (r *recorder) types(session string) []protocol.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Type
	for _, s := range r.msgs {
		if s.session == session {
			out = append(out, s.msg.Type)
		}
	}
	return out
}

type aborts struct {
	mu    sync.Mutex
	calls []uint64
}

func (a *aborts) Abort(_ string, gen uint64) {
	a.mu.Lock()
	a.calls = append(a.calls, gen)
	a.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	reg     *Registry
	catalog *catalog
	notes   *recorder
	aborts  *aborts
}

func newFixture(t *testing.T, autoUpgrade bool) *fixture {
	t.Helper()
	cat := &catalog{latest: map[string]string{"chat": "1"}}
	res := version.NewResolver(cat, version.Options{AutoUpgrade: autoUpgrade, Logger: quietLogger()})
	notes := &recorder{}
	reg := NewRegistry(res, notes, quietLogger())
	ab := &aborts{}
	reg.SetGameAborter(ab)
	return &fixture{reg: reg, catalog: cat, notes: notes, aborts: ab}
}

func member(name string) Member {
	return Member{SessionID: "sess-" + name, UserID: uuid.New(), Username: name}
}

// guest is set exactly when the room holds two players; READY and IN_GAME
// always have one.
func assertInvariant(t *testing.T, s RoomSnapshot) {
	t.Helper()
	assert.NotEmpty(t, s.Host.SessionID)
	switch s.Status {
	case StatusReady, StatusInGame:
		assert.NotNil(t, s.Guest, "status %s without guest", s.Status)
	case StatusWaiting, StatusDestroyed:
	default:
		t.Fatalf("unknown status %s", s.Status)
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	_, err := transition(StatusDestroyed, evGuestJoined, false)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = transition(StatusWaiting, evStart, false)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = transition(StatusReady, evGameEnded, true)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	next, err := transition(StatusInGame, evStartAborted, true)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, next)
}

func TestCreateJoinLeave(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")

	room, err := f.reg.CreateRoom(context.Background(), "chat", "demo", alice)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, room.Status)
	assert.Equal(t, "1", room.Version)
	assertInvariant(t, room)

	room, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, room.Status)
	assertInvariant(t, room)
	assert.Equal(t, []protocol.Type{protocol.TypeRoomUpdated}, f.notes.types(alice.SessionID))

	_, err = f.reg.JoinRoom(room.ID, member("carol"))
	assert.ErrorIs(t, err, apperr.ErrRoomFull)
	_, err = f.reg.JoinRoom(room.ID, bob)
	assert.ErrorIs(t, err, apperr.ErrAlreadyInRoom)

	res, err := f.reg.LeaveRoom(room.ID, bob.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Room.Status)
	assert.Nil(t, res.Room.Guest)
	assert.False(t, res.Destroyed)
}

func TestCreateUnknownGame(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.reg.CreateRoom(context.Background(), "nope", "", member("alice"))
	assert.ErrorIs(t, err, apperr.ErrGameNotFound)
	assert.Equal(t, 0, f.reg.Len())
}

func TestHostMigration(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	res, err := f.reg.LeaveRoom(room.ID, alice.SessionID)
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.False(t, res.Destroyed)
	assert.Equal(t, StatusWaiting, res.Room.Status)
	assert.Equal(t, bob.SessionID, res.Room.Host.SessionID)
	assert.Nil(t, res.Room.Guest)
	assert.Contains(t, f.notes.types(bob.SessionID), protocol.TypeHostMigrated)

	listed := f.reg.ListRooms("")
	require.Len(t, listed, 1)
	assert.Equal(t, room.ID, listed[0].ID)
}

func TestRoomDestroyedWhenHostLeavesAlone(t *testing.T) {
	f := newFixture(t, true)
	alice := member("alice")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)

	res, err := f.reg.LeaveRoom(room.ID, alice.SessionID)
	require.NoError(t, err)
	assert.True(t, res.Destroyed)
	assert.Empty(t, f.reg.ListRooms(""))

	_, err = f.reg.JoinRoom(room.ID, member("bob"))
	assert.ErrorIs(t, err, apperr.ErrRoomNotFound)
	_, err = f.reg.LeaveRoom(room.ID, alice.SessionID)
	assert.ErrorIs(t, err, apperr.ErrRoomNotFound)
}

func TestStartRules(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)

	_, err = f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "cannot start alone")

	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	_, err = f.reg.StartGame(context.Background(), room.ID, bob.SessionID)
	assert.ErrorIs(t, err, apperr.ErrNotHost)
	_, err = f.reg.StartGame(context.Background(), room.ID, "stranger")
	assert.ErrorIs(t, err, apperr.ErrNotInRoom)

	ticket, err := f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ticket.Generation)
	assert.Equal(t, bob.SessionID, ticket.Guest.SessionID)

	_, err = f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyStarting)
	_, err = f.reg.JoinRoom(room.ID, member("carol"))
	assert.ErrorIs(t, err, apperr.ErrRoomFull)
}

func TestAutoUpgradeOnStart(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	f.catalog.publish("chat", "2")

	ticket, err := f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	require.NoError(t, err)
	assert.True(t, ticket.Upgraded)
	assert.Equal(t, "2", ticket.Version)
	assert.Equal(t, "1", ticket.PreviousVersion)

	snap, err := f.reg.Get(room.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", snap.Version)
	assert.Equal(t, "chat", snap.GameName)
	assert.Contains(t, f.notes.types(bob.SessionID), protocol.TypeRoomUpdated)
}

// A release published while the room's version is still cached must be
// picked up by the next start.
func TestAutoUpgradeSeesReleaseInsideCacheTTL(t *testing.T) {
	cat := &catalog{latest: map[string]string{"chat": "1"}}
	res := version.NewResolver(cat, version.Options{TTL: time.Minute, AutoUpgrade: true, Logger: quietLogger()})
	reg := NewRegistry(res, &recorder{}, quietLogger())
	reg.SetGameAborter(&aborts{})

	alice, bob := member("alice"), member("bob")
	room, err := reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	cat.publish("chat", "2")

	ticket, err := reg.StartGame(context.Background(), room.ID, alice.SessionID)
	require.NoError(t, err)
	assert.True(t, ticket.Upgraded)
	assert.Equal(t, "2", ticket.Version)

	snap, err := reg.Get(room.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", snap.Version)

	// the fresh lookup refilled the cache for the next room
	next, err := reg.CreateRoom(context.Background(), "chat", "", member("carol"))
	require.NoError(t, err)
	assert.Equal(t, "2", next.Version)
}

func TestVersionMismatchRevertsToReady(t *testing.T) {
	f := newFixture(t, false)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	f.catalog.publish("chat", "2")

	_, err = f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	assert.ErrorIs(t, err, apperr.ErrVersionMismatch)

	snap, err := f.reg.Get(room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, "1", snap.Version)
}

func TestUpstreamFailureLeavesRoomReady(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	f.catalog.mu.Lock()
	f.catalog.err = errors.New("developer server down")
	f.catalog.mu.Unlock()

	_, err = f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	assert.True(t, apperr.IsRetryable(err))
	snap, err := f.reg.Get(room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, snap.Status)
}

func TestRoomReuseAfterGame(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	for round := uint64(1); round <= 2; round++ {
		ticket, err := f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
		require.NoError(t, err)
		assert.Equal(t, round, ticket.Generation)

		snap, err := f.reg.GameLaunched(room.ID, ticket.Generation, 5000)
		require.NoError(t, err)
		assert.Equal(t, 5000, snap.GamePort)

		assert.True(t, f.reg.OnGameEnded(room.ID, ticket.Generation, models.OutcomeNormal))
		snap, err = f.reg.Get(room.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusWaiting, snap.Status)
		assert.Equal(t, room.ID, snap.ID)
		assert.Equal(t, alice.SessionID, snap.Host.SessionID)
		require.NotNil(t, snap.Guest)
		assert.Equal(t, 0, snap.GamePort)
		assertInvariant(t, snap)
	}

	// stale completion is ignored
	assert.False(t, f.reg.OnGameEnded(room.ID, 1, models.OutcomeNormal))
	assert.Contains(t, f.notes.types(bob.SessionID), protocol.TypeGameEnded)
}

func TestAbortStartAfterLaunchFailure(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	ticket, err := f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	require.NoError(t, err)
	f.reg.AbortStart(room.ID, ticket.Generation, apperr.ErrNoPortsAvailable)

	snap, err := f.reg.Get(room.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, snap.Status)

	// host may retry
	_, err = f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	require.NoError(t, err)
}

func TestLeaveDuringGameAborts(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)
	ticket, err := f.reg.StartGame(context.Background(), room.ID, alice.SessionID)
	require.NoError(t, err)
	_, err = f.reg.GameLaunched(room.ID, ticket.Generation, 5001)
	require.NoError(t, err)

	res, err := f.reg.LeaveRoom(room.ID, alice.SessionID)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.True(t, res.Migrated)
	assert.Equal(t, StatusWaiting, res.Room.Status)
	assertInvariant(t, res.Room)
	assert.Equal(t, []uint64{ticket.Generation}, f.aborts.calls)
	assert.Contains(t, f.notes.types(bob.SessionID), protocol.TypeGameEnded)

	// the orchestrator's later completion is stale
	assert.False(t, f.reg.OnGameEnded(room.ID, ticket.Generation, models.OutcomeTerminated))
	// and a late launch confirmation is refused
	_, err = f.reg.GameLaunched(room.ID, ticket.Generation, 5001)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

// Many goroutines racing StartGame on one READY room: exactly one ticket.
func TestConcurrentStartSingleWinner(t *testing.T) {
	f := newFixture(t, true)
	alice, bob := member("alice"), member("bob")
	room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
	require.NoError(t, err)
	_, err = f.reg.JoinRoom(room.ID, bob)
	require.NoError(t, err)

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		others  []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		caller := alice.SessionID
		if i%2 == 1 {
			caller = bob.SessionID
		}
		go func(caller string) {
			defer wg.Done()
			_, err := f.reg.StartGame(context.Background(), room.ID, caller)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				return
			}
			others = append(others, err)
		}(caller)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	for _, err := range others {
		ok := errors.Is(err, apperr.ErrAlreadyStarting) || errors.Is(err, apperr.ErrNotHost)
		assert.True(t, ok, "unexpected error %v", err)
	}
}

// Both members leave at the same time: the room is destroyed exactly once
// and both leaves succeed.
func TestConcurrentDoubleLeave(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, true)
		alice, bob := member("alice"), member("bob")
		room, err := f.reg.CreateRoom(context.Background(), "chat", "", alice)
		require.NoError(t, err)
		_, err = f.reg.JoinRoom(room.ID, bob)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]LeaveResult, 2)
		errs := make([]error, 2)
		for j, s := range []string{alice.SessionID, bob.SessionID} {
			wg.Add(1)
			go func(j int, s string) {
				defer wg.Done()
				results[j], errs[j] = f.reg.LeaveRoom(room.ID, s)
			}(j, s)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		destroyed := 0
		for _, r := range results {
			if r.Destroyed {
				destroyed++
			}
		}
		assert.Equal(t, 1, destroyed)
		assert.Equal(t, 0, f.reg.Len())
	}
}

// Concurrent creation never reuses an id.
func TestConcurrentCreateUniqueIDs(t *testing.T) {
	f := newFixture(t, true)
	const n = 100
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := Member{SessionID: uuid.NewString(), UserID: uuid.New(), Username: "p"}
			snap, err := f.reg.CreateRoom(context.Background(), "chat", "", m)
			if err == nil {
				ids <- snap.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, f.reg.ListRooms("chat"), n)
	assert.Empty(t, f.reg.ListRooms("other"))
}
