package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/auth"
	"github.com/jason-s-yu/gamelobby/internal/lobby"
	"github.com/jason-s-yu/gamelobby/internal/models"
	"github.com/jason-s-yu/gamelobby/internal/notify"
	"github.com/jason-s-yu/gamelobby/internal/ports"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
	"github.com/jason-s-yu/gamelobby/internal/version"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeProcess exits when the test says so, or when signalled.
type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	status     ExitStatus
	ignoreTerm bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(st ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = st
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProcess) Signal(os.Signal) error {
	if !p.ignoreTerm {
		p.exit(ExitStatus{Code: -1, Signaled: true})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(ExitStatus{Code: -1, Signaled: true})
	return nil
}

type fakeLauncher struct {
	mu         sync.Mutex
	specs      []LaunchSpec
	procs      []*fakeProcess
	crash      bool
	ignoreTerm bool
}

func (l *fakeLauncher) Start(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess(1000 + len(l.procs))
	p.ignoreTerm = l.ignoreTerm
	if l.crash {
		p.exit(ExitStatus{Code: 1})
	}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

type releases struct{}

func (releases) GetRelease(_ context.Context, name, v string) (models.Release, error) {
	return models.Release{
		Name:    name,
		Version: v,
		Path:    name + "/" + v,
		Manifest: models.Manifest{Server: models.ServerConfig{
			StartCommand: "python3",
			EntryPoint:   "server.py",
			Arguments:    []string{"--port", "{PORT}", "--players", "{NUM_PLAYERS}"},
		}},
	}, nil
}

type catalog struct {
	mu     sync.Mutex
	latest string
}

func (c *catalog) GetGame(_ context.Context, name string) (models.Game, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.Game{Name: name, LatestVersion: c.latest}, nil
}

type records struct {
	mu   sync.Mutex
	recs []models.SessionRecord
}

func (r *records) RecordSession(_ context.Context, rec models.SessionRecord) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return nil
}

func (r *records) all() []models.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SessionRecord(nil), r.recs...)
}

// countingPorts remembers how often each port came back.
type countingPorts struct {
	*ports.Pool
	mu       sync.Mutex
	released map[int]int
}

func (c *countingPorts) Release(port int) bool {
	c.mu.Lock()
	c.released[port]++
	c.mu.Unlock()
	return c.Pool.Release(port)
}

func (c *countingPorts) releases(port int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released[port]
}

type harness struct {
	reg      *lobby.Registry
	orch     *Orchestrator
	pool     *countingPorts
	hub      *notify.Hub
	launcher *fakeLauncher
	catalog  *catalog
	records  *records
	signer   *auth.TicketSigner
}

func newHarness(t *testing.T, portCount int) *harness {
	t.Helper()
	logger := quietLogger()
	cat := &catalog{latest: "1"}
	hub := notify.NewHub(logger)
	res := version.NewResolver(cat, version.Options{AutoUpgrade: true, Logger: logger})
	reg := lobby.NewRegistry(res, hub, logger)
	pool, err := ports.New(5000, 5000+portCount-1, nil, logger)
	require.NoError(t, err)
	signer, err := auth.NewTicketSigner(time.Minute)
	require.NoError(t, err)

	h := &harness{reg: reg, pool: &countingPorts{Pool: pool, released: map[int]int{}}, hub: hub, launcher: &fakeLauncher{}, catalog: cat, records: &records{}, signer: signer}
	h.orch = New(Config{
		AdvertiseHost:  "lobby.test",
		GamesDir:       "/srv/games",
		LogDir:         t.TempDir(),
		AcquireTimeout: 50 * time.Millisecond,
		StartupGrace:   10 * time.Millisecond,
		ShutdownGrace:  100 * time.Millisecond,
	}, Deps{
		Registry: reg,
		Ports:    h.pool,
		Releases: releases{},
		Launcher: h.launcher,
		Signer:   signer,
		Notifier: hub,
		Recorder: h.records,
		Logger:   logger,
	})
	reg.SetGameAborter(h.orch)
	return h
}

type player struct {
	lobby.Member
	out notify.Outbox
}

func (h *harness) connect(name string) player {
	p := player{
		Member: lobby.Member{SessionID: "sess-" + name, UserID: uuid.New(), Username: name},
		out:    notify.NewOutbox(32),
	}
	h.hub.Register(p.SessionID, p.out)
	return p
}

func (h *harness) readyRoom(t *testing.T, host, guest player) string {
	t.Helper()
	room, err := h.reg.CreateRoom(context.Background(), "chat", "demo", host.Member)
	require.NoError(t, err)
	_, err = h.reg.JoinRoom(room.ID, guest.Member)
	require.NoError(t, err)
	return room.ID
}

// next waits for the next message of type want, skipping others.
func next(t *testing.T, out notify.Outbox, want protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-out:
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestAliceAndBobPlayAGame(t *testing.T) {
	h := newHarness(t, 1)
	alice, bob := h.connect("alice"), h.connect("bob")
	roomID := h.readyRoom(t, alice, bob)

	ticket, err := h.reg.StartGame(context.Background(), roomID, alice.SessionID)
	require.NoError(t, err)
	handle, err := h.orch.Launch(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, 5000, handle.Port)
	assert.Equal(t, 0, h.pool.Available())

	for _, p := range []player{alice, bob} {
		msg := next(t, p.out, protocol.TypeGameReady)
		ready := msg.Payload.(protocol.GameReadyPayload)
		assert.Equal(t, "lobby.test", ready.Host)
		assert.Equal(t, 5000, ready.Port)
		assert.Equal(t, "1", ready.Version)

		claims, err := h.signer.Verify(ready.Ticket)
		require.NoError(t, err)
		assert.Equal(t, p.UserID.String(), claims.Subject)
		assert.Equal(t, roomID, claims.RoomID)
	}

	spec := h.launcher.specs[0]
	assert.Equal(t, "python3", spec.Command)
	assert.Equal(t, []string{"server.py", "--port", "5000", "--players", "2"}, spec.Args)
	assert.Equal(t, filepath.Join("/srv/games", "chat/1"), spec.Dir)
	assert.Contains(t, spec.Env, "GAME_ROOM_ID="+roomID)
	assert.Contains(t, spec.Env, "GAME_EXPECTED_PLAYERS=2")

	snap, err := h.reg.Get(roomID)
	require.NoError(t, err)
	assert.Equal(t, lobby.StatusInGame, snap.Status)
	assert.Equal(t, 5000, snap.GamePort)

	h.launcher.proc(0).exit(ExitStatus{Code: 0})

	for _, p := range []player{alice, bob} {
		msg := next(t, p.out, protocol.TypeGameEnded)
		assert.Equal(t, models.OutcomeNormal, msg.Payload.(protocol.GameEndedPayload).Outcome)
	}
	snap, err = h.reg.Get(roomID)
	require.NoError(t, err)
	assert.Equal(t, lobby.StatusWaiting, snap.Status)
	assert.Equal(t, alice.SessionID, snap.Host.SessionID)
	assert.Equal(t, 1, h.pool.Available())

	require.Eventually(t, func() bool { return len(h.records.all()) == 1 }, time.Second, 5*time.Millisecond)
	rec := h.records.all()[0]
	assert.Equal(t, models.OutcomeNormal, rec.Outcome)
	assert.Equal(t, alice.UserID, rec.HostUserID)
	assert.Equal(t, 0, h.orch.Active())
}

func TestCrashIsAbnormal(t *testing.T) {
	h := newHarness(t, 1)
	alice, bob := h.connect("alice"), h.connect("bob")
	roomID := h.readyRoom(t, alice, bob)

	ticket, err := h.reg.StartGame(context.Background(), roomID, alice.SessionID)
	require.NoError(t, err)
	_, err = h.orch.Launch(context.Background(), ticket)
	require.NoError(t, err)

	h.launcher.proc(0).exit(ExitStatus{Code: 3})
	msg := next(t, bob.out, protocol.TypeGameEnded)
	assert.Equal(t, models.OutcomeAbnormal, msg.Payload.(protocol.GameEndedPayload).Outcome)
	require.Eventually(t, func() bool { return h.pool.Available() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEarlyCrashRevertsToReady(t *testing.T) {
	h := newHarness(t, 1)
	h.launcher.crash = true
	alice, bob := h.connect("alice"), h.connect("bob")
	roomID := h.readyRoom(t, alice, bob)

	ticket, err := h.reg.StartGame(context.Background(), roomID, alice.SessionID)
	require.NoError(t, err)
	_, err = h.orch.Launch(context.Background(), ticket)
	assert.ErrorIs(t, err, apperr.ErrProcess)

	snap, err := h.reg.Get(roomID)
	require.NoError(t, err)
	assert.Equal(t, lobby.StatusReady, snap.Status)
	assert.Equal(t, 1, h.pool.Available())
	assert.Equal(t, 0, h.orch.Active())
}

// N rooms start at once with N-1 ports: N-1 launch, the rest get
// NoPortsAvailable and their rooms go back to READY.
func TestPortExclusivityUnderLoad(t *testing.T) {
	const n = 5
	h := newHarness(t, n-1)

	tickets := make([]lobby.GameStartTicket, n)
	for i := 0; i < n; i++ {
		host := h.connect(uuid.NewString())
		guest := h.connect(uuid.NewString())
		roomID := h.readyRoom(t, host, guest)
		tk, err := h.reg.StartGame(context.Background(), roomID, host.SessionID)
		require.NoError(t, err)
		tickets[i] = tk
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		okCnt  int
		noPort int
		used   = map[int]bool{}
	)
	for _, tk := range tickets {
		wg.Add(1)
		go func(tk lobby.GameStartTicket) {
			defer wg.Done()
			handle, err := h.orch.Launch(context.Background(), tk)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCnt++
				assert.False(t, used[handle.Port], "port %d handed out twice", handle.Port)
				used[handle.Port] = true
			case errors.Is(err, apperr.ErrNoPortsAvailable):
				noPort++
				snap, gerr := h.reg.Get(tk.RoomID)
				assert.NoError(t, gerr)
				assert.Equal(t, lobby.StatusReady, snap.Status)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(tk)
	}
	wg.Wait()

	assert.Equal(t, n-1, okCnt)
	assert.Equal(t, 1, noPort)
	assert.Equal(t, n-1, h.orch.Active())
}

func TestLeaveDuringGameKillsProcess(t *testing.T) {
	h := newHarness(t, 1)
	alice, bob := h.connect("alice"), h.connect("bob")
	roomID := h.readyRoom(t, alice, bob)

	ticket, err := h.reg.StartGame(context.Background(), roomID, alice.SessionID)
	require.NoError(t, err)
	_, err = h.orch.Launch(context.Background(), ticket)
	require.NoError(t, err)

	_, err = h.reg.LeaveRoom(roomID, bob.SessionID)
	require.NoError(t, err)

	msg := next(t, alice.out, protocol.TypeGameEnded)
	assert.Equal(t, models.OutcomeAborted, msg.Payload.(protocol.GameEndedPayload).Outcome)
	require.Eventually(t, func() bool { return h.orch.Active() == 0 && h.pool.Available() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.records.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.OutcomeAborted, h.records.all()[0].Outcome)
}

func TestTerminateStopsRoomSession(t *testing.T) {
	h := newHarness(t, 1)
	alice, bob := h.connect("alice"), h.connect("bob")
	roomID := h.readyRoom(t, alice, bob)

	ticket, err := h.reg.StartGame(context.Background(), roomID, alice.SessionID)
	require.NoError(t, err)
	handle, err := h.orch.Launch(context.Background(), ticket)
	require.NoError(t, err)
	require.True(t, h.pool.IsHeld(handle.Port))

	assert.False(t, h.orch.Terminate("no-such-room"))
	assert.True(t, h.orch.Terminate(roomID))

	for _, p := range []player{alice, bob} {
		msg := next(t, p.out, protocol.TypeGameEnded)
		assert.Equal(t, models.OutcomeTerminated, msg.Payload.(protocol.GameEndedPayload).Outcome)
	}
	require.Eventually(t, func() bool { return h.orch.Active() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.pool.IsHeld(handle.Port))
	assert.Equal(t, 1, h.pool.releases(handle.Port))
	assert.Equal(t, 1, h.pool.Available())

	require.Eventually(t, func() bool { return len(h.records.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.OutcomeTerminated, h.records.all()[0].Outcome)

	// nothing left to stop
	assert.False(t, h.orch.Terminate(roomID))
	assert.Equal(t, 1, h.pool.releases(handle.Port))

	snap, err := h.reg.Get(roomID)
	require.NoError(t, err)
	assert.Equal(t, lobby.StatusWaiting, snap.Status)
}

func TestShutdownTerminatesAll(t *testing.T) {
	h := newHarness(t, 2)
	h.launcher.ignoreTerm = true

	for i := 0; i < 2; i++ {
		host, guest := h.connect(uuid.NewString()), h.connect(uuid.NewString())
		roomID := h.readyRoom(t, host, guest)
		tk, err := h.reg.StartGame(context.Background(), roomID, host.SessionID)
		require.NoError(t, err)
		_, err = h.orch.Launch(context.Background(), tk)
		require.NoError(t, err)
	}
	require.Equal(t, 2, h.orch.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	assert.Equal(t, 0, h.orch.Active())
	assert.Equal(t, 2, h.pool.Available())
	for _, r := range h.records.all() {
		assert.Equal(t, models.OutcomeTerminated, r.Outcome)
	}

	// no launches after shutdown
	host, guest := h.connect("late-host"), h.connect("late-guest")
	roomID := h.readyRoom(t, host, guest)
	tk, err := h.reg.StartGame(context.Background(), roomID, host.SessionID)
	require.NoError(t, err)
	_, err = h.orch.Launch(context.Background(), tk)
	assert.ErrorIs(t, err, apperr.ErrProcess)
}

func TestExecLauncherRealProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	logPath := filepath.Join(t.TempDir(), "logs", "game.log")

	proc, err := ExecLauncher{}.Start(LaunchSpec{
		Command: sh,
		Args:    []string{"-c", "echo started on $GAME_PORT; exit 3"},
		Env:     []string{"GAME_PORT=5005"},
		LogPath: logPath,
	})
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, proc.ExitStatus().Code)
	assert.False(t, proc.ExitStatus().Clean())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "started on 5005")
}

func TestLaunchSpecWithoutStartCommand(t *testing.T) {
	rel := models.Release{Name: "chat", Version: "2", Path: "chat/2", Manifest: models.Manifest{
		Server: models.ServerConfig{EntryPoint: "server", Arguments: []string{"{ROOM_ID}", "{VERSION}"}},
	}}
	spec, err := launchSpec(Config{GamesDir: "games", LogDir: "logs"}, rel, "7", 1, 5001, "key")
	require.NoError(t, err)
	assert.Equal(t, "./server", spec.Command)
	assert.Equal(t, []string{"7", "2"}, spec.Args)
	assert.Equal(t, filepath.Join("logs", "game_5001_7.log"), spec.LogPath)

	_, err = launchSpec(Config{}, models.Release{}, "7", 1, 5001, "")
	assert.Error(t, err)
}
