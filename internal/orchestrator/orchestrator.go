// internal/orchestrator/orchestrator.go

// Package orchestrator launches and supervises one game server process per
// started room session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/auth"
	"github.com/jason-s-yu/gamelobby/internal/lobby"
	"github.com/jason-s-yu/gamelobby/internal/models"
	"github.com/jason-s-yu/gamelobby/internal/notify"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
)

const expectedPlayers = 2

// Registry is the room side of a game session's lifecycle.
type Registry interface {
	GameLaunched(roomID string, gen uint64, port int) (lobby.RoomSnapshot, error)
	AbortStart(roomID string, gen uint64, reason error)
	OnGameEnded(roomID string, gen uint64, outcome string) bool
}

// PortPool hands out game server ports.
type PortPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (int, error)
	Release(port int) bool
}

// Releases fetches release metadata from the developer server.
type Releases interface {
	GetRelease(ctx context.Context, name, version string) (models.Release, error)
}

// Recorder persists finished sessions. It may be nil.
type Recorder interface {
	RecordSession(ctx context.Context, rec models.SessionRecord) error
}

// Config holds orchestrator settings.
type Config struct {
	AdvertiseHost  string
	GamesDir       string
	LogDir         string
	AcquireTimeout time.Duration
	StartupGrace   time.Duration
	ShutdownGrace  time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Registry Registry
	Ports    PortPool
	Releases Releases
	Launcher Launcher
	Signer   *auth.TicketSigner
	Notifier notify.Notifier
	Recorder Recorder
	Logger   *logrus.Logger
}

type handleKey struct {
	room string
	gen  uint64
}

// Orchestrator owns every running game server.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	handles map[handleKey]*Handle
	closed  bool
	wg      sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Launcher == nil {
		deps.Launcher = ExecLauncher{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		handles: make(map[handleKey]*Handle),
		now:     time.Now,
	}
}

// Launch starts the game server for ticket and redirects both players to
// it. On any failure before the process is confirmed running the room is
// put back to READY and the port is returned.
func (o *Orchestrator) Launch(ctx context.Context, t lobby.GameStartTicket) (*Handle, error) {
	log := o.deps.Logger.WithFields(logrus.Fields{
		"room":       t.RoomID,
		"generation": t.Generation,
		"game":       t.GameName,
		"version":    t.Version,
	})
	fail := func(err error) (*Handle, error) {
		o.deps.Registry.AbortStart(t.RoomID, t.Generation, err)
		return nil, err
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return fail(apperr.Process(nil, "lobby is shutting down"))
	}

	port, err := o.deps.Ports.Acquire(ctx, o.cfg.AcquireTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fail(apperr.Wrap(err, apperr.KindRoom, apperr.CodeNoPortsAvailable, "start cancelled while waiting for a port"))
		}
		return fail(err)
	}
	h := &Handle{
		RoomID:     t.RoomID,
		Generation: t.Generation,
		GameName:   t.GameName,
		Version:    t.Version,
		Port:       port,
		host:       t.Host,
		guest:      t.Guest,
		ports:      o.deps.Ports,
	}
	log = log.WithField("port", port)

	rel, err := o.deps.Releases.GetRelease(ctx, t.GameName, t.Version)
	if err != nil {
		h.releasePort()
		return fail(err)
	}

	pubKey := ""
	if o.deps.Signer != nil {
		pubKey = o.deps.Signer.PublicKeyBase64()
	}
	spec, err := launchSpec(o.cfg, rel, t.RoomID, t.Generation, port, pubKey)
	if err != nil {
		h.releasePort()
		return fail(apperr.Process(err, "invalid game release"))
	}

	proc, err := o.deps.Launcher.Start(spec)
	if err != nil {
		h.releasePort()
		log.WithError(err).Error("failed to spawn game server")
		return fail(apperr.Process(err, "failed to start game server"))
	}
	h.proc = proc
	h.StartedAt = o.now()

	// a process that dies right away never counts as a started game
	if o.cfg.StartupGrace > 0 {
		select {
		case <-proc.Done():
			st := proc.ExitStatus()
			h.releasePort()
			log.WithFields(logrus.Fields{"exit_code": st.Code, "log": spec.LogPath}).Warn("game server crashed on startup")
			return fail(apperr.Process(st.Err, fmt.Sprintf("game server crashed on startup (exit %d)", st.Code)))
		case <-ctx.Done():
			_ = proc.Kill()
			<-proc.Done()
			h.releasePort()
			return fail(apperr.Wrap(ctx.Err(), apperr.KindProcess, apperr.CodeProcess, "start cancelled"))
		case <-time.After(o.cfg.StartupGrace):
		}
	}

	if err := h.issueTickets(o.deps.Signer, o.cfg.AdvertiseHost); err != nil {
		_ = proc.Kill()
		<-proc.Done()
		h.releasePort()
		return fail(apperr.Wrap(err, apperr.KindInternal, apperr.CodeInternal, "failed to issue join tickets"))
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = proc.Kill()
		<-proc.Done()
		h.releasePort()
		return fail(apperr.Process(nil, "lobby is shutting down"))
	}
	o.handles[handleKey{h.RoomID, h.Generation}] = h
	o.wg.Add(1)
	o.mu.Unlock()
	go o.awaitCompletion(h)

	if _, err := o.deps.Registry.GameLaunched(t.RoomID, t.Generation, port); err != nil {
		// someone left while we were starting; the monitor cleans up
		log.WithError(err).Info("room moved on during launch, stopping game server")
		h.stop(models.OutcomeAborted, o.cfg.ShutdownGrace)
		return nil, err
	}

	log.WithField("pid", proc.Pid()).Info("game server started")
	if o.deps.Notifier != nil {
		for _, m := range []lobby.Member{t.Host, t.Guest} {
			o.deps.Notifier.Notify([]string{m.SessionID},
				protocol.NewNotification(protocol.TypeGameReady, h.ReadyFor(m.SessionID)))
		}
	}
	return h, nil
}

// awaitCompletion runs once per handle and is the only place a started
// session is torn down.
func (o *Orchestrator) awaitCompletion(h *Handle) {
	defer o.wg.Done()

	<-h.proc.Done()
	st := h.proc.ExitStatus()
	ended := o.now()

	h.releasePort()
	o.mu.Lock()
	delete(o.handles, handleKey{h.RoomID, h.Generation})
	o.mu.Unlock()

	outcome := h.outcome(st)
	o.deps.Logger.WithFields(logrus.Fields{
		"room":       h.RoomID,
		"generation": h.Generation,
		"port":       h.Port,
		"exit_code":  st.Code,
		"outcome":    outcome,
	}).Info("game server exited")

	o.deps.Registry.OnGameEnded(h.RoomID, h.Generation, outcome)

	if o.deps.Recorder == nil {
		return
	}
	rec := models.SessionRecord{
		RoomID:      h.RoomID,
		Generation:  h.Generation,
		GameName:    h.GameName,
		Version:     h.Version,
		Port:        h.Port,
		HostUserID:  h.host.UserID,
		GuestUserID: h.guest.UserID,
		StartedAt:   h.StartedAt,
		EndedAt:     ended,
		Outcome:     outcome,
		ExitCode:    st.Code,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Recorder.RecordSession(ctx, rec); err != nil {
		o.deps.Logger.WithError(err).WithField("room", h.RoomID).Warn("failed to record game session")
	}
}

// Terminate stops every running session of a room and reports whether
// there was one. The game ends with the terminated outcome.
func (o *Orchestrator) Terminate(roomID string) bool {
	return o.stopRoom(roomID, 0, models.OutcomeTerminated)
}

// Abort stops one generation of a room after a player left mid game.
func (o *Orchestrator) Abort(roomID string, gen uint64) {
	o.stopRoom(roomID, gen, models.OutcomeAborted)
}

// stopRoom signals the sessions of roomID. A zero gen matches any
// generation. The monitor releases the port and reports the outcome.
func (o *Orchestrator) stopRoom(roomID string, gen uint64, outcome string) bool {
	found := false
	for _, h := range o.snapshot() {
		if h.RoomID != roomID || (gen != 0 && h.Generation != gen) {
			continue
		}
		h.stop(outcome, o.cfg.ShutdownGrace)
		found = true
	}
	return found
}

// Active returns the number of running game servers.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func (o *Orchestrator) snapshot() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Handle, 0, len(o.handles))
	for _, h := range o.handles {
		out = append(out, h)
	}
	return out
}

// Shutdown asks every game server to stop, waits for the grace period and
// then kills whatever is left. It returns once every monitor has finished
// or ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	var result *multierror.Error
	handles := o.snapshot()
	for _, h := range handles {
		if err := h.signal(models.OutcomeTerminated); err != nil {
			result = multierror.Append(result, fmt.Errorf("room %s: %w", h.RoomID, err))
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return result.ErrorOrNil()
	case <-time.After(o.cfg.ShutdownGrace):
	case <-ctx.Done():
	}

	for _, h := range o.snapshot() {
		o.deps.Logger.WithField("room", h.RoomID).Warn("game server ignored SIGTERM, killing")
		if err := h.proc.Kill(); err != nil {
			result = multierror.Append(result, fmt.Errorf("kill room %s: %w", h.RoomID, err))
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

// terminateSignal is what stop sends before falling back to Kill.
var terminateSignal = syscall.SIGTERM
