// internal/orchestrator/handle.go
package orchestrator

import (
	"sync"
	"time"

	"github.com/jason-s-yu/gamelobby/internal/auth"
	"github.com/jason-s-yu/gamelobby/internal/lobby"
	"github.com/jason-s-yu/gamelobby/internal/models"
	"github.com/jason-s-yu/gamelobby/internal/protocol"
)

// Handle is the orchestrator's record of one running game session. Its
// port goes back to the pool exactly once, whichever way the session ends.
type Handle struct {
	RoomID     string
	Generation uint64
	GameName   string
	Version    string
	Port       int
	StartedAt  time.Time

	host  lobby.Member
	guest lobby.Member
	proc  Process
	ports PortPool

	releaseOnce sync.Once

	mu         sync.Mutex
	stopReason string
	ready      map[string]protocol.GameReadyPayload
}

func (h *Handle) releasePort() {
	h.releaseOnce.Do(func() {
		h.ports.Release(h.Port)
	})
}

func (h *Handle) issueTickets(signer *auth.TicketSigner, advertise string) error {
	ready := make(map[string]protocol.GameReadyPayload, 2)
	for _, m := range []lobby.Member{h.host, h.guest} {
		p := protocol.GameReadyPayload{
			RoomID:   h.RoomID,
			GameName: h.GameName,
			Version:  h.Version,
			Host:     advertise,
			Port:     h.Port,
		}
		if signer != nil {
			tok, err := signer.Issue(m.UserID.String(), auth.TicketClaims{
				RoomID:     h.RoomID,
				Generation: h.Generation,
				GameName:   h.GameName,
				Version:    h.Version,
				Port:       h.Port,
				Username:   m.Username,
			})
			if err != nil {
				return err
			}
			p.Ticket = tok
		}
		ready[m.SessionID] = p
	}
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
	return nil
}

// ReadyFor returns the redirect payload for one of the two players.
func (h *Handle) ReadyFor(sessionID string) protocol.GameReadyPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready[sessionID]
}

// signal records why the session is being stopped and sends SIGTERM.
// The first reason wins.
func (h *Handle) signal(reason string) error {
	h.mu.Lock()
	if h.stopReason == "" {
		h.stopReason = reason
	}
	h.mu.Unlock()

	select {
	case <-h.proc.Done():
		return nil
	default:
	}
	return h.proc.Signal(terminateSignal)
}

// stop signals the process and kills it if it is still running after grace.
func (h *Handle) stop(reason string, grace time.Duration) {
	if err := h.signal(reason); err != nil {
		_ = h.proc.Kill()
		return
	}
	go func() {
		select {
		case <-h.proc.Done():
		case <-time.After(grace):
			_ = h.proc.Kill()
		}
	}()
}

func (h *Handle) outcome(st ExitStatus) string {
	h.mu.Lock()
	reason := h.stopReason
	h.mu.Unlock()
	switch {
	case reason != "":
		return reason
	case st.Clean():
		return models.OutcomeNormal
	default:
		return models.OutcomeAbnormal
	}
}
