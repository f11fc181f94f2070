// internal/ports/pool.go

// Package ports hands out game server ports from a fixed range.
package ports

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
)

// Prober reports whether a port can currently be bound on this host.
type Prober func(port int) bool

// TCPProber tries to listen on the port and closes the listener immediately.
func TCPProber(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Pool is a bounded set of ports. A port is held by at most one caller at a time.
type Pool struct {
	free   chan int
	mu     sync.Mutex
	held   map[int]struct{}
	min    int
	max    int
	probe  Prober
	logger *logrus.Logger
}

// New creates a pool over [lo, hi]. probe may be nil.
func New(lo, hi int, probe Prober, logger *logrus.Logger) (*Pool, error) {
	if lo <= 0 || hi < lo || hi > 65535 {
		return nil, fmt.Errorf("invalid port range %d-%d", lo, hi)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pool{
		free:   make(chan int, hi-lo+1),
		held:   make(map[int]struct{}, hi-lo+1),
		min:    lo,
		max:    hi,
		probe:  probe,
		logger: logger,
	}
	for port := lo; port <= hi; port++ {
		p.free <- port
	}
	return p, nil
}

// Acquire blocks until a port is free, ctx is done, or timeout elapses.
// Ports that fail the probe are put back at the end of the queue and the
// search continues with the next one.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	skipped := 0
	for {
		select {
		case port := <-p.free:
			if p.probe != nil && !p.probe(port) {
				p.logger.WithField("port", port).Debug("port busy outside the lobby, skipping")
				p.free <- port
				skipped++
				// every free port is occupied; back off instead of spinning
				if skipped >= cap(p.free) {
					skipped = 0
					select {
					case <-time.After(50 * time.Millisecond):
					case <-timer.C:
						return 0, apperr.ErrNoPortsAvailable
					case <-ctx.Done():
						return 0, ctx.Err()
					}
				}
				continue
			}
			p.mu.Lock()
			p.held[port] = struct{}{}
			p.mu.Unlock()
			return port, nil
		case <-timer.C:
			return 0, apperr.ErrNoPortsAvailable
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Release returns a held port. Releasing a port that is not held is logged
// and reported as false; the pool is left unchanged.
func (p *Pool) Release(port int) bool {
	p.mu.Lock()
	if _, ok := p.held[port]; !ok {
		p.mu.Unlock()
		p.logger.WithField("port", port).Warn("release of port that is not held")
		return false
	}
	delete(p.held, port)
	p.mu.Unlock()

	p.free <- port
	return true
}

// Available is the number of ports waiting in the free list.
func (p *Pool) Available() int {
	return len(p.free)
}

// Held returns the number of ports currently handed out.
func (p *Pool) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// IsHeld reports whether port is currently handed out.
func (p *Pool) IsHeld(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.held[port]
	return ok
}

// Range returns the configured bounds.
func (p *Pool) Range() (int, int) {
	return p.min, p.max
}
