package ports

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestAcquireRelease(t *testing.T) {
	p, err := New(5000, 5001, nil, quietLogger())
	require.NoError(t, err)

	a, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	b, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, p.IsHeld(a))
	assert.Equal(t, 2, p.Held())
	assert.Equal(t, 0, p.Available())

	_, err = p.Acquire(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, apperr.ErrNoPortsAvailable)

	assert.True(t, p.Release(a))
	assert.False(t, p.IsHeld(a))
	assert.False(t, p.Release(a), "double release must be rejected")
	assert.False(t, p.Release(6000))
	assert.Equal(t, 1, p.Available())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p, err := New(5000, 5000, nil, quietLogger())
	require.NoError(t, err)
	port, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(port)
	}()

	got, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestAcquireSkipsBusyPorts(t *testing.T) {
	busy := func(port int) bool { return port != 5000 }
	p, err := New(5000, 5002, busy, quietLogger())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		port, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, 5000, port)
	}
	_, err = p.Acquire(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, apperr.ErrNoPortsAvailable)
}

func TestAcquireHonoursContext(t *testing.T) {
	p, err := New(5000, 5000, nil, quietLogger())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

// Concurrent acquirers never share a port.
func TestConcurrentExclusivity(t *testing.T) {
	p, err := New(5000, 5009, nil, quietLogger())
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		owned = map[int]bool{}
		clash bool
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Acquire(context.Background(), 2*time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			if owned[port] {
				clash = true
			}
			owned[port] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			owned[port] = false
			mu.Unlock()
			p.Release(port)
		}()
	}
	wg.Wait()
	assert.False(t, clash)
	assert.Equal(t, 0, p.Held())
	assert.Equal(t, 10, p.Available())
}

func TestNewRejectsBadRange(t *testing.T) {
	_, err := New(10, 5, nil, nil)
	assert.Error(t, err)
}

func TestRange(t *testing.T) {
	p, err := New(5000, 5009, nil, quietLogger())
	require.NoError(t, err)
	lo, hi := p.Range()
	assert.Equal(t, 5000, lo)
	assert.Equal(t, 5009, hi)
	assert.Equal(t, 10, p.Available())
}
