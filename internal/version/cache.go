// internal/version/cache.go
package version

import (
	"context"
	"sync"
	"time"

	"github.com/jason-s-yu/gamelobby/internal/models"
)

// Cache stores catalog entries for a bounded time.
type Cache interface {
	Get(ctx context.Context, name string) (models.Game, bool)
	Set(ctx context.Context, game models.Game, ttl time.Duration)
	Delete(ctx context.Context, name string)
}

type memEntry struct {
	game    models.Game
	expires time.Time
}

// MemoryCache is the in-process Cache used when redis is not configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, name string) (models.Game, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return models.Game{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, name)
		return models.Game{}, false
	}
	return e.game, true
}

func (c *MemoryCache) Set(_ context.Context, game models.Game, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[game.Name] = memEntry{game: game, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(_ context.Context, name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}
