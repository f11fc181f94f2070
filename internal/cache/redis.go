// internal/cache/redis.go

// Package cache holds the lobby's Redis backed pieces: the shared catalog
// cache and the finished-session queue consumed by the historian.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/models"
)

// DefaultQueueName is the Redis list finished game sessions are pushed to.
const DefaultQueueName = "lobby_sessions"

const gameKeyPrefix = "lobby:game:"

// Connect opens a Redis client and checks it with a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// VersionCache shares catalog entries between lobby instances. Redis
// failures are logged and treated as misses so the catalog stays reachable.
type VersionCache struct {
	rdb    redis.Cmdable
	logger *logrus.Logger
}

func NewVersionCache(rdb redis.Cmdable, logger *logrus.Logger) *VersionCache {
	return &VersionCache{rdb: rdb, logger: logger}
}

func (c *VersionCache) Get(ctx context.Context, name string) (models.Game, bool) {
	data, err := c.rdb.Get(ctx, gameKeyPrefix+name).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).WithField("game", name).Warn("catalog cache read failed")
		}
		return models.Game{}, false
	}
	var g models.Game
	if err := json.Unmarshal(data, &g); err != nil {
		c.logger.WithError(err).WithField("game", name).Warn("dropping unreadable catalog cache entry")
		c.Delete(ctx, name)
		return models.Game{}, false
	}
	return g, true
}

func (c *VersionCache) Set(ctx context.Context, game models.Game, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(game)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, gameKeyPrefix+game.Name, data, ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("game", game.Name).Warn("catalog cache write failed")
	}
}

func (c *VersionCache) Delete(ctx context.Context, name string) {
	if err := c.rdb.Del(ctx, gameKeyPrefix+name).Err(); err != nil {
		c.logger.WithError(err).WithField("game", name).Warn("catalog cache delete failed")
	}
}

// HistoryPublisher pushes finished game sessions onto a Redis list.
type HistoryPublisher struct {
	rdb   redis.Cmdable
	queue string
}

func NewHistoryPublisher(rdb redis.Cmdable, queue string) *HistoryPublisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &HistoryPublisher{rdb: rdb, queue: queue}
}

// RecordSession serializes rec to JSON and RPushes it to the queue.
func (p *HistoryPublisher) RecordSession(ctx context.Context, rec models.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal SessionRecord: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", p.queue, err)
	}
	return nil
}
