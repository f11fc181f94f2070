// internal/historian/historian.go

// Package historian drains finished game sessions from the Redis queue and
// persists them to PostgreSQL in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/models"
)

// Source yields queued session records. ok is false when the wait elapsed
// without a record.
type Source interface {
	Pop(ctx context.Context, wait time.Duration) (rec models.SessionRecord, ok bool, err error)
}

// Sink persists a batch in one transaction.
type Sink interface {
	InsertSessions(ctx context.Context, recs []models.SessionRecord) error
}

// RedisSource pops from a Redis list with BLPop.
type RedisSource struct {
	rdb   *redis.Client
	queue string
}

func NewRedisSource(rdb *redis.Client, queue string) *RedisSource {
	return &RedisSource{rdb: rdb, queue: queue}
}

func (s *RedisSource) Pop(ctx context.Context, wait time.Duration) (models.SessionRecord, bool, error) {
	res, err := s.rdb.BLPop(ctx, wait, s.queue).Result()
	if errors.Is(err, redis.Nil) {
		return models.SessionRecord{}, false, nil
	}
	if err != nil {
		return models.SessionRecord{}, false, err
	}
	// res[0] is the queue name and res[1] the payload
	if len(res) < 2 {
		return models.SessionRecord{}, false, nil
	}
	var rec models.SessionRecord
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return models.SessionRecord{}, false, err
	}
	return rec, true, nil
}

// Options tune batching.
type Options struct {
	BatchSize  int
	FlushDelay time.Duration
	PopWait    time.Duration
	// MaxPending bounds records kept across failed flushes; the oldest are
	// dropped beyond it.
	MaxPending int
}

// Service moves records from a Source to a Sink.
type Service struct {
	source Source
	sink   Sink
	opts   Options
	logger *logrus.Logger

	batchMu sync.Mutex
	batch   []models.SessionRecord
}

func New(source Source, sink Sink, opts Options, logger *logrus.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = 500 * time.Millisecond
	}
	if opts.PopWait <= 0 {
		opts.PopWait = 3 * time.Second
	}
	if opts.MaxPending < opts.BatchSize {
		opts.MaxPending = opts.BatchSize * 10
	}
	return &Service{
		source: source,
		sink:   sink,
		opts:   opts,
		logger: logger,
		batch:  make([]models.SessionRecord, 0, opts.BatchSize),
	}
}

// Run pops records until ctx is cancelled, flushing on a timer and whenever
// the batch fills. Whatever is pending is flushed once more on the way out.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("historian started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.opts.FlushDelay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Flush(ctx)
			}
		}
	}()

	for ctx.Err() == nil {
		rec, ok, err := s.source.Pop(ctx, s.opts.PopWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.WithError(err).Error("pop session record")
			// a broken source should not spin
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		if s.append(rec) {
			s.Flush(ctx)
		}
	}

	wg.Wait()
	final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Flush(final)
	s.logger.Info("historian stopped")
}

// append adds rec and reports whether the batch is full.
func (s *Service) append(rec models.SessionRecord) bool {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(s.batch, rec)
	return len(s.batch) >= s.opts.BatchSize
}

// Flush writes the pending batch. On failure the records are kept for the
// next flush.
func (s *Service) Flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := s.batch
	s.batch = make([]models.SessionRecord, 0, s.opts.BatchSize)
	s.batchMu.Unlock()

	if err := s.sink.InsertSessions(ctx, pending); err != nil {
		s.logger.WithError(err).WithField("records", len(pending)).Error("flush sessions")
		s.requeue(pending)
		return
	}
	s.logger.WithField("records", len(pending)).Debug("flushed sessions")
}

func (s *Service) requeue(failed []models.SessionRecord) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(failed, s.batch...)
	if over := len(s.batch) - s.opts.MaxPending; over > 0 {
		s.logger.WithField("dropped", over).Warn("historian backlog full, dropping oldest sessions")
		s.batch = append([]models.SessionRecord(nil), s.batch[over:]...)
	}
}

// Pending is the number of records waiting for a flush.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}
