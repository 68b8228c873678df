// Package observability implements the Observability Sink (spec.md
// §4.8): one bounded, batched write queue per destination table, so the
// Inference Engine can enqueue a row without ever blocking the request
// path, and a single-owner shutdown handle that drains in-flight work
// before the process exits.
//
// New relative to the teacher, which writes to Redis/Qdrant/metrics
// inline and synchronously — there is no batching writer to adapt.
// Built from spec.md §4.8 directly, using golang.org/x/sync's errgroup
// to wait on every table's drain goroutine during shutdown (the same
// library BaSui01-agentflow, MrWong99-glyphoxa, and
// taipm-go-deep-agent all depend on for goroutine-group lifecycles).
package observability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Writer performs one bulk insert of rows into table. Implementations
// are expected to serialise rows however their destination store
// expects; the Sink only handles batching and scheduling.
type Writer interface {
	WriteBatch(ctx context.Context, table string, rows []any) error
}

// Config tunes the Sink's batching behaviour.
type Config struct {
	MaxQueueRows  int           // per-table bound before oldest rows are dropped
	BatchMaxRows  int           // max rows per flush
	FlushInterval time.Duration // max time a row waits before a flush is forced
}

func (c Config) withDefaults() Config {
	if c.MaxQueueRows <= 0 {
		c.MaxQueueRows = 10_000
	}
	if c.BatchMaxRows <= 0 {
		c.BatchMaxRows = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// Sink is the single ownership root for every table's write queue. The
// caller that receives it from New is the only one that may call
// Shutdown — it must never be passed to more than one owner, since
// dropping it (calling Shutdown) is the only way to guarantee durability
// of recently enqueued rows (spec.md §4.8).
type Sink struct {
	cfg    Config
	writer Writer
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*tableQueue

	group     *errgroup.Group
	groupCtx  context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(writer Writer, cfg Config, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	return &Sink{
		cfg:      cfg.withDefaults(),
		writer:   writer,
		logger:   logger,
		queues:   make(map[string]*tableQueue),
		group:    group,
		groupCtx: groupCtx,
		cancel:   cancel,
	}
}

// Enqueue is never blocking: a full table queue drops its oldest row
// rather than waiting on this call.
func (s *Sink) Enqueue(table string, row any) {
	s.queue(table).push(row)
}

func (s *Sink) queue(table string) *tableQueue {
	s.mu.Lock()
	q, ok := s.queues[table]
	if !ok {
		q = newTableQueue(s.cfg.MaxQueueRows)
		s.queues[table] = q
		s.group.Go(func() error {
			s.drainLoop(table, q)
			return nil
		})
	}
	s.mu.Unlock()
	return q
}

// drainLoop runs until the Sink's context is cancelled (Shutdown), then
// drains whatever remains in q before returning, so no row enqueued
// before Shutdown was called is lost.
func (s *Sink) drainLoop(table string, q *tableQueue) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.notify:
			s.flush(table, q)
		case <-ticker.C:
			s.flush(table, q)
		case <-s.groupCtx.Done():
			s.flushAll(table, q)
			return
		}
	}
}

func (s *Sink) flush(table string, q *tableQueue) {
	batch := q.drain(s.cfg.BatchMaxRows)
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.writer.WriteBatch(ctx, table, batch); err != nil {
		s.logger.Warn("observability: batch write failed", zap.String("table", table), zap.Int("rows", len(batch)), zap.Error(err))
	}
}

// flushAll drains and writes every remaining row, batch by batch, used
// only on shutdown where dropping the oldest row is no longer
// acceptable — every enqueued row must be attempted.
func (s *Sink) flushAll(table string, q *tableQueue) {
	for q.len() > 0 {
		s.flush(table, q)
	}
}

// Shutdown stops accepting new background work, waits for every table's
// in-flight batch and remaining queued rows to drain, then returns.
// Safe to call more than once; only the first call does anything.
func (s *Sink) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		done := make(chan struct{})
		go func() {
			_ = s.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
