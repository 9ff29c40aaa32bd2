package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/store"
	"github.com/quantforge/stratpipe/internal/worker"
)

// Collector sits between the worker pool and the cycle's evaluate node. It
// forwards every terminal result to the downstream sinks (bus, store) and
// hands results to whichever cycle is waiting on the job id.
type Collector struct {
	next []worker.ResultSink
	log  zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan *worker.EvalResult
}

// NewCollector builds a collector forwarding to the given sinks. Nil sinks
// are skipped.
func NewCollector(log zerolog.Logger, next ...worker.ResultSink) *Collector {
	sinks := make([]worker.ResultSink, 0, len(next))
	for _, s := range next {
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	return &Collector{
		next:    sinks,
		log:     log.With().Str("component", "result_collector").Logger(),
		waiters: make(map[string]chan *worker.EvalResult),
	}
}

// Expect registers interest in a job's terminal result. The channel receives
// exactly one result; call Forget when done waiting.
func (c *Collector) Expect(jobID string) <-chan *worker.EvalResult {
	ch := make(chan *worker.EvalResult, 1)
	c.mu.Lock()
	c.waiters[jobID] = ch
	c.mu.Unlock()
	return ch
}

// Forget drops a registration, typically after a timeout.
func (c *Collector) Forget(jobID string) {
	c.mu.Lock()
	delete(c.waiters, jobID)
	c.mu.Unlock()
}

func (c *Collector) deliver(res *worker.EvalResult) {
	c.mu.Lock()
	ch, ok := c.waiters[res.JobID]
	if ok {
		delete(c.waiters, res.JobID)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

// Completed implements worker.ResultSink.
func (c *Collector) Completed(ctx context.Context, res *worker.EvalResult) {
	for _, s := range c.next {
		s.Completed(ctx, res)
	}
	c.deliver(res)
}

// Failed implements worker.ResultSink.
func (c *Collector) Failed(ctx context.Context, res *worker.EvalResult) {
	for _, s := range c.next {
		s.Failed(ctx, res)
	}
	c.deliver(res)
}

// StoreSink persists terminal results. Implements worker.ResultSink;
// persistence failures are logged, never propagated.
type StoreSink struct {
	db  *store.Store
	log zerolog.Logger
}

// NewStoreSink builds a sink writing results to the store.
func NewStoreSink(db *store.Store, log zerolog.Logger) *StoreSink {
	return &StoreSink{db: db, log: log.With().Str("component", "store_sink").Logger()}
}

func (s *StoreSink) Completed(ctx context.Context, res *worker.EvalResult) {
	if err := s.db.SaveResult(ctx, res); err != nil {
		s.log.Error().Err(err).Str("job_id", res.JobID).Msg("Result persist failed")
	}
}

func (s *StoreSink) Failed(ctx context.Context, res *worker.EvalResult) {
	if err := s.db.SaveResult(ctx, res); err != nil {
		s.log.Error().Err(err).Str("job_id", res.JobID).Msg("Failure persist failed")
	}
}
