package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantforge/stratpipe/internal/metrics"
	"github.com/quantforge/stratpipe/internal/queue"
)

// ResultSink receives deduplicated terminal results: the first success per
// job id, and every terminal failure. Best-effort; errors are logged only.
type ResultSink interface {
	Completed(ctx context.Context, res *EvalResult)
	Failed(ctx context.Context, res *EvalResult)
}

// PoolConfig tunes the supervisor.
type PoolConfig struct {
	WorkerCount  int
	Worker       Config
	DrainTimeout time.Duration
}

// DefaultPoolConfig returns the standard pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		WorkerCount:  2,
		Worker:       DefaultConfig(),
		DrainTimeout: 30 * time.Second,
	}
}

// PoolStats aggregates worker counters with queue depth.
type PoolStats struct {
	Workers         []Stats      `json:"workers"`
	Queue           queue.Counts `json:"queue"`
	Processed       int64        `json:"processed"`
	Failed          int64        `json:"failed"`
	Active          int          `json:"active"`
	AvgProcessingMs float64      `json:"avg_processing_ms"`
	UptimeSeconds   float64      `json:"uptime_seconds"`
	Running         bool         `json:"running"`
}

// Pool supervises N workers over one queue and owns the shared event
// channel. It deduplicates result publication by job id.
type Pool struct {
	q    *queue.Queue
	proc Processor
	cfg  PoolConfig
	sink ResultSink
	log  zerolog.Logger

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	workers    []*Worker
	events     chan Event
	claimStop  context.CancelFunc
	procStop   context.CancelFunc
	done       chan struct{}
	seenResult map[string]bool
}

// NewPool builds a supervisor. sink may be nil when nobody consumes results.
func NewPool(q *queue.Queue, proc Processor, sink ResultSink, cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultPoolConfig().WorkerCount
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultPoolConfig().DrainTimeout
	}
	return &Pool{
		q:    q,
		proc: proc,
		cfg:  cfg,
		sink: sink,
		log:  log.With().Str("component", "pool").Logger(),
	}
}

// Start launches the workers. Idempotent start is an error.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool: already running")
	}

	procCtx, procStop := context.WithCancel(context.WithoutCancel(ctx))
	claimCtx, claimStop := context.WithCancel(procCtx)

	p.events = make(chan Event, 1024)
	p.seenResult = make(map[string]bool)
	p.workers = make([]*Worker, 0, p.cfg.WorkerCount)
	p.claimStop = claimStop
	p.procStop = procStop
	p.done = make(chan struct{})
	p.running = true
	p.startedAt = time.Now()

	g := new(errgroup.Group)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := NewWorker(fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8]), p.q, p.proc, p.cfg.Worker, p.events, p.log)
		p.workers = append(p.workers, w)
		g.Go(func() error { return w.Run(claimCtx, procCtx) })
	}

	go p.consumeEvents(procCtx)
	go func() {
		if err := g.Wait(); err != nil {
			p.log.Error().Err(err).Msg("Worker group exited with error")
		}
		close(p.done)
	}()

	p.log.Info().Int("workers", p.cfg.WorkerCount).Msg("Pool started")
	return nil
}

// consumeEvents drains the shared channel, forwarding deduplicated results.
func (p *Pool) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already buffered, then stop.
			for {
				select {
				case ev := <-p.events:
					p.handleEvent(ctx, ev)
				default:
					return
				}
			}
		case ev := <-p.events:
			p.handleEvent(ctx, ev)
		}
	}
}

func (p *Pool) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventCompleted:
		if ev.Result != nil {
			metrics.RecordJobProcessed(float64(ev.Result.ProcessingTimeMs)/1000, ev.Result.BarsProcessed)
		}
		p.mu.Lock()
		dup := p.seenResult[ev.JobID]
		p.seenResult[ev.JobID] = true
		p.mu.Unlock()
		if dup {
			p.log.Warn().Str("job_id", ev.JobID).Int("attempt", ev.Attempt).Msg("Duplicate completion discarded")
			return
		}
		if p.sink != nil && ev.Result != nil {
			p.sink.Completed(ctx, ev.Result)
		}
	case EventFailed:
		if ev.Terminal {
			metrics.RecordJobFailed()
			if p.sink != nil && ev.Result != nil {
				p.sink.Failed(ctx, ev.Result)
			}
		}
	case EventStalled:
		metrics.RecordJobStalled()
		p.log.Warn().Str("job_id", ev.JobID).Msg("Stalled job redelivered")
	case EventError:
		p.log.Error().Err(ev.Err).Str("worker_id", ev.WorkerID).Msg("Worker error")
	}
}

// Stop drains gracefully: no new claims, in-flight jobs get until the drain
// deadline, then the queue handle is closed.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	claimStop, procStop, done := p.claimStop, p.procStop, p.done
	p.mu.Unlock()

	claimStop()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.log.Warn().Dur("drain_timeout", p.cfg.DrainTimeout).Msg("Drain deadline hit, abandoning in-flight jobs")
		procStop()
		<-done
	}
	procStop()

	err := p.q.Close()
	p.log.Info().Msg("Pool stopped")
	return err
}

// Pause stops job handout queue-wide.
func (p *Pool) Pause(ctx context.Context) error { return p.q.Pause(ctx) }

// Resume lifts a pause.
func (p *Pool) Resume(ctx context.Context) error { return p.q.Resume(ctx) }

// AddJob enqueues one evaluation.
func (p *Pool) AddJob(ctx context.Context, job *EvalJob) (*queue.Job, error) {
	raw, err := EncodeJob(job)
	if err != nil {
		return nil, err
	}
	return p.q.Enqueue(ctx, raw, queue.EnqueueOptions{
		JobID:    job.JobID,
		Priority: job.Priority,
	})
}

// AddBatch enqueues many evaluations, returning the first error.
func (p *Pool) AddBatch(ctx context.Context, jobs []*EvalJob) error {
	for _, job := range jobs {
		if _, err := p.AddJob(ctx, job); err != nil {
			return fmt.Errorf("pool: batch enqueue %s: %w", job.JobID, err)
		}
	}
	return nil
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats aggregates worker counters and queue depth.
func (p *Pool) Stats(ctx context.Context) (PoolStats, error) {
	p.mu.Lock()
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	running := p.running
	startedAt := p.startedAt
	p.mu.Unlock()

	out := PoolStats{Running: running}
	if running {
		out.UptimeSeconds = time.Since(startedAt).Seconds()
	}

	var weighted float64
	var samples int64
	for _, w := range workers {
		st := w.Stats()
		out.Workers = append(out.Workers, st)
		out.Processed += st.Processed
		out.Failed += st.Failed
		out.Active += st.Active
		if st.Processed > 0 {
			weighted += st.AvgProcessingMs * float64(st.Processed)
			samples += st.Processed
		}
	}
	if samples > 0 {
		out.AvgProcessingMs = weighted / float64(samples)
	}

	counts, err := p.q.GetCounts(ctx)
	if err != nil {
		return out, err
	}
	out.Queue = counts
	metrics.UpdateQueueDepth(counts.Waiting, counts.Delayed, counts.Active, counts.Completed, counts.Failed)
	return out, nil
}
