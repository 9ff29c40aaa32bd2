package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantforge/stratpipe/internal/queue"
)

// EventKind tags worker lifecycle events.
type EventKind string

const (
	EventReady     EventKind = "ready"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
	EventError     EventKind = "error"
)

// Event is one entry on the pool's event channel. For a given (JobID,
// Attempt) there is at most one terminal event, and active precedes it.
type Event struct {
	Kind     EventKind
	WorkerID string
	JobID    string
	Attempt  int
	Progress float64
	Result   *EvalResult
	Err      error
	Terminal bool // failed events: no retry is scheduled
}

// Config tunes one worker.
type Config struct {
	Concurrency       int
	LockDuration      time.Duration
	StalledInterval   time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard worker tuning.
func DefaultConfig() Config {
	return Config{
		Concurrency:     2,
		LockDuration:    30 * time.Second,
		StalledInterval: 10 * time.Second,
		PollInterval:    250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.LockDuration <= 0 {
		c.LockDuration = d.LockDuration
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = d.StalledInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LockDuration / 2
	}
	return c
}

const statsWindow = 100

// Stats is one worker's running counters.
type Stats struct {
	WorkerID        string    `json:"worker_id"`
	Processed       int64     `json:"processed"`
	Failed          int64     `json:"failed"`
	Active          int       `json:"active"`
	AvgProcessingMs float64   `json:"avg_processing_ms"`
	LastProcessed   time.Time `json:"last_processed,omitempty"`
	LastFailed      time.Time `json:"last_failed,omitempty"`
}

// Worker claims jobs from one queue with bounded concurrency and runs them
// through a Processor. Lifecycle events go to the shared channel.
type Worker struct {
	id     string
	q      *queue.Queue
	proc   Processor
	cfg    Config
	log    zerolog.Logger
	events chan<- Event

	mu         sync.Mutex
	processed  int64
	failed     int64
	active     int
	durations  []time.Duration
	lastDone   time.Time
	lastFailed time.Time
}

// NewWorker attaches a worker to a queue. Events are delivered on the given
// channel, which the pool supervisor drains.
func NewWorker(id string, q *queue.Queue, proc Processor, cfg Config, events chan<- Event, log zerolog.Logger) *Worker {
	return &Worker{
		id:     id,
		q:      q,
		proc:   proc,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "worker").Str("worker_id", id).Logger(),
		events: events,
	}
}

func (w *Worker) emit(ev Event) {
	ev.WorkerID = w.id
	select {
	case w.events <- ev:
	default:
		w.log.Warn().Str("kind", string(ev.Kind)).Msg("Event channel full, event dropped")
	}
}

// Run claims and processes jobs until claimCtx ends, then drains in-flight
// work. procCtx bounds in-flight processing during a forced shutdown.
func (w *Worker) Run(claimCtx, procCtx context.Context) error {
	w.emit(Event{Kind: EventReady})

	g := new(errgroup.Group)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.claimLoop(claimCtx, procCtx) })
	}
	g.Go(func() error { return w.maintenanceLoop(claimCtx) })
	return g.Wait()
}

func (w *Worker) claimLoop(claimCtx, procCtx context.Context) error {
	for {
		select {
		case <-claimCtx.Done():
			return nil
		default:
		}

		job, err := w.q.Claim(claimCtx, w.id, w.cfg.LockDuration)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || claimCtx.Err() != nil {
				return nil
			}
			w.emit(Event{Kind: EventError, Err: err})
			w.sleep(claimCtx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(claimCtx, w.cfg.PollInterval)
			continue
		}
		w.process(procCtx, job)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// maintenanceLoop promotes due delayed jobs and reaps stalled locks.
func (w *Worker) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := w.q.PromoteDelayed(ctx); err != nil && !errors.Is(err, queue.ErrClosed) {
			w.emit(Event{Kind: EventError, Err: err})
		}
		stalled, err := w.q.ReapStalled(ctx)
		if err != nil && !errors.Is(err, queue.ErrClosed) {
			w.emit(Event{Kind: EventError, Err: err})
			continue
		}
		for _, id := range stalled {
			w.emit(Event{Kind: EventStalled, JobID: id})
		}
	}
}

func (w *Worker) process(ctx context.Context, qjob *queue.Job) {
	w.mu.Lock()
	w.active++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.active--
		w.mu.Unlock()
	}()

	started := time.Now()
	w.emit(Event{Kind: EventActive, JobID: qjob.ID, Attempt: qjob.Attempt})

	// Heartbeat keeps the lock alive for jobs that outlive the lock duration.
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeatLoop(hbCtx, qjob.ID)

	job, err := DecodeJob(qjob.Payload)
	if err != nil {
		w.finishFailed(ctx, qjob, nil, err, false)
		return
	}
	job.JobID = qjob.ID

	res, err := w.proc.Process(ctx, job, func(p float64) {
		w.emit(Event{Kind: EventProgress, JobID: qjob.ID, Attempt: qjob.Attempt, Progress: p})
	})
	if res != nil {
		res.Attempt = qjob.Attempt
	}
	if err != nil {
		w.finishFailed(ctx, qjob, res, err, !errors.Is(err, ErrNoRetry))
		return
	}

	raw, err := json.Marshal(res)
	if err != nil {
		w.finishFailed(ctx, qjob, res, err, false)
		return
	}
	if err := w.q.Complete(ctx, qjob.ID, raw); err != nil {
		w.emit(Event{Kind: EventError, JobID: qjob.ID, Err: err})
		return
	}

	w.mu.Lock()
	w.processed++
	w.lastDone = time.Now()
	w.pushDuration(time.Since(started))
	w.mu.Unlock()

	w.emit(Event{Kind: EventCompleted, JobID: qjob.ID, Attempt: qjob.Attempt, Result: res})
}

func (w *Worker) finishFailed(ctx context.Context, qjob *queue.Job, res *EvalResult, cause error, retryable bool) {
	retried, err := w.q.Fail(ctx, qjob.ID, cause.Error(), retryable)
	if err != nil {
		w.emit(Event{Kind: EventError, JobID: qjob.ID, Err: err})
		return
	}

	w.mu.Lock()
	w.failed++
	w.lastFailed = time.Now()
	w.mu.Unlock()

	w.emit(Event{
		Kind:     EventFailed,
		JobID:    qjob.ID,
		Attempt:  qjob.Attempt,
		Result:   res,
		Err:      cause,
		Terminal: !retried,
	})
}

func (w *Worker) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.q.Heartbeat(ctx, jobID, w.cfg.LockDuration); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				// Lock lost: the job was reaped and redelivered elsewhere.
				w.log.Warn().Str("job_id", jobID).Msg("Lock lost during processing")
				return
			}
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				w.emit(Event{Kind: EventError, JobID: jobID, Err: err})
			}
			return
		}
	}
}

func (w *Worker) pushDuration(d time.Duration) {
	w.durations = append(w.durations, d)
	if len(w.durations) > statsWindow {
		w.durations = w.durations[len(w.durations)-statsWindow:]
	}
}

// Stats snapshots the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	var avg float64
	if len(w.durations) > 0 {
		var sum time.Duration
		for _, d := range w.durations {
			sum += d
		}
		avg = float64(sum.Milliseconds()) / float64(len(w.durations))
	}
	return Stats{
		WorkerID:        w.id,
		Processed:       w.processed,
		Failed:          w.failed,
		Active:          w.active,
		AvgProcessingMs: avg,
		LastProcessed:   w.lastDone,
		LastFailed:      w.lastFailed,
	}
}
