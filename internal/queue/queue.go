// Package queue implements a durable Redis-backed job queue with priority
// ordering, delayed retries, stall detection, and retention trimming. Jobs
// are delivered at least once; consumers key their results by (job id,
// attempt) to stay idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("queue: closed")
	// ErrNotFound is returned when a job id has no record.
	ErrNotFound = errors.New("queue: job not found")
)

// JobStatus is a job's place in its lifecycle.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusDelayed   JobStatus = "delayed"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is the queue's envelope around an opaque payload.
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"` // 1-indexed, set on claim
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base"`
	Stalls      int             `json:"stalls"`
	Status      JobStatus       `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ClaimedAt   time.Time       `json:"claimed_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
}

// Retention caps how many finished jobs the queue keeps.
type Retention struct {
	Count int           // keep at most this many; 0 keeps all
	Age   time.Duration // drop entries older than this; 0 keeps all
}

// Options tune a queue.
type Options struct {
	Attempts        int           // default claim budget per job
	BackoffBase     time.Duration // delay(n) = base * 2^(n-1)
	MaxStalled      int           // stall redeliveries before terminal failure
	RetainCompleted Retention
	RetainFailed    Retention
}

// DefaultOptions returns the standard queue tuning.
func DefaultOptions() Options {
	return Options{
		Attempts:        3,
		BackoffBase:     5 * time.Second,
		MaxStalled:      1,
		RetainCompleted: Retention{Count: 1000, Age: 24 * time.Hour},
		RetainFailed:    Retention{Count: 5000},
	}
}

// EnqueueOptions override queue defaults for one job.
type EnqueueOptions struct {
	JobID       string // idempotent submit; empty generates one
	Priority    int
	Attempts    int
	BackoffBase time.Duration
	Delay       time.Duration
}

// Queue is a named durable queue. All state lives in Redis so any worker
// process can claim from it.
type Queue struct {
	rdb  *redis.Client
	name string
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu     sync.Mutex
	closed bool
}

// New creates a handle on the named queue.
func New(rdb *redis.Client, name string, opts Options, log zerolog.Logger) *Queue {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultOptions().Attempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions().BackoffBase
	}
	if opts.MaxStalled < 0 {
		opts.MaxStalled = 0
	}
	return &Queue{
		rdb:  rdb,
		name: name,
		opts: opts,
		log:  log.With().Str("component", "queue").Str("queue", name).Logger(),
		now:  time.Now,
	}
}

func (q *Queue) key(parts ...string) string {
	k := "stratpipe:queue:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

func (q *Queue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}
	return q.rdb.Set(ctx, q.jobKey(job.ID), raw, 0).Err()
}

// waitingScore orders the waiting set: higher priority first, FIFO within a
// priority via the enqueue sequence number.
func waitingScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

// Enqueue adds a job. Submitting an id that is already waiting, delayed or
// active is a no-op returning the existing job.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, opts EnqueueOptions) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := q.loadJob(ctx, id); err == nil {
		switch existing.Status {
		case StatusWaiting, StatusDelayed, StatusActive:
			return existing, nil
		}
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.opts.Attempts
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = q.opts.BackoffBase
	}

	job := &Job{
		ID:          id,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: attempts,
		BackoffBase: backoff,
		Status:      StatusWaiting,
		CreatedAt:   q.now().UTC(),
	}

	if opts.Delay > 0 {
		job.Status = StatusDelayed
		if err := q.saveJob(ctx, job); err != nil {
			return nil, err
		}
		readyAt := float64(q.now().Add(opts.Delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{Score: readyAt, Member: id}).Err(); err != nil {
			return nil, fmt.Errorf("queue: delay job %s: %w", id, err)
		}
		return job, nil
	}

	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := q.pushWaiting(ctx, job); err != nil {
		return nil, err
	}
	q.log.Debug().Str("job_id", id).Int("priority", job.Priority).Msg("Job enqueued")
	return job, nil
}

func (q *Queue) pushWaiting(ctx context.Context, job *Job) error {
	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("queue: sequence: %w", err)
	}
	z := redis.Z{Score: waitingScore(job.Priority, seq), Member: job.ID}
	if err := q.rdb.ZAdd(ctx, q.key("waiting"), z).Err(); err != nil {
		return fmt.Errorf("queue: push waiting %s: %w", job.ID, err)
	}
	return nil
}

// claimScript moves the best waiting id into the active set with its lock
// expiry as one atomic step. The id is never outside both sets, so a crash
// or Redis error mid-claim leaves the job reapable instead of lost.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// Claim pops the highest-priority waiting job and locks it for lockDur.
// Returns (nil, nil) when the queue is empty or paused. The claim increments
// the job's attempt counter. If the record cannot be read or updated after
// the move, the id stays locked in the active set and ReapStalled redelivers
// it once the lock expires.
func (q *Queue) Claim(ctx context.Context, workerID string, lockDur time.Duration) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	lockExpiry := q.now().Add(lockDur).UnixMilli()
	res, err := claimScript.Run(ctx, q.rdb, []string{q.key("waiting"), q.key("active")}, lockExpiry).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("queue: claim: unexpected member %v", res)
	}

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = StatusActive
	job.Attempt++
	job.WorkerID = workerID
	job.ClaimedAt = q.now().UTC()
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat extends the lock on an active job. Returns ErrNotFound when the
// job is no longer held, which tells a slow worker its work was redelivered.
func (q *Queue) Heartbeat(ctx context.Context, jobID string, lockDur time.Duration) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	_, err := q.rdb.ZScore(ctx, q.key("active"), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s not active", ErrNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("queue: heartbeat %s: %w", jobID, err)
	}
	lockExpiry := float64(q.now().Add(lockDur).UnixMilli())
	return q.rdb.ZAdd(ctx, q.key("active"), redis.Z{Score: lockExpiry, Member: jobID}).Err()
}

// Complete marks an active job finished and stores its result.
func (q *Queue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusCompleted
	job.Result = result
	job.FinishedAt = q.now().UTC()
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), jobID)
	pipe.ZAdd(ctx, q.key("completed"), redis.Z{Score: float64(job.FinishedAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, err)
	}
	return q.trim(ctx, q.key("completed"), q.opts.RetainCompleted)
}

// Fail records a failed attempt. With attempts remaining the job is
// rescheduled after an exponential backoff delay; otherwise it lands in the
// terminal failed set. Returns whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, jobID, reason string, retryable bool) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if err := q.rdb.ZRem(ctx, q.key("active"), jobID).Err(); err != nil {
		return false, fmt.Errorf("queue: unlock %s: %w", jobID, err)
	}
	job.LastError = reason

	if retryable && job.Attempt < job.MaxAttempts {
		// delay(n) = base * 2^(n-1) for the attempt that just failed
		delay := job.BackoffBase << (job.Attempt - 1)
		job.Status = StatusDelayed
		if err := q.saveJob(ctx, job); err != nil {
			return false, err
		}
		readyAt := float64(q.now().Add(delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{Score: readyAt, Member: jobID}).Err(); err != nil {
			return false, fmt.Errorf("queue: reschedule %s: %w", jobID, err)
		}
		q.log.Debug().Str("job_id", jobID).Dur("delay", delay).Int("attempt", job.Attempt).Msg("Job rescheduled")
		return true, nil
	}

	job.Status = StatusFailed
	job.FinishedAt = q.now().UTC()
	if err := q.saveJob(ctx, job); err != nil {
		return false, err
	}
	if err := q.rdb.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(job.FinishedAt.UnixMilli()), Member: jobID}).Err(); err != nil {
		return false, fmt.Errorf("queue: fail %s: %w", jobID, err)
	}
	q.log.Warn().Str("job_id", jobID).Str("reason", reason).Int("attempt", job.Attempt).Msg("Job terminally failed")
	return false, q.trim(ctx, q.key("failed"), q.opts.RetainFailed)
}

// PromoteDelayed moves due delayed jobs back to waiting. Returns how many
// were promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}
	nowMs := fmt.Sprintf("%d", q.now().UnixMilli())
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: promote: %w", err)
	}
	for _, id := range due {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			q.rdb.ZRem(ctx, q.key("delayed"), id)
			continue
		}
		job.Status = StatusWaiting
		if err := q.saveJob(ctx, job); err != nil {
			return 0, err
		}
		if err := q.pushWaiting(ctx, job); err != nil {
			return 0, err
		}
		q.rdb.ZRem(ctx, q.key("delayed"), id)
	}
	return len(due), nil
}

// ReapStalled redelivers active jobs whose lock expired. A job past its
// stall budget fails terminally instead. Returns the redelivered ids.
func (q *Queue) ReapStalled(ctx context.Context) ([]string, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	nowMs := fmt.Sprintf("%d", q.now().UnixMilli())
	expired, err := q.rdb.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: reap: %w", err)
	}

	var redelivered []string
	for _, id := range expired {
		if err := q.rdb.ZRem(ctx, q.key("active"), id).Err(); err != nil {
			return redelivered, err
		}
		job, err := q.loadJob(ctx, id)
		if err != nil {
			continue
		}
		job.Stalls++
		if job.Stalls > q.opts.MaxStalled {
			job.Status = StatusFailed
			job.LastError = "stalled too many times"
			job.FinishedAt = q.now().UTC()
			if err := q.saveJob(ctx, job); err != nil {
				return redelivered, err
			}
			if err := q.rdb.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(job.FinishedAt.UnixMilli()), Member: id}).Err(); err != nil {
				return redelivered, err
			}
			q.log.Warn().Str("job_id", id).Int("stalls", job.Stalls).Msg("Stalled job moved to failed")
			continue
		}
		job.Status = StatusWaiting
		job.WorkerID = ""
		if err := q.saveJob(ctx, job); err != nil {
			return redelivered, err
		}
		if err := q.pushWaiting(ctx, job); err != nil {
			return redelivered, err
		}
		redelivered = append(redelivered, id)
		q.log.Info().Str("job_id", id).Int("stalls", job.Stalls).Msg("Stalled job redelivered")
	}
	return redelivered, nil
}

// Counts reports the queue depth per lifecycle bucket.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// GetCounts queries the depth of every bucket.
func (q *Queue) GetCounts(ctx context.Context) (Counts, error) {
	if err := q.checkOpen(); err != nil {
		return Counts{}, err
	}
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// Pause stops Claim from handing out jobs until Resume.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.rdb.Set(ctx, q.key("paused"), "1", 0).Err()
}

// Resume lifts a pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.rdb.Del(ctx, q.key("paused")).Err()
}

// IsPaused reports the pause flag.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.key("paused")).Result()
	if err != nil {
		return false, fmt.Errorf("queue: paused check: %w", err)
	}
	return n > 0, nil
}

// Job returns the stored record for a job id.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	return q.loadJob(ctx, id)
}

// Close marks the handle closed. The Redis client is owned by the caller.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.closed = true
	return nil
}

// trim enforces retention on a finished-jobs set, deleting trimmed records.
func (q *Queue) trim(ctx context.Context, key string, r Retention) error {
	var victims []string

	if r.Age > 0 {
		cutoff := fmt.Sprintf("%d", q.now().Add(-r.Age).UnixMilli())
		old, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return fmt.Errorf("queue: trim by age: %w", err)
		}
		victims = append(victims, old...)
	}
	if r.Count > 0 {
		total, err := q.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("queue: trim count: %w", err)
		}
		if excess := total - int64(r.Count); excess > 0 {
			// Oldest entries have the lowest scores.
			old, err := q.rdb.ZRange(ctx, key, 0, excess-1).Result()
			if err != nil {
				return fmt.Errorf("queue: trim by count: %w", err)
			}
			victims = append(victims, old...)
		}
	}
	if len(victims) == 0 {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range victims {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, q.jobKey(id))
	}
	_, err := pipe.Exec(ctx)
	return err
}
