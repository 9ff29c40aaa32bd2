package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/stratpipe/internal/queue"
)

// fakeProcessor scripts per-attempt outcomes and records invocations.
type fakeProcessor struct {
	mu       sync.Mutex
	delay    time.Duration
	failures int32 // fail this many attempts before succeeding
	permErr  bool
	calls    []int
}

func (f *fakeProcessor) Process(ctx context.Context, job *EvalJob, progress func(float64)) (*EvalResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, 0)
	n := len(f.calls)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	progress(0.5)

	res := &EvalResult{JobID: job.JobID, CandidateID: job.CandidateID, Timestamp: time.Now()}
	if f.permErr {
		res.Error = "strategy-error"
		return res, fmt.Errorf("%w: strategy-error", ErrNoRetry)
	}
	if int32(n) <= f.failures {
		res.Error = "transient"
		return res, errors.New("transient fetch failure")
	}
	res.Success = true
	return res, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recordingSink captures deduplicated terminal results.
type recordingSink struct {
	mu        sync.Mutex
	completed []*EvalResult
	failed    []*EvalResult
}

func (s *recordingSink) Completed(_ context.Context, res *EvalResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, res)
}

func (s *recordingSink) Failed(_ context.Context, res *EvalResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, res)
}

func (s *recordingSink) snapshot() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed), len(s.failed)
}

func newTestPoolQueue(t *testing.T, qopts queue.Options) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New(rdb, "evals", qopts, zerolog.Nop())
}

func fastWorkerConfig() Config {
	return Config{
		Concurrency:       1,
		LockDuration:      500 * time.Millisecond,
		StalledInterval:   50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPool_ProcessesJobsAndPublishesOnce(t *testing.T) {
	q := newTestPoolQueue(t, queue.DefaultOptions())
	proc := &fakeProcessor{}
	sink := &recordingSink{}
	cfg := PoolConfig{WorkerCount: 2, Worker: fastWorkerConfig(), DrainTimeout: 5 * time.Second}
	p := NewPool(q, proc, sink, cfg, zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })

	ctx := context.Background()
	jobs := make([]*EvalJob, 0, 5)
	for i := 0; i < 5; i++ {
		jobs = append(jobs, &EvalJob{JobID: string(rune('a' + i)), CandidateID: "c1", Instrument: "BTCUSDT"})
	}
	require.NoError(t, p.AddBatch(ctx, jobs))

	waitFor(t, 5*time.Second, func() bool {
		done, _ := sink.snapshot()
		return done == 5
	})

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(5), stats.Queue.Completed)
	assert.Equal(t, int64(0), stats.Queue.Waiting)
	assert.True(t, p.IsRunning())
}

func TestPool_RetryAfterTransientFailure(t *testing.T) {
	qopts := queue.DefaultOptions()
	qopts.BackoffBase = 20 * time.Millisecond
	q := newTestPoolQueue(t, qopts)
	proc := &fakeProcessor{failures: 1}
	sink := &recordingSink{}
	cfg := PoolConfig{WorkerCount: 1, Worker: fastWorkerConfig(), DrainTimeout: 5 * time.Second}
	p := NewPool(q, proc, sink, cfg, zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })

	_, err := p.AddJob(context.Background(), &EvalJob{JobID: "retry-me", CandidateID: "c1"})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		done, _ := sink.snapshot()
		return done == 1
	})

	sink.mu.Lock()
	res := sink.completed[0]
	sink.mu.Unlock()
	assert.Equal(t, "retry-me", res.JobID)
	assert.Equal(t, 2, res.Attempt, "success on the second attempt")
	assert.GreaterOrEqual(t, proc.callCount(), 2)
}

func TestPool_PermanentFailureIsTerminal(t *testing.T) {
	q := newTestPoolQueue(t, queue.DefaultOptions())
	proc := &fakeProcessor{permErr: true}
	sink := &recordingSink{}
	cfg := PoolConfig{WorkerCount: 1, Worker: fastWorkerConfig(), DrainTimeout: 5 * time.Second}
	p := NewPool(q, proc, sink, cfg, zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })

	_, err := p.AddJob(context.Background(), &EvalJob{JobID: "doomed", CandidateID: "c1"})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		_, failed := sink.snapshot()
		return failed == 1
	})

	assert.Equal(t, 1, proc.callCount(), "strategy errors are not retried")
	counts, err := q.GetCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestPool_StallRedeliveryCompletesOnSecondAttempt(t *testing.T) {
	qopts := queue.DefaultOptions()
	qopts.MaxStalled = 2
	q := newTestPoolQueue(t, qopts)

	// First attempt outlives its lock with heartbeats disabled; the reaper
	// hands the job to the other worker slot, which finishes fast.
	var first int32
	proc := &slowFirstProcessor{firstDelay: 600 * time.Millisecond, first: &first}
	sink := &recordingSink{}
	wcfg := Config{
		Concurrency:       1,
		LockDuration:      150 * time.Millisecond,
		StalledInterval:   50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}
	p := NewPool(q, proc, sink, PoolConfig{WorkerCount: 2, Worker: wcfg, DrainTimeout: 5 * time.Second}, zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })

	_, err := p.AddJob(context.Background(), &EvalJob{JobID: "stall-me", CandidateID: "c1"})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		done, _ := sink.snapshot()
		return done == 1
	})

	// Give the slow first attempt time to finish and try to double-publish.
	time.Sleep(700 * time.Millisecond)
	done, _ := sink.snapshot()
	assert.Equal(t, 1, done, "exactly one completion per job id")
}

type slowFirstProcessor struct {
	firstDelay time.Duration
	first      *int32
}

func (s *slowFirstProcessor) Process(ctx context.Context, job *EvalJob, progress func(float64)) (*EvalResult, error) {
	if atomic.CompareAndSwapInt32(s.first, 0, 1) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.firstDelay):
		}
	}
	return &EvalResult{JobID: job.JobID, CandidateID: job.CandidateID, Success: true, Timestamp: time.Now()}, nil
}

func TestPool_GracefulStopDrainsInFlight(t *testing.T) {
	q := newTestPoolQueue(t, queue.DefaultOptions())
	proc := &fakeProcessor{delay: 200 * time.Millisecond}
	sink := &recordingSink{}
	cfg := PoolConfig{WorkerCount: 2, Worker: fastWorkerConfig(), DrainTimeout: 5 * time.Second}
	p := NewPool(q, proc, sink, cfg, zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := p.AddJob(ctx, &EvalJob{JobID: string(rune('a' + i)), CandidateID: "c1"})
		require.NoError(t, err)
	}

	// Let the workers pick up their first jobs, then stop.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())

	// In-flight jobs finished; the queue handle is closed.
	done, _ := sink.snapshot()
	assert.GreaterOrEqual(t, done, 2, "claimed jobs complete during drain")
	_, err := q.GetCounts(ctx)
	assert.ErrorIs(t, err, queue.ErrClosed)

	// Stop again is a no-op.
	require.NoError(t, p.Stop())
}

func TestPool_PauseStopsClaims(t *testing.T) {
	q := newTestPoolQueue(t, queue.DefaultOptions())
	proc := &fakeProcessor{}
	sink := &recordingSink{}
	cfg := PoolConfig{WorkerCount: 1, Worker: fastWorkerConfig(), DrainTimeout: 5 * time.Second}
	p := NewPool(q, proc, sink, cfg, zerolog.Nop())

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })

	ctx := context.Background()
	require.NoError(t, p.Pause(ctx))
	_, err := p.AddJob(ctx, &EvalJob{JobID: "j", CandidateID: "c1"})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	done, _ := sink.snapshot()
	assert.Equal(t, 0, done, "paused pool makes no claims")

	require.NoError(t, p.Resume(ctx))
	waitFor(t, 5*time.Second, func() bool {
		done, _ := sink.snapshot()
		return done == 1
	})
}

func TestWorker_StatsWindow(t *testing.T) {
	q := newTestPoolQueue(t, queue.DefaultOptions())
	proc := &fakeProcessor{}
	events := make(chan Event, 64)
	w := NewWorker("w1", q, proc, fastWorkerConfig(), events, zerolog.Nop())

	st := w.Stats()
	assert.Equal(t, "w1", st.WorkerID)
	assert.Zero(t, st.Processed)

	for i := 0; i < statsWindow+20; i++ {
		w.pushDuration(time.Millisecond)
	}
	w.mu.Lock()
	assert.Len(t, w.durations, statsWindow)
	w.mu.Unlock()
}
