package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := New(rdb, "evals", opts, zerolog.Nop())
	now := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func payload(s string) json.RawMessage {
	return json.RawMessage(`{"candidate":"` + s + `"}`)
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("low-a"), EnqueueOptions{JobID: "low-a", Priority: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, payload("low-b"), EnqueueOptions{JobID: "low-b", Priority: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, payload("high"), EnqueueOptions{JobID: "high", Priority: 10})
	require.NoError(t, err)

	var order []string
	for {
		job, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"high", "low-a", "low-b"}, order)
}

func TestQueue_IdempotentEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestQueue_ClaimIncrementsAttempt(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j"})
	require.NoError(t, err)

	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, StatusActive, job.Status)
	assert.Equal(t, "w1", job.WorkerID)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)
}

func TestQueue_ClaimFailureLeavesJobReapable(t *testing.T) {
	q, now := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j"})
	require.NoError(t, err)

	// Corrupt the stored record so the post-claim load fails.
	good, err := q.rdb.Get(ctx, q.jobKey("j")).Result()
	require.NoError(t, err)
	require.NoError(t, q.rdb.Set(ctx, q.jobKey("j"), "not-json", 0).Err())

	_, err = q.Claim(ctx, "w1", time.Minute)
	require.Error(t, err)

	// The id moved waiting -> active in one step: locked, not stranded.
	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)

	// Once the record is readable again and the lock expires, the reaper
	// redelivers it and the next claim succeeds.
	require.NoError(t, q.rdb.Set(ctx, q.jobKey("j"), good, 0).Err())
	*now = now.Add(2 * time.Minute)
	ids, err := q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j"}, ids)

	job, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j", job.ID)
}

func TestQueue_FailSchedulesExponentialBackoff(t *testing.T) {
	opts := DefaultOptions()
	opts.Attempts = 3
	opts.BackoffBase = 5 * time.Second
	q, now := newTestQueue(t, opts)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j"})
	require.NoError(t, err)

	// Attempt 1 fails: delayed by base * 2^0 = 5s.
	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	retried, err := q.Fail(ctx, "j", "boom", true)
	require.NoError(t, err)
	assert.True(t, retried)

	counts, _ := q.GetCounts(ctx)
	assert.Equal(t, int64(1), counts.Delayed)

	// Not due yet at +4s.
	*now = now.Add(4 * time.Second)
	n, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Due at +5s.
	*now = now.Add(time.Second)
	n, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Attempt 2 fails: delayed by base * 2^1 = 10s.
	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	retried, err = q.Fail(ctx, "j", "boom", true)
	require.NoError(t, err)
	assert.True(t, retried)

	*now = now.Add(9 * time.Second)
	n, _ = q.PromoteDelayed(ctx)
	assert.Equal(t, 0, n)
	*now = now.Add(time.Second)
	n, _ = q.PromoteDelayed(ctx)
	assert.Equal(t, 1, n)

	// Attempt 3 fails: budget exhausted, terminal.
	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	retried, err = q.Fail(ctx, "j", "boom", true)
	require.NoError(t, err)
	assert.False(t, retried)

	job, err := q.Job(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempt)

	counts, _ = q.GetCounts(ctx)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(0), counts.Delayed)
	assert.Equal(t, int64(0), counts.Waiting)
}

func TestQueue_NonRetryableFailureIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	retried, err := q.Fail(ctx, "j", "strategy-error", false)
	require.NoError(t, err)
	assert.False(t, retried)

	job, err := q.Job(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "strategy-error", job.LastError)
}

func TestQueue_StallRedelivery(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxStalled = 1
	q, now := newTestQueue(t, opts)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j"})
	require.NoError(t, err)

	// Worker A claims with a 2s lock and dies.
	_, err = q.Claim(ctx, "worker-a", 2*time.Second)
	require.NoError(t, err)

	// Lock still live: nothing to reap.
	*now = now.Add(time.Second)
	ids, err := q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Lock expired: redelivered.
	*now = now.Add(2 * time.Second)
	ids, err = q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j"}, ids)

	// Worker B claims attempt 2 and completes.
	job, err := q.Claim(ctx, "worker-b", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, 1, job.Stalls)

	require.NoError(t, q.Complete(ctx, "j", json.RawMessage(`{"ok":true}`)))
	done, err := q.Job(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestQueue_StallBudgetExhausted(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxStalled = 1
	q, now := newTestQueue(t, opts)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = q.Claim(ctx, "w", time.Second)
		require.NoError(t, err)
		*now = now.Add(2 * time.Second)
		_, err = q.ReapStalled(ctx)
		require.NoError(t, err)
	}

	job, err := q.Job(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 2, job.Stalls)
}

func TestQueue_HeartbeatExtendsLock(t *testing.T) {
	q, now := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j"})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1", 2*time.Second)
	require.NoError(t, err)

	*now = now.Add(1500 * time.Millisecond)
	require.NoError(t, q.Heartbeat(ctx, "j", 2*time.Second))

	// Past the original expiry but within the extension.
	*now = now.Add(time.Second)
	ids, err := q.ReapStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Heartbeat on a job that was never claimed fails loudly.
	err = q.Heartbeat(ctx, "ghost", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_DelayedEnqueue(t *testing.T) {
	q, now := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j", Delay: 10 * time.Second})
	require.NoError(t, err)

	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	*now = now.Add(10 * time.Second)
	_, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)

	job, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j", job.ID)
}

func TestQueue_PauseResume(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{JobID: "j"})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job, "no claims while paused")

	require.NoError(t, q.Resume(ctx))
	job, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestQueue_RetentionTrimsOldCompleted(t *testing.T) {
	opts := DefaultOptions()
	opts.RetainCompleted = Retention{Count: 2}
	q, now := newTestQueue(t, opts)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, payload(id), EnqueueOptions{JobID: id})
		require.NoError(t, err)
		_, err = q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, id, nil))
		*now = now.Add(time.Second)
	}

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)

	// The oldest record is gone entirely.
	_, err = q.Job(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Job(ctx, "c")
	assert.NoError(t, err)
}

func TestQueue_ClosedRejectsEverything(t *testing.T) {
	q, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, q.Close())
	_, err := q.Enqueue(ctx, payload("x"), EnqueueOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Claim(ctx, "w", time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Close(), ErrClosed)
}
