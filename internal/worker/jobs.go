// Package worker runs evaluation jobs claimed from the durable queue: it
// fetches the historical window, replays the candidate through the backtest
// engine, and publishes the result. A pool supervisor owns the workers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantforge/stratpipe/internal/candidate"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

// ErrNoRetry wraps failures that must not be retried, such as strategy
// errors and empty data windows.
var ErrNoRetry = errors.New("worker: permanent failure")

// EvalJob is the payload of one evaluation: a candidate, the window to
// replay, and the engine configuration.
type EvalJob struct {
	JobID       string          `json:"job_id"`
	CandidateID string          `json:"candidate_id"`
	Candidate   *candidate.Idea `json:"candidate"`
	Instrument  string          `json:"instrument"`
	Timeframe   string          `json:"timeframe"`
	WindowDays  int             `json:"window_days"`
	Engine      backtest.Config `json:"engine"`
	Priority    int             `json:"priority"`
}

// EvalResult is the outcome of one attempt, keyed by (job id, attempt) so
// duplicate deliveries are detectable downstream.
type EvalResult struct {
	JobID            string               `json:"job_id"`
	CandidateID      string               `json:"candidate_id"`
	Instrument       string               `json:"instrument"`
	Attempt          int                  `json:"attempt"`
	Success          bool                 `json:"success"`
	Metrics          *backtest.Metrics    `json:"metrics,omitempty"`
	Assessment       *backtest.Assessment `json:"assessment,omitempty"`
	Error            string               `json:"error,omitempty"`
	ProcessingTimeMs int64                `json:"processing_time_ms"`
	BarsProcessed    int                  `json:"bars_processed"`
	Timestamp        time.Time            `json:"timestamp"`
}

// EncodeJob serializes a job for the queue.
func EncodeJob(j *EvalJob) (json.RawMessage, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("worker: encode job: %w", err)
	}
	return raw, nil
}

// DecodeJob deserializes a queue payload.
func DecodeJob(raw json.RawMessage) (*EvalJob, error) {
	var j EvalJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("worker: decode job: %w", err)
	}
	return &j, nil
}

// BarSource supplies the historical window for a replay. An empty slice
// means no data.
type BarSource interface {
	GetBars(ctx context.Context, instrument, timeframe string, start, end time.Time) ([]backtest.Bar, error)
}

// StrategyBuilder turns a candidate idea into a runnable strategy.
type StrategyBuilder interface {
	Build(idea *candidate.Idea) (backtest.Strategy, error)
}

// Processor runs one evaluation attempt. Progress is reported in [0,1].
type Processor interface {
	Process(ctx context.Context, job *EvalJob, progress func(float64)) (*EvalResult, error)
}
