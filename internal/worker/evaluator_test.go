package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/stratpipe/internal/candidate"
	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

type stubBars struct {
	bars []backtest.Bar
	err  error
}

func (s *stubBars) GetBars(context.Context, string, string, time.Time, time.Time) ([]backtest.Bar, error) {
	return s.bars, s.err
}

type stubBuilder struct {
	strat backtest.Strategy
	err   error
}

func (s *stubBuilder) Build(*candidate.Idea) (backtest.Strategy, error) { return s.strat, s.err }

// holdStrategy never trades; the replay still yields a report.
type holdStrategy struct{}

func (holdStrategy) GenerateSignals(backtest.Bar) []backtest.Signal { return nil }
func (holdStrategy) Exit(backtest.Bar, backtest.Position) string    { return "" }

// buyOnceStrategy enters on the first bar and then holds, leaving every
// exit to the engine's risk checks.
type buyOnceStrategy struct{ entered bool }

func (s *buyOnceStrategy) GenerateSignals(bar backtest.Bar) []backtest.Signal {
	if s.entered {
		return nil
	}
	s.entered = true
	return []backtest.Signal{{ID: "entry", Instrument: bar.Instrument, Side: backtest.SideBuy, Confidence: 1}}
}
func (s *buyOnceStrategy) Exit(backtest.Bar, backtest.Position) string { return "" }

type explodingStrategy struct{}

func (explodingStrategy) GenerateSignals(backtest.Bar) []backtest.Signal { panic("bad math") }
func (explodingStrategy) Exit(backtest.Bar, backtest.Position) string    { return "" }

func evalBars(n int) []backtest.Bar {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]backtest.Bar, n)
	for i := range bars {
		px := 100 + float64(i)*0.1
		bars[i] = backtest.Bar{
			Instrument: "BTCUSDT",
			Timestamp:  t0.Add(time.Duration(i) * time.Hour),
			Open:       px, High: px + 1, Low: px - 1, Close: px + 0.2,
			Volume: 500,
		}
	}
	return bars
}

func evalJob() *EvalJob {
	idea := candidate.New("sma-cross", candidate.CategoryTrendFollowing, []string{"BTCUSDT"}, "1h", time.Now())
	return &EvalJob{
		JobID:       "job-1",
		CandidateID: idea.ID,
		Candidate:   idea,
		Instrument:  "BTCUSDT",
		Timeframe:   "1h",
		WindowDays:  30,
		Engine:      backtest.DefaultConfig(),
	}
}

func newEvalClock() clock.Clock {
	return clock.NewSimClock(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
}

func TestEvaluator_Success(t *testing.T) {
	ev := NewEvaluator(&stubBars{bars: evalBars(48)}, &stubBuilder{strat: holdStrategy{}}, newEvalClock(), zerolog.Nop())

	var progress []float64
	res, err := ev.Process(context.Background(), evalJob(), func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Metrics)
	require.NotNil(t, res.Assessment)
	assert.Equal(t, 48, res.BarsProcessed)
	assert.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])
}

func TestEvaluator_NoBarsIsPermanent(t *testing.T) {
	ev := NewEvaluator(&stubBars{}, &stubBuilder{strat: holdStrategy{}}, newEvalClock(), zerolog.Nop())

	res, err := ev.Process(context.Background(), evalJob(), func(float64) {})
	assert.ErrorIs(t, err, ErrNoRetry)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no bars")
}

func TestEvaluator_FetchFailureIsRetryable(t *testing.T) {
	ev := NewEvaluator(&stubBars{err: errors.New("timeout")}, &stubBuilder{strat: holdStrategy{}}, newEvalClock(), zerolog.Nop())

	res, err := ev.Process(context.Background(), evalJob(), func(float64) {})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoRetry), "transport failures stay retryable")
	assert.False(t, res.Success)
}

func TestEvaluator_StrategyPanicIsPermanent(t *testing.T) {
	ev := NewEvaluator(&stubBars{bars: evalBars(10)}, &stubBuilder{strat: explodingStrategy{}}, newEvalClock(), zerolog.Nop())

	res, err := ev.Process(context.Background(), evalJob(), func(float64) {})
	assert.ErrorIs(t, err, ErrNoRetry)
	assert.Contains(t, res.Error, "strategy-error")
}

// dipAndRecoverBars sags 5% mid-series and comes back, so only a stop-loss
// exit realizes the dip.
func dipAndRecoverBars() []backtest.Bar {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	closes := []float64{100, 99, 98, 97, 96, 95, 96, 97, 98, 99, 100}
	bars := make([]backtest.Bar, len(closes))
	for i, px := range closes {
		bars[i] = backtest.Bar{
			Instrument: "BTCUSDT",
			Timestamp:  t0.Add(time.Duration(i) * time.Hour),
			Open:       px, High: px + 0.5, Low: px - 0.5, Close: px,
			Volume: 500,
		}
	}
	return bars
}

func TestEvaluator_CandidateRiskReachesReplay(t *testing.T) {
	run := func(stopLoss float64) *EvalResult {
		ev := NewEvaluator(&stubBars{bars: dipAndRecoverBars()}, &stubBuilder{strat: &buyOnceStrategy{}}, newEvalClock(), zerolog.Nop())
		job := evalJob()
		job.Candidate.Risk.StopLossPct = stopLoss
		res, err := ev.Process(context.Background(), job, func(float64) {})
		require.NoError(t, err)
		require.True(t, res.Success)
		return res
	}

	stopped := run(0.03)
	held := run(0)

	// Identical jobs apart from the candidate's risk bounds: the stop sells
	// into the dip, the unstopped run closes at the recovered price.
	assert.GreaterOrEqual(t, stopped.Metrics.LosingTrades, 1)
	assert.Less(t, stopped.Metrics.FinalCapital, held.Metrics.FinalCapital)
}

func TestEvaluator_MissingCandidate(t *testing.T) {
	ev := NewEvaluator(&stubBars{bars: evalBars(10)}, &stubBuilder{strat: holdStrategy{}}, newEvalClock(), zerolog.Nop())

	job := evalJob()
	job.Candidate = nil
	_, err := ev.Process(context.Background(), job, func(float64) {})
	assert.ErrorIs(t, err, ErrNoRetry)
}
