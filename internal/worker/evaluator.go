package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/candidate"
	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

// Evaluator is the standard Processor: fetch bars, build the strategy,
// replay through the backtest engine.
type Evaluator struct {
	bars       BarSource
	strategies StrategyBuilder
	clk        clock.Clock
	log        zerolog.Logger
}

// NewEvaluator wires a processor over a bar source and strategy builder.
func NewEvaluator(bars BarSource, strategies StrategyBuilder, clk clock.Clock, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		bars:       bars,
		strategies: strategies,
		clk:        clk,
		log:        log.With().Str("component", "evaluator").Logger(),
	}
}

// mergeRisk overlays a candidate's risk bounds on the engine settings so a
// replay honors the idea's own stops and sizing. Zero-valued candidate
// fields keep the base setting.
func mergeRisk(base backtest.RiskParams, c candidate.RiskParams) backtest.RiskParams {
	if c.MaxPositionFrac > 0 {
		base.MaxPositionFrac = c.MaxPositionFrac
	}
	if c.StopLossPct > 0 {
		base.StopLossPct = c.StopLossPct
	}
	if c.TakeProfitPct > 0 {
		base.TakeProfitPct = c.TakeProfitPct
	}
	if c.MaxLeverage > 0 {
		base.MaxLeverage = c.MaxLeverage
	}
	return base
}

// Process runs one evaluation attempt. Strategy failures and empty data
// windows come back wrapped in ErrNoRetry; transport failures are returned
// plain so the queue retries them.
func (e *Evaluator) Process(ctx context.Context, job *EvalJob, progress func(float64)) (*EvalResult, error) {
	started := time.Now()
	res := &EvalResult{
		JobID:       job.JobID,
		CandidateID: job.CandidateID,
		Instrument:  job.Instrument,
		Timestamp:   e.clk.UTCNow(),
	}
	fail := func(err error) (*EvalResult, error) {
		res.Success = false
		res.Error = err.Error()
		res.ProcessingTimeMs = time.Since(started).Milliseconds()
		return res, err
	}

	if job.Candidate == nil {
		return fail(fmt.Errorf("%w: job %s carries no candidate", ErrNoRetry, job.JobID))
	}
	if job.WindowDays <= 0 {
		job.WindowDays = 30
	}
	progress(0.05)

	end := e.clk.UTCNow()
	start := end.AddDate(0, 0, -job.WindowDays)
	bars, err := e.bars.GetBars(ctx, job.Instrument, job.Timeframe, start, end)
	if err != nil {
		return fail(fmt.Errorf("fetch bars %s %s: %w", job.Instrument, job.Timeframe, err))
	}
	if len(bars) == 0 {
		return fail(fmt.Errorf("%w: no bars for %s %s in window", ErrNoRetry, job.Instrument, job.Timeframe))
	}
	progress(0.25)

	strat, err := e.strategies.Build(job.Candidate)
	if err != nil {
		return fail(fmt.Errorf("%w: build strategy %s: %v", ErrNoRetry, job.CandidateID, err))
	}

	cfg := job.Engine
	if cfg.InitialCapital <= 0 {
		cfg = backtest.DefaultConfig()
	}
	cfg.Risk = mergeRisk(cfg.Risk, job.Candidate.Risk)
	eng, err := backtest.NewEngine(cfg, e.log)
	if err != nil {
		return fail(fmt.Errorf("%w: engine config: %v", ErrNoRetry, err))
	}
	progress(0.35)

	report, err := eng.Run(ctx, strat, bars)
	if err != nil {
		if errors.Is(err, backtest.ErrStrategy) {
			return fail(fmt.Errorf("%w: strategy-error: %v", ErrNoRetry, err))
		}
		return fail(fmt.Errorf("replay: %w", err))
	}
	progress(0.95)

	res.Success = true
	res.Metrics = &report.Metrics
	res.Assessment = &report.Assessment
	res.BarsProcessed = report.BarsProcessed
	res.ProcessingTimeMs = time.Since(started).Milliseconds()

	e.log.Debug().
		Str("job_id", job.JobID).
		Str("candidate_id", job.CandidateID).
		Str("tier", string(report.Assessment.Tier)).
		Int64("processing_ms", res.ProcessingTimeMs).
		Msg("Evaluation complete")
	progress(1)
	return res, nil
}
