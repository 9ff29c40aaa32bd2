package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/breaker"
	"github.com/quantforge/stratpipe/internal/bus"
	"github.com/quantforge/stratpipe/internal/candidate"
	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/internal/gate"
	"github.com/quantforge/stratpipe/internal/metrics"
	"github.com/quantforge/stratpipe/internal/pipeline"
	"github.com/quantforge/stratpipe/internal/store"
	"github.com/quantforge/stratpipe/internal/worker"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

// Step tags produced by the cycle nodes.
const (
	StepContextEmpty  = "CONTEXT_EMPTY"
	StepTheorizeEmpty = "THEORIZE_EMPTY"
	StepEvaluateEmpty = "EVALUATE_EMPTY"
	StepSelectEmpty   = "SELECT_EMPTY"
	StepRejected      = "REJECTED"
)

// JobSubmitter is the pool surface the evaluate node needs.
type JobSubmitter interface {
	AddBatch(ctx context.Context, jobs []*worker.EvalJob) error
}

// Config tunes one orchestrator instance.
type Config struct {
	Instruments   []string
	Timeframe     string
	WindowDays    int
	TradeNotional float64
	EvalTimeout   time.Duration
	Engine        backtest.Config
	Pipeline      pipeline.Options
}

// DefaultConfig returns the standard orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		Instruments:   []string{"BTCUSDT"},
		Timeframe:     "1h",
		WindowDays:    30,
		TradeNotional: 1000,
		EvalTimeout:   2 * time.Minute,
		Engine:        backtest.DefaultConfig(),
		Pipeline:      pipeline.DefaultOptions(),
	}
}

// Deps are the collaborators one orchestrator drives. Store and Bus may be
// nil; everything else is required.
type Deps struct {
	Source    ContextSource
	Theorizer Theorizer
	Jobs      JobSubmitter
	Collector *Collector
	Gate      *gate.Gate
	Executor  Executor
	Store     *store.Store
	Bus       *bus.Publisher
	Breakers  *breaker.Registry
	Clock     clock.Clock
}

func (d Deps) validate() error {
	switch {
	case d.Source == nil:
		return errors.New("orchestrator: context source required")
	case d.Theorizer == nil:
		return errors.New("orchestrator: theorizer required")
	case d.Jobs == nil:
		return errors.New("orchestrator: job submitter required")
	case d.Collector == nil:
		return errors.New("orchestrator: collector required")
	case d.Gate == nil:
		return errors.New("orchestrator: gate required")
	case d.Executor == nil:
		return errors.New("orchestrator: executor required")
	case d.Breakers == nil:
		return errors.New("orchestrator: breaker registry required")
	case d.Clock == nil:
		return errors.New("orchestrator: clock required")
	}
	return nil
}

// Orchestrator runs the trading cycle over the pipeline engine.
type Orchestrator struct {
	cfg    Config
	d      Deps
	engine *pipeline.Engine[Payload]
	log    zerolog.Logger
}

// New wires the node sequence and builds the engine. The breaker registry is
// shared with the gate so critical findings open the execute breaker.
func New(cfg Config, d Deps, log zerolog.Logger) (*Orchestrator, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if cfg.TradeNotional <= 0 {
		cfg.TradeNotional = DefaultConfig().TradeNotional
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultConfig().EvalTimeout
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultConfig().WindowDays
	}

	o := &Orchestrator{
		cfg: cfg,
		d:   d,
		log: log.With().Str("component", "orchestrator").Logger(),
	}

	steps := []pipeline.Step[Payload]{
		{
			Name: "context",
			Run:  o.contextStep,
			Fallback: func(pipeline.State[Payload]) pipeline.Partial[Payload] {
				return pipeline.Partial[Payload]{Step: StepContextEmpty}
			},
		},
		{
			Name: "theorize",
			Run:  o.theorizeStep,
			Fallback: func(pipeline.State[Payload]) pipeline.Partial[Payload] {
				return pipeline.Partial[Payload]{Step: StepTheorizeEmpty}
			},
		},
		{
			Name: "evaluate",
			Run:  o.evaluateStep,
			Fallback: func(pipeline.State[Payload]) pipeline.Partial[Payload] {
				return pipeline.Partial[Payload]{Step: StepEvaluateEmpty}
			},
		},
		{
			Name: "select",
			Run:  o.selectStep,
			Fallback: func(pipeline.State[Payload]) pipeline.Partial[Payload] {
				return pipeline.Partial[Payload]{Step: StepSelectEmpty}
			},
		},
		{Name: "risk_gate", Critical: true, Run: o.riskGateStep},
		{Name: pipeline.ExecuteBreaker, Critical: true, Run: o.executeStep},
		{
			Name: "learn",
			Run:  o.learnStep,
			Fallback: func(pipeline.State[Payload]) pipeline.Partial[Payload] {
				return pipeline.Partial[Payload]{Step: "learn"}
			},
		},
	}

	eng, err := pipeline.NewEngine(steps, d.Breakers, d.Clock, log, cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	if d.Bus != nil {
		eng.OnLifecycle(d.Bus.Lifecycle)
	}
	o.engine = eng
	return o, nil
}

func (o *Orchestrator) now() time.Time { return o.d.Clock.UTCNow() }

// Run drives cycles at the configured interval until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.engine.Run(ctx, func() Payload { return Payload{} })
}

// RunCycle drives a single cycle. Exposed for tests and one-shot runs.
func (o *Orchestrator) RunCycle(ctx context.Context) (pipeline.State[Payload], error) {
	return o.engine.RunCycle(ctx, Payload{})
}

// SetEmergencyHalt flips the halt flag; critical nodes are skipped while set.
func (o *Orchestrator) SetEmergencyHalt(on bool) { o.engine.SetEmergencyHalt(on) }

// EmergencyHalted reports the halt flag.
func (o *Orchestrator) EmergencyHalted() bool { return o.engine.EmergencyHalted() }

// ConsecutiveErrors reports the failed-cycle run length.
func (o *Orchestrator) ConsecutiveErrors() int { return o.engine.ConsecutiveErrors() }

func (o *Orchestrator) contextStep(ctx context.Context, _ pipeline.State[Payload]) (pipeline.Partial[Payload], error) {
	var p pipeline.Partial[Payload]
	m, prices, err := o.d.Source.Snapshot(ctx)
	if err != nil {
		return p, err
	}
	p.Payload = &Payload{Market: m, Prices: prices}
	p.AddThought(o.now(), fmt.Sprintf("context: regime %s, volatility %.4f, %d instruments", m.Regime, m.Volatility, len(prices)))
	return p, nil
}

func (o *Orchestrator) theorizeStep(ctx context.Context, s pipeline.State[Payload]) (pipeline.Partial[Payload], error) {
	var p pipeline.Partial[Payload]
	ideas := o.d.Theorizer.Theorize(ctx, s.Payload.Market, o.now())
	if len(ideas) == 0 {
		p.Step = StepTheorizeEmpty
		p.Done = true
		p.AddThought(o.now(), "theorize: no candidates for current context")
		return p, nil
	}
	p.Payload = &Payload{Ideas: ideas}
	p.AddThought(o.now(), fmt.Sprintf("theorize: %d candidate ideas", len(ideas)))
	return p, nil
}

func (o *Orchestrator) evaluateStep(ctx context.Context, s pipeline.State[Payload]) (pipeline.Partial[Payload], error) {
	var p pipeline.Partial[Payload]
	ideas := s.Payload.Ideas
	if len(ideas) == 0 {
		p.Step = StepEvaluateEmpty
		p.Done = true
		p.AddThought(o.now(), "evaluate: nothing to evaluate")
		return p, nil
	}

	jobs := make([]*worker.EvalJob, 0, len(ideas))
	for _, idea := range ideas {
		idea.SetStatus(candidate.StatusQueued, o.now())
		jobs = append(jobs, &worker.EvalJob{
			JobID:       uuid.NewString(),
			CandidateID: idea.ID,
			Candidate:   idea,
			Instrument:  idea.Instruments[0],
			Timeframe:   idea.Timeframe,
			WindowDays:  o.cfg.WindowDays,
			Engine:      o.cfg.Engine,
			Priority:    int(idea.Confidence * 10),
		})
	}

	waits := make(map[string]<-chan *worker.EvalResult, len(jobs))
	for _, j := range jobs {
		waits[j.JobID] = o.d.Collector.Expect(j.JobID)
	}
	defer func() {
		for id := range waits {
			o.d.Collector.Forget(id)
		}
	}()

	if err := o.d.Jobs.AddBatch(ctx, jobs); err != nil {
		return p, err
	}

	deadline := time.After(o.cfg.EvalTimeout)
	var results []*worker.EvalResult
	pending := len(jobs)

collect:
	for _, j := range jobs {
		select {
		case res := <-waits[j.JobID]:
			results = append(results, res)
			pending--
		case <-deadline:
			break collect
		case <-ctx.Done():
			return p, ctx.Err()
		}
	}

	if pending > 0 {
		p.AddWarning(o.now(), fmt.Sprintf("evaluate: %d of %d jobs still pending at deadline", pending, len(jobs)))
	}
	if len(results) == 0 {
		p.Step = StepEvaluateEmpty
		p.Done = true
		p.AddThought(o.now(), "evaluate: no results before deadline")
		return p, nil
	}

	p.Payload = &Payload{Results: results}
	p.AddThought(o.now(), fmt.Sprintf("evaluate: %d results collected", len(results)))
	return p, nil
}

func (o *Orchestrator) selectStep(_ context.Context, s pipeline.State[Payload]) (pipeline.Partial[Payload], error) {
	var p pipeline.Partial[Payload]
	now := o.now()

	byCandidate := make(map[string]*worker.EvalResult, len(s.Payload.Results))
	var best *worker.EvalResult
	for _, r := range s.Payload.Results {
		byCandidate[r.CandidateID] = r
		if !r.Success || r.Assessment == nil || !r.Assessment.Viable {
			continue
		}
		if best == nil || betterResult(r, best) {
			best = r
		}
	}

	for _, idea := range s.Payload.Ideas {
		switch r := byCandidate[idea.ID]; {
		case r == nil:
			idea.SetStatus(candidate.StatusFailed, now)
		case r.Success:
			idea.SetStatus(candidate.StatusCompleted, now)
		default:
			idea.SetStatus(candidate.StatusFailed, now)
		}
	}

	if best == nil {
		p.Step = StepSelectEmpty
		p.Done = true
		p.AddThought(now, "select: no viable candidate")
		return p, nil
	}

	selected := findIdea(s.Payload.Ideas, best.CandidateID)
	if selected == nil {
		return p, fmt.Errorf("orchestrator: result %s references unknown candidate %s", best.JobID, best.CandidateID)
	}

	sig := &backtest.Signal{
		ID:         s.CycleID + "-" + best.CandidateID,
		Instrument: best.Instrument,
		Side:       backtest.SideBuy,
		Confidence: float64(best.Assessment.Score) / 7,
		Reason:     fmt.Sprintf("activate %s (tier %s)", selected.Name, best.Assessment.Tier),
	}
	p.Payload = &Payload{Selected: selected, Assessment: best.Assessment, Signal: sig}
	p.AddThought(now, fmt.Sprintf("select: %s tier %s score %d", selected.Name, best.Assessment.Tier, best.Assessment.Score))
	return p, nil
}

func betterResult(a, b *worker.EvalResult) bool {
	if a.Assessment.Score != b.Assessment.Score {
		return a.Assessment.Score > b.Assessment.Score
	}
	if a.Metrics == nil || b.Metrics == nil {
		return a.Metrics != nil
	}
	return a.Metrics.SharpeRatio > b.Metrics.SharpeRatio
}

func findIdea(ideas []*candidate.Idea, id string) *candidate.Idea {
	for _, idea := range ideas {
		if idea.ID == id {
			return idea
		}
	}
	return nil
}

func (o *Orchestrator) riskGateStep(ctx context.Context, s pipeline.State[Payload]) (pipeline.Partial[Payload], error) {
	var p pipeline.Partial[Payload]
	now := o.now()

	if s.Payload.Signal == nil {
		p.Step = StepSelectEmpty
		p.Done = true
		p.AddThought(now, "risk gate: nothing selected, nothing to approve")
		return p, nil
	}

	in := gate.Input{
		TradeValue:           o.cfg.TradeNotional,
		EstimatedSlippageBps: o.cfg.Engine.SlippageBps,
	}
	if m := s.Payload.Market; m != nil {
		in.GasPrice = m.GasPrice
		in.PoolLiquidity = m.PoolLiquidity
		in.Anomalies = m.Anomalies
		in.ReportedBalance = m.ReportedBalance
		in.ReconstructedBalance = m.ReconstructedBalance
	}

	dec := o.d.Gate.Evaluate(ctx, in)
	p.Payload = &Payload{Decision: &dec}

	if !dec.Approved {
		p.Step = StepRejected
		p.Done = true
		for _, w := range dec.Warnings {
			p.AddWarning(now, w)
		}
		if dec.IsPaused {
			p.AddError(now, "risk gate paused pipeline: "+dec.PauseReason)
		}
		p.AddThought(now, fmt.Sprintf("risk gate: rejected signal %s", s.Payload.Signal.ID))
		return p, nil
	}

	p.AddThought(now, fmt.Sprintf("risk gate: approved signal %s (%d checks)", s.Payload.Signal.ID, len(dec.Checks)))
	return p, nil
}

func (o *Orchestrator) executeStep(ctx context.Context, s pipeline.State[Payload]) (pipeline.Partial[Payload], error) {
	var p pipeline.Partial[Payload]
	sig, dec := s.Payload.Signal, s.Payload.Decision
	if sig == nil || dec == nil {
		return p, errors.New("orchestrator: execute reached without signal and decision")
	}

	out, err := o.d.Executor.Execute(ctx, *sig, *dec)
	if err != nil {
		metrics.RecordVenueError(err)
		return p, fmt.Errorf("orchestrator: venue execute: %w", err)
	}
	metrics.RecordExecution(out.Accepted)
	p.Payload = &Payload{Outcome: out}

	if err := o.d.Gate.RecordRebalance(ctx); err != nil {
		p.AddWarning(o.now(), fmt.Sprintf("execute: rebalance counter update failed: %v", err))
	}
	p.AddThought(o.now(), fmt.Sprintf("execute: %s accepted=%t order=%s", sig.ID, out.Accepted, out.VenueOrderID))
	return p, nil
}

func (o *Orchestrator) learnStep(ctx context.Context, s pipeline.State[Payload]) (pipeline.Partial[Payload], error) {
	var p pipeline.Partial[Payload]
	now := o.now()

	sel, a := s.Payload.Selected, s.Payload.Assessment
	if sel == nil || a == nil {
		p.AddThought(now, "learn: nothing to record")
		return p, nil
	}

	if o.d.Store != nil {
		var perf json.RawMessage
		if r := findResult(s.Payload.Results, sel.ID); r != nil && r.Metrics != nil {
			perf, _ = json.Marshal(r.Metrics)
		}
		rec := &store.StrategyRecord{
			StrategyID:     sel.ID,
			Name:           sel.Name,
			Category:       string(sel.Category),
			Status:         string(sel.Status),
			Tier:           string(a.Tier),
			ShouldActivate: a.ShouldActivate,
			Performance:    perf,
			UpdatedAt:      now,
		}
		if err := o.d.Store.UpsertStrategy(ctx, rec); err != nil {
			return p, fmt.Errorf("orchestrator: strategy upsert: %w", err)
		}
	}

	p.AddThought(now, fmt.Sprintf("learn: recorded %s tier %s activate=%t", sel.Name, a.Tier, a.ShouldActivate))
	return p, nil
}

func findResult(results []*worker.EvalResult, candidateID string) *worker.EvalResult {
	for _, r := range results {
		if r.CandidateID == candidateID {
			return r
		}
	}
	return nil
}
