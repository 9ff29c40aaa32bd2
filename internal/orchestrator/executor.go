package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/internal/gate"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

// Executor performs the real trade for an approved signal. The signal id is
// the idempotency key: replaying the same signal must not act twice.
type Executor interface {
	Execute(ctx context.Context, sig backtest.Signal, dec gate.Decision) (*ExecutionOutcome, error)
}

// PaperExecutor simulates venue execution in memory. Repeat submissions of
// the same signal id return the original outcome unchanged.
type PaperExecutor struct {
	notional float64
	clk      clock.Clock
	log      zerolog.Logger

	mu     sync.Mutex
	seen   map[string]*ExecutionOutcome
	prices map[string]float64
}

// NewPaperExecutor builds an executor that fills every order on paper.
func NewPaperExecutor(notional float64, clk clock.Clock, log zerolog.Logger) *PaperExecutor {
	if notional <= 0 {
		notional = 1000
	}
	return &PaperExecutor{
		notional: notional,
		clk:      clk,
		log:      log.With().Str("component", "paper_executor").Logger(),
		seen:     make(map[string]*ExecutionOutcome),
		prices:   make(map[string]float64),
	}
}

// SetPrice records the reference price used to size paper fills.
func (e *PaperExecutor) SetPrice(instrument string, px float64) {
	e.mu.Lock()
	e.prices[instrument] = px
	e.mu.Unlock()
}

func (e *PaperExecutor) Execute(_ context.Context, sig backtest.Signal, _ gate.Decision) (*ExecutionOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prior, ok := e.seen[sig.ID]; ok {
		e.log.Warn().Str("signal_id", sig.ID).Msg("Duplicate signal, returning prior outcome")
		return prior, nil
	}

	out := &ExecutionOutcome{
		SignalID:     sig.ID,
		Accepted:     true,
		VenueOrderID: "paper-" + uuid.NewString()[:8],
		Detail:       "paper fill",
		Timestamp:    e.clk.UTCNow(),
	}
	if px := e.prices[sig.Instrument]; px > 0 {
		out.FillPrice = px
		out.FilledQty = e.notional / px
	}
	e.seen[sig.ID] = out

	e.log.Info().
		Str("signal_id", sig.ID).
		Str("instrument", sig.Instrument).
		Str("side", string(sig.Side)).
		Float64("qty", out.FilledQty).
		Msg("Paper execution")
	return out, nil
}

// Outcomes returns a copy of everything executed so far, in no particular
// order.
func (e *PaperExecutor) Outcomes() []*ExecutionOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ExecutionOutcome, 0, len(e.seen))
	for _, o := range e.seen {
		out = append(out, o)
	}
	return out
}
