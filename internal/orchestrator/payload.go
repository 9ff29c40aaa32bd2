// Package orchestrator wires the trading cycle: context, theorize, evaluate,
// select, risk gate, execute, learn. Each node returns a partial state
// update; the pipeline engine owns sequencing, breakers and the halt flag.
package orchestrator

import (
	"time"

	"github.com/quantforge/stratpipe/internal/candidate"
	"github.com/quantforge/stratpipe/internal/gate"
	"github.com/quantforge/stratpipe/internal/worker"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

// MarketContext is the snapshot the context node feeds the rest of the cycle.
type MarketContext struct {
	Regime               string         `json:"regime"` // TRENDING_UP, TRENDING_DOWN, RANGING, VOLATILE
	Volatility           float64        `json:"volatility"`
	TrendStrength        float64        `json:"trend_strength"`
	GasPrice             float64        `json:"gas_price,omitempty"`
	PoolLiquidity        float64        `json:"pool_liquidity,omitempty"`
	ReportedBalance      float64        `json:"reported_balance,omitempty"`
	ReconstructedBalance float64        `json:"reconstructed_balance,omitempty"`
	Anomalies            []gate.Anomaly `json:"anomalies,omitempty"`
	AsOf                 time.Time      `json:"as_of"`
}

// ExecutionOutcome records what the venue executor did with a signal.
type ExecutionOutcome struct {
	SignalID     string    `json:"signal_id"`
	Accepted     bool      `json:"accepted"`
	VenueOrderID string    `json:"venue_order_id,omitempty"`
	FilledQty    float64   `json:"filled_qty,omitempty"`
	FillPrice    float64   `json:"fill_price,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Payload is the domain state carried through one cycle. Nodes never mutate
// it; each returns a partial holding only the fields it produced.
type Payload struct {
	Market     *MarketContext       `json:"market,omitempty"`
	Prices     map[string]float64   `json:"prices,omitempty"`
	Ideas      []*candidate.Idea    `json:"ideas,omitempty"`
	Results    []*worker.EvalResult `json:"results,omitempty"`
	Selected   *candidate.Idea      `json:"selected,omitempty"`
	Assessment *backtest.Assessment `json:"assessment,omitempty"`
	Signal     *backtest.Signal     `json:"signal,omitempty"`
	Decision   *gate.Decision       `json:"decision,omitempty"`
	Outcome    *ExecutionOutcome    `json:"outcome,omitempty"`
}

// Merge folds a partial payload into the base: defined fields replace,
// the price map merges element-wise with the partial winning conflicts.
func (p Payload) Merge(partial Payload) Payload {
	out := p

	if partial.Market != nil {
		out.Market = partial.Market
	}
	if len(partial.Prices) > 0 {
		merged := make(map[string]float64, len(p.Prices)+len(partial.Prices))
		for k, v := range p.Prices {
			merged[k] = v
		}
		for k, v := range partial.Prices {
			merged[k] = v
		}
		out.Prices = merged
	}
	if len(partial.Ideas) > 0 {
		out.Ideas = partial.Ideas
	}
	if len(partial.Results) > 0 {
		out.Results = partial.Results
	}
	if partial.Selected != nil {
		out.Selected = partial.Selected
	}
	if partial.Assessment != nil {
		out.Assessment = partial.Assessment
	}
	if partial.Signal != nil {
		out.Signal = partial.Signal
	}
	if partial.Decision != nil {
		out.Decision = partial.Decision
	}
	if partial.Outcome != nil {
		out.Outcome = partial.Outcome
	}
	return out
}
