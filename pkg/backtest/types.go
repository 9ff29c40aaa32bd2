// Package backtest provides a deterministic historical replay engine driven
// by a virtual clock, with simulated fills, slippage and commission.
package backtest

import (
	"errors"
	"time"
)

// Replay validation errors.
var (
	ErrNoBars      = errors.New("backtest: no bars provided")
	ErrBarOrder    = errors.New("backtest: bars are not time-sorted")
	ErrStrategy    = errors.New("backtest: strategy-error")
	ErrBadConfig   = errors.New("backtest: invalid engine config")
	ErrNoLastPrice = errors.New("backtest: no observed price for instrument")
)

// Bar represents one OHLCV market observation for an instrument.
// Within a replay, timestamps are strictly monotonic non-decreasing.
type Bar struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	BidPrice   float64   `json:"bid_price,omitempty"`
	AskPrice   float64   `json:"ask_price,omitempty"`
	BidSize    float64   `json:"bid_size,omitempty"`
	AskSize    float64   `json:"ask_size,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// Side of a signal or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideHold Side = "HOLD"
)

// Signal is a strategy's desired action for the current bar.
type Signal struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Position is an open holding during a replay.
type Position struct {
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"` // LONG or SHORT
	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	MarkPrice  float64   `json:"mark_price"`
	Commission float64   `json:"commission"`
}

// Trade records a single simulated fill.
type Trade struct {
	ID         int       `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	Value      float64   `json:"value"`
	Reason     string    `json:"reason,omitempty"`
}

// ClosedPosition records a completed round trip with realized P&L.
type ClosedPosition struct {
	Instrument  string        `json:"instrument"`
	Side        string        `json:"side"`
	EntryTime   time.Time     `json:"entry_time"`
	ExitTime    time.Time     `json:"exit_time"`
	EntryPrice  float64       `json:"entry_price"`
	ExitPrice   float64       `json:"exit_price"`
	Quantity    float64       `json:"quantity"`
	RealizedPL  float64       `json:"realized_pl"`
	ReturnPct   float64       `json:"return_pct"`
	HoldingTime time.Duration `json:"holding_time"`
	Commission  float64       `json:"commission"`
	ExitReason  string        `json:"exit_reason,omitempty"`
}

// EquityPoint is a sample of portfolio equity during the replay.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
	Holdings  float64   `json:"holdings"`
}

// FillModel selects how desired orders convert into simulated fills.
type FillModel string

const (
	// FillStandard fills at the bar close adjusted by slippage toward the
	// adverse side.
	FillStandard FillModel = "STANDARD"
	// FillPessimistic fills at the adverse bar extreme (high for buys, low
	// for sells) plus slippage.
	FillPessimistic FillModel = "PESSIMISTIC"
	// FillOptimistic fills at the bar close with no slippage.
	FillOptimistic FillModel = "OPTIMISTIC"
)

// RiskParams bound position sizing and exits during a replay.
type RiskParams struct {
	MaxPositionFrac float64 `json:"max_position_frac"` // fraction of equity per position
	StopLossPct     float64 `json:"stop_loss_pct"`     // e.g. 0.02 for 2%
	TakeProfitPct   float64 `json:"take_profit_pct"`   // e.g. 0.05 for 5%
	MaxLeverage     float64 `json:"max_leverage"`
}

// Config holds engine configuration for one replay.
type Config struct {
	InitialCapital float64    `json:"initial_capital"`
	FillModel      FillModel  `json:"fill_model"`
	CommissionRate float64    `json:"commission_rate"` // e.g. 0.0005 for 5 bps
	SlippageBps    float64    `json:"slippage_bps"`
	LatencyMs      int64      `json:"latency_ms"`
	RandomSeed     int64      `json:"random_seed,omitempty"`
	Risk           RiskParams `json:"risk"`
}

// DefaultConfig returns the engine defaults used when a job omits settings.
func DefaultConfig() Config {
	return Config{
		InitialCapital: 10000,
		FillModel:      FillStandard,
		CommissionRate: 0.0005,
		SlippageBps:    5,
		Risk: RiskParams{
			MaxPositionFrac: 0.95,
			MaxLeverage:     1,
		},
	}
}

// Strategy is the adapter the engine replays bars against. Implementations
// must be pure functions of their own state and the bar; no I/O.
type Strategy interface {
	// GenerateSignals returns the strategy's desired actions for this bar.
	GenerateSignals(bar Bar) []Signal
	// Exit returns a reason to close the position at this bar, or "" to hold.
	Exit(bar Bar, pos Position) string
}
