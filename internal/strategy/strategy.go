// Package strategy turns candidate ideas into runnable backtest strategies.
// The built-in families cover the trend-following and mean-reversion
// categories; other categories need an external adapter.
package strategy

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/candidate"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

// Builder maps candidate categories to strategy implementations.
// Implements worker.StrategyBuilder.
type Builder struct {
	log zerolog.Logger
}

// NewBuilder creates the standard builder.
func NewBuilder(log zerolog.Logger) *Builder {
	return &Builder{log: log.With().Str("component", "strategy_builder").Logger()}
}

// Build constructs a fresh strategy instance for one replay. Parameters not
// present on the idea fall back to family defaults.
func (b *Builder) Build(idea *candidate.Idea) (backtest.Strategy, error) {
	switch idea.Category {
	case candidate.CategoryTrendFollowing:
		fast := intParam(idea.Parameters, "fast_period", 10)
		slow := intParam(idea.Parameters, "slow_period", 30)
		if fast >= slow {
			return nil, fmt.Errorf("strategy: fast period %d must be below slow period %d", fast, slow)
		}
		return NewSMACross(fast, slow), nil
	case candidate.CategoryMeanReversion:
		period := intParam(idea.Parameters, "rsi_period", 14)
		oversold := floatParam(idea.Parameters, "oversold", 30)
		overbought := floatParam(idea.Parameters, "overbought", 70)
		if oversold >= overbought {
			return nil, fmt.Errorf("strategy: oversold %.1f must be below overbought %.1f", oversold, overbought)
		}
		return NewRSIReversion(period, oversold, overbought), nil
	default:
		return nil, fmt.Errorf("strategy: no built-in family for category %q", idea.Category)
	}
}

func intParam(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

func floatParam(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

// series feeds a close history through a channel-based indicator and
// returns the computed values.
func series(prices []float64, compute func(<-chan float64) <-chan float64) []float64 {
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	var out []float64
	for v := range compute(in) {
		out = append(out, v)
	}
	return out
}

// SMACross goes long when the fast moving average crosses above the slow
// one and exits on the opposite cross.
type SMACross struct {
	fast, slow int
	closes     map[string][]float64
}

// NewSMACross builds a crossover strategy with the given periods.
func NewSMACross(fast, slow int) *SMACross {
	return &SMACross{fast: fast, slow: slow, closes: make(map[string][]float64)}
}

func (s *SMACross) GenerateSignals(bar backtest.Bar) []backtest.Signal {
	closes := append(s.closes[bar.Instrument], bar.Close)
	s.closes[bar.Instrument] = closes
	if len(closes) <= s.slow {
		return nil
	}

	fast := series(closes, trend.NewSmaWithPeriod[float64](s.fast).Compute)
	slow := series(closes, trend.NewSmaWithPeriod[float64](s.slow).Compute)
	if len(fast) < 2 || len(slow) < 2 {
		return nil
	}

	// Align tails: both series end at the current bar.
	fNow, fPrev := fast[len(fast)-1], fast[len(fast)-2]
	sNow, sPrev := slow[len(slow)-1], slow[len(slow)-2]

	id := fmt.Sprintf("sma-%s-%d", bar.Instrument, bar.Timestamp.Unix())
	switch {
	case fPrev <= sPrev && fNow > sNow:
		return []backtest.Signal{{
			ID: id, Instrument: bar.Instrument, Side: backtest.SideBuy,
			Confidence: 0.6, Reason: "fast SMA crossed above slow",
		}}
	case fPrev >= sPrev && fNow < sNow:
		return []backtest.Signal{{
			ID: id, Instrument: bar.Instrument, Side: backtest.SideSell,
			Confidence: 0.6, Reason: "fast SMA crossed below slow",
		}}
	}
	return nil
}

func (s *SMACross) Exit(backtest.Bar, backtest.Position) string { return "" }

// RSIReversion buys oversold bars and sells overbought ones.
type RSIReversion struct {
	period               int
	oversold, overbought float64
	closes               map[string][]float64
}

// NewRSIReversion builds a mean-reversion strategy on RSI bands.
func NewRSIReversion(period int, oversold, overbought float64) *RSIReversion {
	return &RSIReversion{
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		closes:     make(map[string][]float64),
	}
}

func (r *RSIReversion) GenerateSignals(bar backtest.Bar) []backtest.Signal {
	closes := append(r.closes[bar.Instrument], bar.Close)
	r.closes[bar.Instrument] = closes
	if len(closes) <= r.period {
		return nil
	}

	rsi := series(closes, momentum.NewRsiWithPeriod[float64](r.period).Compute)
	if len(rsi) == 0 {
		return nil
	}
	current := rsi[len(rsi)-1]

	id := fmt.Sprintf("rsi-%s-%d", bar.Instrument, bar.Timestamp.Unix())
	switch {
	case current < r.oversold:
		return []backtest.Signal{{
			ID: id, Instrument: bar.Instrument, Side: backtest.SideBuy,
			Confidence: (r.oversold - current) / r.oversold,
			Reason:     fmt.Sprintf("RSI %.1f oversold", current),
		}}
	case current > r.overbought:
		return []backtest.Signal{{
			ID: id, Instrument: bar.Instrument, Side: backtest.SideSell,
			Confidence: (current - r.overbought) / (100 - r.overbought),
			Reason:     fmt.Sprintf("RSI %.1f overbought", current),
		}}
	}
	return nil
}

func (r *RSIReversion) Exit(backtest.Bar, backtest.Position) string { return "" }
