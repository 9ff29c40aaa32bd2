package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/internal/gate"
	"github.com/quantforge/stratpipe/internal/marketdata"
	"github.com/quantforge/stratpipe/internal/worker"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

// Regime tags produced by the context node.
const (
	RegimeTrendingUp   = "TRENDING_UP"
	RegimeTrendingDown = "TRENDING_DOWN"
	RegimeRanging      = "RANGING"
	RegimeVolatile     = "VOLATILE"
)

// ContextSource produces the market snapshot that opens every cycle.
type ContextSource interface {
	Snapshot(ctx context.Context) (*MarketContext, map[string]float64, error)
}

// BarContextSource derives regime, volatility and trend strength from the
// recent bar history of the configured instruments.
type BarContextSource struct {
	bars        worker.BarSource
	instruments []string
	timeframe   string
	lookback    int
	clk         clock.Clock
	log         zerolog.Logger

	// AnomalyFunc optionally injects detector findings into the snapshot.
	AnomalyFunc func(ctx context.Context) []gate.Anomaly
}

// NewBarContextSource builds a source over the given bar provider. lookback
// is the number of recent bars inspected per instrument.
func NewBarContextSource(bars worker.BarSource, instruments []string, timeframe string, lookback int, clk clock.Clock, log zerolog.Logger) *BarContextSource {
	if lookback < 8 {
		lookback = 48
	}
	return &BarContextSource{
		bars:        bars,
		instruments: instruments,
		timeframe:   timeframe,
		lookback:    lookback,
		clk:         clk,
		log:         log.With().Str("component", "context_source").Logger(),
	}
}

// Snapshot inspects the tail of each instrument's history and classifies the
// aggregate regime.
func (s *BarContextSource) Snapshot(ctx context.Context) (*MarketContext, map[string]float64, error) {
	step, err := marketdata.ParseTimeframe(s.timeframe)
	if err != nil {
		return nil, nil, err
	}
	now := s.clk.UTCNow()
	start := now.Add(-time.Duration(s.lookback) * step)

	prices := make(map[string]float64, len(s.instruments))
	var volSum, trendSum float64
	var sampled int

	for _, inst := range s.instruments {
		bars, err := s.bars.GetBars(ctx, inst, s.timeframe, start, now)
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: context fetch %s: %w", inst, err)
		}
		if len(bars) < 2 {
			s.log.Warn().Str("instrument", inst).Msg("Too little history for context")
			continue
		}

		last := bars[len(bars)-1]
		prices[inst] = last.Close
		volSum += returnStddev(bars)
		trendSum += (last.Close - bars[0].Close) / bars[0].Close
		sampled++
	}
	if sampled == 0 {
		return nil, nil, fmt.Errorf("orchestrator: no instrument had usable history")
	}

	m := &MarketContext{
		Volatility:    volSum / float64(sampled),
		TrendStrength: trendSum / float64(sampled),
		AsOf:          now,
	}
	m.Regime = classifyRegime(m.Volatility, m.TrendStrength)
	if s.AnomalyFunc != nil {
		m.Anomalies = s.AnomalyFunc(ctx)
	}
	return m, prices, nil
}

// returnStddev is the standard deviation of per-bar close returns.
func returnStddev(bars []backtest.Bar) float64 {
	rets := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close != 0 {
			rets = append(rets, (bars[i].Close-bars[i-1].Close)/bars[i-1].Close)
		}
	}
	return stddev(rets)
}

func classifyRegime(vol, trend float64) string {
	switch {
	case vol > 0.05:
		return RegimeVolatile
	case trend > 0.03:
		return RegimeTrendingUp
	case trend < -0.03:
		return RegimeTrendingDown
	default:
		return RegimeRanging
	}
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
