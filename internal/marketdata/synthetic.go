package marketdata

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/quantforge/stratpipe/pkg/backtest"
)

// SyntheticProvider generates deterministic candle series without touching a
// venue. The same instrument, timeframe and window always produce the same
// bars. Implements worker.BarSource.
type SyntheticProvider struct {
	// BasePrice anchors the series; defaults to 100.
	BasePrice float64
	// Volatility scales per-bar moves; defaults to 0.02.
	Volatility float64
}

// NewSyntheticProvider builds a generator with the default tuning.
func NewSyntheticProvider() *SyntheticProvider {
	return &SyntheticProvider{BasePrice: 100, Volatility: 0.02}
}

// GetBars generates one bar per timeframe interval across [start, end).
func (p *SyntheticProvider) GetBars(_ context.Context, instrument, timeframe string, start, end time.Time) ([]backtest.Bar, error) {
	step, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, nil
	}

	base := p.BasePrice
	if base <= 0 {
		base = 100
	}
	vol := p.Volatility
	if vol <= 0 {
		vol = 0.02
	}

	// Seed on the instrument and window start so replays are repeatable.
	h := fnv.New64a()
	h.Write([]byte(instrument))
	h.Write([]byte(timeframe))
	rng := rand.New(rand.NewSource(int64(h.Sum64()) ^ start.Unix()))

	var bars []backtest.Bar
	price := base * (0.8 + 0.4*rng.Float64())
	drift := (rng.Float64() - 0.5) * vol / 4

	for ts := start.Truncate(step); ts.Before(end); ts = ts.Add(step) {
		move := drift + rng.NormFloat64()*vol
		open := price
		close := open * (1 + move)
		high := math.Max(open, close) * (1 + rng.Float64()*vol/2)
		low := math.Min(open, close) * (1 - rng.Float64()*vol/2)

		bars = append(bars, backtest.Bar{
			Instrument: instrument,
			Timestamp:  ts.UTC(),
			Open:       open,
			High:       high,
			Low:        low,
			Close:      close,
			Volume:     500 + rng.Float64()*1500,
		})
		price = close
	}
	return bars, nil
}

// ParseTimeframe converts venue-style timeframes like "1m", "4h", "1d" into
// durations.
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("marketdata: bad timeframe %q", tf)
	}
	unit := tf[len(tf)-1:]
	n, err := strconv.Atoi(strings.TrimSuffix(tf, unit))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("marketdata: bad timeframe %q", tf)
	}

	switch unit {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("marketdata: bad timeframe unit %q", tf)
	}
}
