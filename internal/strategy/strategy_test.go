package strategy

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/stratpipe/internal/candidate"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

func bar(i int, close float64) backtest.Bar {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return backtest.Bar{
		Instrument: "BTCUSDT",
		Timestamp:  t0.Add(time.Duration(i) * time.Hour),
		Open:       close, High: close + 1, Low: close - 1, Close: close,
		Volume: 100,
	}
}

func TestBuilder_Categories(t *testing.T) {
	b := NewBuilder(zerolog.Nop())
	now := time.Now()

	trendIdea := candidate.New("sma", candidate.CategoryTrendFollowing, []string{"BTCUSDT"}, "1h", now)
	s, err := b.Build(trendIdea)
	require.NoError(t, err)
	assert.IsType(t, &SMACross{}, s)

	mrIdea := candidate.New("rsi", candidate.CategoryMeanReversion, []string{"BTCUSDT"}, "1h", now)
	s, err = b.Build(mrIdea)
	require.NoError(t, err)
	assert.IsType(t, &RSIReversion{}, s)

	mmIdea := candidate.New("mm", candidate.CategoryMarketMaking, []string{"BTCUSDT"}, "1h", now)
	_, err = b.Build(mmIdea)
	assert.Error(t, err, "no built-in market maker")
}

func TestBuilder_RejectsBadParameters(t *testing.T) {
	b := NewBuilder(zerolog.Nop())
	now := time.Now()

	idea := candidate.New("sma", candidate.CategoryTrendFollowing, []string{"BTCUSDT"}, "1h", now)
	idea.Parameters = map[string]float64{"fast_period": 30, "slow_period": 10}
	_, err := b.Build(idea)
	assert.Error(t, err)

	idea = candidate.New("rsi", candidate.CategoryMeanReversion, []string{"BTCUSDT"}, "1h", now)
	idea.Parameters = map[string]float64{"oversold": 80, "overbought": 20}
	_, err = b.Build(idea)
	assert.Error(t, err)
}

func TestSMACross_SignalsOnCrossover(t *testing.T) {
	s := NewSMACross(2, 4)

	// Flat, then a sharp rise forces the fast average through the slow one.
	closes := []float64{100, 100, 100, 100, 100, 108, 116, 124}
	var signals []backtest.Signal
	for i, c := range closes {
		signals = append(signals, s.GenerateSignals(bar(i, c))...)
	}
	require.NotEmpty(t, signals)
	assert.Equal(t, backtest.SideBuy, signals[0].Side)

	// A sharp decline crosses back down.
	for i, c := range []float64{110, 96, 82, 68} {
		signals = append(signals, s.GenerateSignals(bar(len(closes)+i, c))...)
	}
	last := signals[len(signals)-1]
	assert.Equal(t, backtest.SideSell, last.Side)
}

func TestSMACross_NoSignalDuringWarmup(t *testing.T) {
	s := NewSMACross(2, 4)
	for i := 0; i < 4; i++ {
		assert.Empty(t, s.GenerateSignals(bar(i, 100+float64(i)*10)))
	}
}

func TestRSIReversion_BuysOversold(t *testing.T) {
	s := NewRSIReversion(5, 30, 70)

	// Relentless decline drives RSI to the floor.
	price := 100.0
	var signals []backtest.Signal
	for i := 0; i < 12; i++ {
		signals = append(signals, s.GenerateSignals(bar(i, price))...)
		price -= 2
	}
	require.NotEmpty(t, signals)
	assert.Equal(t, backtest.SideBuy, signals[0].Side)
	assert.Contains(t, signals[0].Reason, "oversold")
	assert.Greater(t, signals[0].Confidence, 0.0)
}

func TestRSIReversion_SellsOverbought(t *testing.T) {
	s := NewRSIReversion(5, 30, 70)

	price := 100.0
	var signals []backtest.Signal
	for i := 0; i < 12; i++ {
		signals = append(signals, s.GenerateSignals(bar(i, price))...)
		price += 2
	}
	require.NotEmpty(t, signals)
	assert.Equal(t, backtest.SideSell, signals[0].Side)
}

func TestStrategies_DeterministicAcrossRuns(t *testing.T) {
	run := func() []backtest.Signal {
		s := NewSMACross(2, 4)
		var out []backtest.Signal
		closes := []float64{100, 100, 100, 100, 100, 108, 116, 124, 110, 96, 82}
		for i, c := range closes {
			out = append(out, s.GenerateSignals(bar(i, c))...)
		}
		return out
	}
	assert.Equal(t, run(), run())
}
