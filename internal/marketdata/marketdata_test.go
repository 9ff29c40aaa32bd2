package marketdata

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeKline(openTime int64, close float64) *binance.Kline {
	return &binance.Kline{
		OpenTime: openTime,
		Open:     fmt.Sprintf("%.2f", close-0.5),
		High:     fmt.Sprintf("%.2f", close+1),
		Low:      fmt.Sprintf("%.2f", close-1),
		Close:    fmt.Sprintf("%.2f", close),
		Volume:   "1000",
	}
}

func testProvider(fetch klineFetcher) *BinanceProvider {
	return newBinanceProvider(BinanceConfig{
		RateLimit: 1000,
		Retry: RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
	}, fetch, zerolog.Nop())
}

func TestBinanceProvider_PaginatesThroughWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hour := time.Hour.Milliseconds()

	var calls int
	fetch := func(_ context.Context, symbol, interval string, from, to int64, limit int) ([]*binance.Kline, error) {
		calls++
		assert.Equal(t, "BTCUSDT", symbol)
		assert.Equal(t, "1h", interval)

		// First call returns a full page, second a partial one.
		if calls == 1 {
			page := make([]*binance.Kline, limit)
			for i := range page {
				page[i] = fakeKline(from+int64(i)*hour, 100+float64(i))
			}
			return page, nil
		}
		return []*binance.Kline{fakeKline(from, 50)}, nil
	}

	p := testProvider(fetch)
	bars, err := p.GetBars(context.Background(), "BTCUSDT", "1h",
		start, start.Add(2000*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, bars, klinePageLimit+1)
	assert.Equal(t, start, bars[0].Timestamp)
	assert.Equal(t, 100.0, bars[0].Close)
	assert.True(t, bars[1].Timestamp.After(bars[0].Timestamp))
}

func TestBinanceProvider_RetriesTransientErrors(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var calls int
	fetch := func(_ context.Context, _, _ string, from, _ int64, _ int) ([]*binance.Kline, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("read tcp: connection reset by peer")
		}
		return []*binance.Kline{fakeKline(from, 100)}, nil
	}

	p := testProvider(fetch)
	bars, err := p.GetBars(context.Background(), "ETHUSDT", "1h", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, bars, 1)
}

func TestBinanceProvider_PermanentErrorFailsFast(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var calls int
	fetch := func(context.Context, string, string, int64, int64, int) ([]*binance.Kline, error) {
		calls++
		return nil, errors.New("invalid symbol")
	}

	p := testProvider(fetch)
	_, err := p.GetBars(context.Background(), "NOPE", "1h", start, start.Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestBinanceProvider_RejectsMalformedPrices(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fetch := func(_ context.Context, _, _ string, from, _ int64, _ int) ([]*binance.Kline, error) {
		k := fakeKline(from, 100)
		k.Close = "not-a-number"
		return []*binance.Kline{k}, nil
	}

	p := testProvider(fetch)
	_, err := p.GetBars(context.Background(), "BTCUSDT", "1h", start, start.Add(time.Hour))
	assert.ErrorContains(t, err, "bad close")
}

func TestBinanceProvider_EmptyWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fetch := func(context.Context, string, string, int64, int64, int) ([]*binance.Kline, error) {
		return nil, nil
	}

	p := testProvider(fetch)
	bars, err := p.GetBars(context.Background(), "BTCUSDT", "1h", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestSyntheticProvider_Deterministic(t *testing.T) {
	p := NewSyntheticProvider()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	a, err := p.GetBars(context.Background(), "BTCUSDT", "1h", start, end)
	require.NoError(t, err)
	b, err := p.GetBars(context.Background(), "BTCUSDT", "1h", start, end)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 48)

	other, err := p.GetBars(context.Background(), "ETHUSDT", "1h", start, end)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Close, other[0].Close, "different instruments diverge")
}

func TestSyntheticProvider_BarsAreCoherent(t *testing.T) {
	p := NewSyntheticProvider()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	bars, err := p.GetBars(context.Background(), "BTCUSDT", "4h", start, start.Add(10*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 60)

	for i, b := range bars {
		assert.GreaterOrEqual(t, b.High, b.Open)
		assert.GreaterOrEqual(t, b.High, b.Close)
		assert.LessOrEqual(t, b.Low, b.Open)
		assert.LessOrEqual(t, b.Low, b.Close)
		assert.Positive(t, b.Volume)
		if i > 0 {
			assert.Equal(t, 4*time.Hour, b.Timestamp.Sub(bars[i-1].Timestamp))
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for tf, want := range cases {
		got, err := ParseTimeframe(tf)
		require.NoError(t, err, tf)
		assert.Equal(t, want, got, tf)
	}

	for _, tf := range []string{"", "h", "0m", "-1h", "1x", "abc"} {
		_, err := ParseTimeframe(tf)
		assert.Error(t, err, tf)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("dial: connection refused")))
	assert.True(t, isRetryable(errors.New("<APIError> code=-1001, msg=internal error")))
	assert.True(t, isRetryable(errors.New("429 Too Many Requests")))
	assert.False(t, isRetryable(errors.New("invalid symbol")))
	assert.False(t, isRetryable(nil))
}
