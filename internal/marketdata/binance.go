// Package marketdata supplies historical bar windows to the evaluation
// workers. The Binance provider fetches klines under a rate limiter and a
// circuit breaker; the synthetic provider generates deterministic series for
// development and replay tests.
package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantforge/stratpipe/pkg/backtest"
)

const klinePageLimit = 1000

// klineFetcher isolates the venue call so tests can stub it.
type klineFetcher func(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*binance.Kline, error)

// BinanceProvider loads historical candles from Binance.
// Implements worker.BarSource.
type BinanceProvider struct {
	fetch   klineFetcher
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	retry   RetryConfig
	log     zerolog.Logger
}

// BinanceConfig tunes the provider.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	// Requests per second against the klines endpoint.
	RateLimit float64
	Retry     RetryConfig
}

// NewBinanceProvider builds a provider over the public klines endpoint.
func NewBinanceProvider(cfg BinanceConfig, log zerolog.Logger) *BinanceProvider {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	fetch := func(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*binance.Kline, error) {
		return client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(start).
			EndTime(end).
			Limit(limit).
			Do(ctx)
	}
	return newBinanceProvider(cfg, fetch, log)
}

func newBinanceProvider(cfg BinanceConfig, fetch klineFetcher, log zerolog.Logger) *BinanceProvider {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance-klines",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	})

	return &BinanceProvider{
		fetch:   fetch,
		breaker: cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)*2),
		retry:   cfg.Retry,
		log:     log.With().Str("component", "binance_provider").Logger(),
	}
}

// GetBars pages through klines for the window and returns time-sorted bars.
// An empty slice means no data.
func (p *BinanceProvider) GetBars(ctx context.Context, instrument, timeframe string, start, end time.Time) ([]backtest.Bar, error) {
	var bars []backtest.Bar
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	for cursor < endMs {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("marketdata: rate limit wait: %w", err)
		}

		var page []*binance.Kline
		err := withRetry(ctx, p.retry, p.log, func() error {
			out, err := p.breaker.Execute(func() (interface{}, error) {
				return p.fetch(ctx, instrument, timeframe, cursor, endMs, klinePageLimit)
			})
			if err != nil {
				return err
			}
			page = out.([]*binance.Kline)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("marketdata: klines %s %s: %w", instrument, timeframe, err)
		}
		if len(page) == 0 {
			break
		}

		for _, k := range page {
			bar, err := klineToBar(instrument, k)
			if err != nil {
				return nil, err
			}
			bars = append(bars, bar)
		}
		// Next page starts one tick past the last open time.
		cursor = page[len(page)-1].OpenTime + 1
		if len(page) < klinePageLimit {
			break
		}
	}

	p.log.Debug().
		Str("instrument", instrument).
		Str("timeframe", timeframe).
		Int("bars", len(bars)).
		Msg("Fetched historical window")
	return bars, nil
}

func klineToBar(instrument string, k *binance.Kline) (backtest.Bar, error) {
	parse := func(field, v string) (float64, error) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("marketdata: bad %s %q: %w", field, v, err)
		}
		return f, nil
	}

	open, err := parse("open", k.Open)
	if err != nil {
		return backtest.Bar{}, err
	}
	high, err := parse("high", k.High)
	if err != nil {
		return backtest.Bar{}, err
	}
	low, err := parse("low", k.Low)
	if err != nil {
		return backtest.Bar{}, err
	}
	closePx, err := parse("close", k.Close)
	if err != nil {
		return backtest.Bar{}, err
	}
	volume, err := parse("volume", k.Volume)
	if err != nil {
		return backtest.Bar{}, err
	}

	return backtest.Bar{
		Instrument: instrument,
		Timestamp:  time.UnixMilli(k.OpenTime).UTC(),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Volume:     volume,
	}, nil
}
