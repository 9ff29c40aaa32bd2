package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/stratpipe/internal/worker"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

func TestSaveResult_UpsertsByJobID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := New(mock, zerolog.Nop())

	res := &worker.EvalResult{
		JobID:            "job-1",
		CandidateID:      "cand-1",
		Instrument:       "BTCUSDT",
		Attempt:          2,
		Success:          true,
		Metrics:          &backtest.Metrics{SharpeRatio: 1.4, TotalTrades: 12},
		Assessment:       &backtest.Assessment{Tier: backtest.TierGood, Viable: true},
		ProcessingTimeMs: 1200,
		BarsProcessed:    720,
		Timestamp:        time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO backtest_results").
		WithArgs(res.JobID, res.CandidateID, res.Instrument, res.Attempt, res.Success,
			pgxmock.AnyArg(), pgxmock.AnyArg(), res.Error, res.ProcessingTimeMs, res.BarsProcessed, res.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveResult(context.Background(), res))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResult_RoundTrip(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := New(mock, zerolog.Nop())
	ts := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{
		"job_id", "candidate_id", "instrument", "attempt", "success",
		"metrics", "assessment", "error", "processing_time_ms", "bars_processed", "created_at",
	}).AddRow("job-1", "cand-1", "BTCUSDT", 1, true,
		[]byte(`{"sharpe_ratio":1.4}`), []byte(`{"tier":"GOOD","viable":true}`), "", int64(900), 720, ts)

	mock.ExpectQuery("SELECT (.+) FROM backtest_results WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(rows)

	res, err := s.GetResult(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "cand-1", res.CandidateID)
	require.NotNil(t, res.Metrics)
	assert.Equal(t, 1.4, res.Metrics.SharpeRatio)
	require.NotNil(t, res.Assessment)
	assert.Equal(t, backtest.TierGood, res.Assessment.Tier)
	assert.True(t, res.Assessment.Viable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResult_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := New(mock, zerolog.Nop())

	mock.ExpectQuery("SELECT (.+) FROM backtest_results WHERE job_id").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"job_id"}))

	_, err = s.GetResult(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStrategy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := New(mock, zerolog.Nop())
	rec := &StrategyRecord{
		StrategyID:     "cand-1",
		Name:           "sma-cross",
		Category:       "trend-following",
		Status:         "completed",
		Tier:           "EXCELLENT",
		ShouldActivate: true,
		UpdatedAt:      time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO strategies").
		WithArgs(rec.StrategyID, rec.Name, rec.Category, rec.Status, rec.Tier,
			rec.ShouldActivate, rec.Performance, rec.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertStrategy(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStrategyStatus_MissingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := New(mock, zerolog.Nop())
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE strategies SET status").
		WithArgs("ghost", "rejected", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = s.SetStrategyStatus(context.Background(), "ghost", "rejected", now)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBars_SortedWindow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := New(mock, zerolog.Nop())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"instrument", "open_time", "open", "high", "low", "close", "volume"}).
		AddRow("BTCUSDT", t0, 100.0, 101.0, 99.0, 100.5, 1000.0).
		AddRow("BTCUSDT", t0.Add(time.Hour), 100.5, 102.0, 100.0, 101.5, 1100.0)

	mock.ExpectQuery("SELECT (.+) FROM candles").
		WithArgs("BTCUSDT", "1h", t0, t0.Add(24*time.Hour)).
		WillReturnRows(rows)

	bars, err := s.GetBars(context.Background(), "BTCUSDT", "1h", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 100.5, bars[0].Close)
	assert.True(t, bars[1].Timestamp.After(bars[0].Timestamp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCandles_SkipsDuplicates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := New(mock, zerolog.Nop())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []backtest.Bar{
		{Instrument: "ETHUSDT", Timestamp: t0, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 50},
		{Instrument: "ETHUSDT", Timestamp: t0.Add(time.Hour), Open: 10.5, High: 12, Low: 10, Close: 11, Volume: 60},
	}

	for _, b := range bars {
		mock.ExpectExec("INSERT INTO candles").
			WithArgs(b.Instrument, "1h", b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, s.SaveCandles(context.Background(), "1h", bars))
	require.NoError(t, mock.ExpectationsWereMet())
}
