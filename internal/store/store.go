// Package store persists evaluation results, strategy activation state, and
// optional historical candles in Postgres. Results upsert by job id,
// strategies by strategy id.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/worker"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// PoolInterface defines the interface for database pool operations
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// StrategyRecord is the activation snapshot kept per strategy.
type StrategyRecord struct {
	StrategyID     string          `json:"strategy_id"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	Status         string          `json:"status"`
	Tier           string          `json:"tier"`
	ShouldActivate bool            `json:"should_activate"`
	Performance    json.RawMessage `json:"performance,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Store wraps the pool with the pipeline's persistence operations.
type Store struct {
	pool PoolInterface
	log  zerolog.Logger
}

// New creates a store over any pool implementation.
func New(pool PoolInterface, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log.With().Str("component", "store").Logger()}
}

// NewWithPool creates a store over a pgxpool.Pool.
func NewWithPool(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return New(pool, log)
}

// SaveResult upserts one evaluation result by job id.
func (s *Store) SaveResult(ctx context.Context, res *worker.EvalResult) error {
	var metrics, assessment []byte
	var err error
	if res.Metrics != nil {
		if metrics, err = json.Marshal(res.Metrics); err != nil {
			return fmt.Errorf("store: encode metrics: %w", err)
		}
	}
	if res.Assessment != nil {
		if assessment, err = json.Marshal(res.Assessment); err != nil {
			return fmt.Errorf("store: encode assessment: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO backtest_results
			(job_id, candidate_id, instrument, attempt, success, metrics, assessment, error, processing_time_ms, bars_processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			success = EXCLUDED.success,
			metrics = EXCLUDED.metrics,
			assessment = EXCLUDED.assessment,
			error = EXCLUDED.error,
			processing_time_ms = EXCLUDED.processing_time_ms,
			bars_processed = EXCLUDED.bars_processed`,
		res.JobID, res.CandidateID, res.Instrument, res.Attempt, res.Success,
		metrics, assessment, res.Error, res.ProcessingTimeMs, res.BarsProcessed, res.Timestamp)
	if err != nil {
		return fmt.Errorf("store: save result %s: %w", res.JobID, err)
	}
	return nil
}

// GetResult loads one evaluation result by job id.
func (s *Store) GetResult(ctx context.Context, jobID string) (*worker.EvalResult, error) {
	var res worker.EvalResult
	var metrics, assessment []byte
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, candidate_id, instrument, attempt, success, metrics, assessment, error, processing_time_ms, bars_processed, created_at
		FROM backtest_results WHERE job_id = $1`, jobID).
		Scan(&res.JobID, &res.CandidateID, &res.Instrument, &res.Attempt, &res.Success,
			&metrics, &assessment, &res.Error, &res.ProcessingTimeMs, &res.BarsProcessed, &res.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: result %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load result %s: %w", jobID, err)
	}
	if len(metrics) > 0 {
		res.Metrics = &backtest.Metrics{}
		if err := json.Unmarshal(metrics, res.Metrics); err != nil {
			return nil, fmt.Errorf("store: decode metrics %s: %w", jobID, err)
		}
	}
	if len(assessment) > 0 {
		res.Assessment = &backtest.Assessment{}
		if err := json.Unmarshal(assessment, res.Assessment); err != nil {
			return nil, fmt.Errorf("store: decode assessment %s: %w", jobID, err)
		}
	}
	return &res, nil
}

// UpsertStrategy writes a strategy's activation snapshot by strategy id.
func (s *Store) UpsertStrategy(ctx context.Context, rec *StrategyRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO strategies
			(strategy_id, name, category, status, tier, should_activate, performance, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (strategy_id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			status = EXCLUDED.status,
			tier = EXCLUDED.tier,
			should_activate = EXCLUDED.should_activate,
			performance = EXCLUDED.performance,
			updated_at = EXCLUDED.updated_at`,
		rec.StrategyID, rec.Name, rec.Category, rec.Status, rec.Tier,
		rec.ShouldActivate, rec.Performance, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert strategy %s: %w", rec.StrategyID, err)
	}
	return nil
}

// SetStrategyStatus moves a strategy to a new status.
func (s *Store) SetStrategyStatus(ctx context.Context, strategyID, status string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET status = $2, updated_at = $3 WHERE strategy_id = $1`,
		strategyID, status, now)
	if err != nil {
		return fmt.Errorf("store: set status %s: %w", strategyID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: strategy %s", ErrNotFound, strategyID)
	}
	return nil
}

// SaveCandles inserts historical bars, skipping duplicates.
func (s *Store) SaveCandles(ctx context.Context, timeframe string, bars []backtest.Bar) error {
	for _, b := range bars {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO candles
				(instrument, timeframe, open_time, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (instrument, timeframe, open_time) DO NOTHING`,
			b.Instrument, timeframe, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return fmt.Errorf("store: save candle %s %s: %w", b.Instrument, b.Timestamp.Format(time.RFC3339), err)
		}
	}
	return nil
}

// GetBars loads a time-sorted candle window. Implements worker.BarSource so
// workers can replay from persisted history.
func (s *Store) GetBars(ctx context.Context, instrument, timeframe string, start, end time.Time) ([]backtest.Bar, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument, open_time, open, high, low, close, volume
		FROM candles
		WHERE instrument = $1 AND timeframe = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC`,
		instrument, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: load candles %s %s: %w", instrument, timeframe, err)
	}
	defer rows.Close()

	var bars []backtest.Bar
	for rows.Next() {
		var b backtest.Bar
		if err := rows.Scan(&b.Instrument, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("store: scan candle: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate candles: %w", err)
	}
	return bars, nil
}
