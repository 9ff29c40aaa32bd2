// Package gate implements the pre-execution safety battery. Execution
// proceeds only when every check passes; a CRITICAL finding additionally
// opens the execute breaker. The gate fails closed: a panicking check counts
// as a rejection.
package gate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/breaker"
	"github.com/quantforge/stratpipe/internal/clock"
	"github.com/quantforge/stratpipe/internal/metrics"
	"github.com/quantforge/stratpipe/internal/pipeline"
)

// Severity grades a check finding.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// CheckResult is one check's verdict.
type CheckResult struct {
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Reason    string    `json:"reason,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Anomaly is a detector finding fed into the gate.
type Anomaly struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// Input is the trade under consideration plus the market context the checks
// inspect.
type Input struct {
	TradeValue           float64
	EstimatedSlippageBps float64
	GasPrice             float64
	PoolLiquidity        float64
	Anomalies            []Anomaly
	ReportedBalance      float64
	ReconstructedBalance float64
}

// Limits bound what the gate lets through.
type Limits struct {
	MaxTradeValue       float64
	MaxSlippageBps      float64
	MaxGasPrice         float64
	MinLiquidity        float64
	MaxDailyRebalances  int
	MaxBalanceDeviation float64 // fraction, reported vs reconstructed
}

// DefaultLimits returns the standard gate limits.
func DefaultLimits() Limits {
	return Limits{
		MaxTradeValue:       50000,
		MaxSlippageBps:      100,
		MaxGasPrice:         500,
		MinLiquidity:        100000,
		MaxDailyRebalances:  24,
		MaxBalanceDeviation: 0.10,
	}
}

// Decision is the gate's verdict for one cycle.
type Decision struct {
	Approved    bool          `json:"approved"`
	IsPaused    bool          `json:"is_paused"`
	PauseReason string        `json:"pause_reason,omitempty"`
	Checks      []CheckResult `json:"checks"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// Check is one entry in the ordered battery. Run returns pass plus an
// optional reason for the record.
type Check struct {
	Name     string
	Severity Severity
	Run      func(ctx context.Context, in Input) (bool, string)
}

// Gate runs the battery before the execute node.
type Gate struct {
	checks   []Check
	breakers *breaker.Registry
	rdb      *redis.Client
	limits   Limits
	clk      clock.Clock
	log      zerolog.Logger
	halted   func() bool
}

// New builds a gate with the standard battery. halted reports the
// emergency-halt flag; rdb persists the daily rebalance bucket and may be
// nil, which skips that check.
func New(reg *breaker.Registry, rdb *redis.Client, limits Limits, clk clock.Clock, halted func() bool, log zerolog.Logger) *Gate {
	g := &Gate{
		breakers: reg,
		rdb:      rdb,
		limits:   limits,
		clk:      clk,
		log:      log.With().Str("component", "safety_gate").Logger(),
		halted:   halted,
	}
	g.checks = g.standardBattery()
	return g
}

// AddCheck appends a custom check to the battery.
func (g *Gate) AddCheck(c Check) { g.checks = append(g.checks, c) }

func (g *Gate) standardBattery() []Check {
	return []Check{
		{
			Name:     "execute_breaker",
			Severity: SeverityWarning,
			Run: func(ctx context.Context, in Input) (bool, string) {
				if g.breakers.IsOpen(pipeline.ExecuteBreaker) {
					return false, "execute breaker is open"
				}
				return true, ""
			},
		},
		{
			Name:     "emergency_halt",
			Severity: SeverityCritical,
			Run: func(ctx context.Context, in Input) (bool, string) {
				if g.halted != nil && g.halted() {
					return false, "emergency halt is active"
				}
				return true, ""
			},
		},
		{
			Name:     "gas_price",
			Severity: SeverityWarning,
			Run: func(ctx context.Context, in Input) (bool, string) {
				if g.limits.MaxGasPrice > 0 && in.GasPrice > g.limits.MaxGasPrice {
					return false, fmt.Sprintf("gas price %.1f above limit %.1f", in.GasPrice, g.limits.MaxGasPrice)
				}
				return true, ""
			},
		},
		{
			Name:     "max_trade_size",
			Severity: SeverityWarning,
			Run: func(ctx context.Context, in Input) (bool, string) {
				if g.limits.MaxTradeValue > 0 && in.TradeValue > g.limits.MaxTradeValue {
					return false, fmt.Sprintf("trade value %.2f above limit %.2f", in.TradeValue, g.limits.MaxTradeValue)
				}
				return true, ""
			},
		},
		{
			Name:     "min_liquidity",
			Severity: SeverityWarning,
			Run: func(ctx context.Context, in Input) (bool, string) {
				if g.limits.MinLiquidity > 0 && in.PoolLiquidity > 0 && in.PoolLiquidity < g.limits.MinLiquidity {
					return false, fmt.Sprintf("liquidity %.0f below floor %.0f", in.PoolLiquidity, g.limits.MinLiquidity)
				}
				return true, ""
			},
		},
		{
			Name:     "slippage_tolerance",
			Severity: SeverityWarning,
			Run: func(ctx context.Context, in Input) (bool, string) {
				if g.limits.MaxSlippageBps > 0 && in.EstimatedSlippageBps > g.limits.MaxSlippageBps {
					return false, fmt.Sprintf("estimated slippage %.1f bps above %.1f", in.EstimatedSlippageBps, g.limits.MaxSlippageBps)
				}
				return true, ""
			},
		},
		{
			Name:     "anomaly_detection",
			Severity: SeverityCritical,
			Run: func(ctx context.Context, in Input) (bool, string) {
				for _, a := range in.Anomalies {
					if a.Severity == SeverityCritical {
						return false, fmt.Sprintf("critical anomaly: %s", a.Type)
					}
				}
				return true, ""
			},
		},
		{
			Name:     "daily_rebalance_cap",
			Severity: SeverityWarning,
			Run: func(ctx context.Context, in Input) (bool, string) {
				if g.rdb == nil || g.limits.MaxDailyRebalances <= 0 {
					return true, ""
				}
				n, err := g.rdb.Get(ctx, g.rebalanceKey()).Int()
				if err != nil && err != redis.Nil {
					return false, fmt.Sprintf("rebalance counter unavailable: %v", err)
				}
				if n >= g.limits.MaxDailyRebalances {
					return false, fmt.Sprintf("daily rebalance cap reached (%d)", n)
				}
				return true, ""
			},
		},
		{
			Name:     "balance_discrepancy",
			Severity: SeverityCritical,
			Run: func(ctx context.Context, in Input) (bool, string) {
				if in.ReportedBalance <= 0 {
					return true, ""
				}
				dev := math.Abs(in.ReportedBalance-in.ReconstructedBalance) / in.ReportedBalance
				if dev > g.limits.MaxBalanceDeviation {
					return false, fmt.Sprintf("balance deviates %.1f%% from reconstruction", dev*100)
				}
				return true, ""
			},
		},
	}
}

// rebalanceKey buckets the counter per UTC day.
func (g *Gate) rebalanceKey() string {
	return "stratpipe:gate:rebalances:" + g.clk.UTCNow().Format("2006-01-02")
}

// RecordRebalance bumps the daily counter. The bucket outlives its day by a
// margin so late reads still see it.
func (g *Gate) RecordRebalance(ctx context.Context) error {
	if g.rdb == nil {
		return nil
	}
	key := g.rebalanceKey()
	pipe := g.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// Evaluate runs the full battery in order. Every check runs even after a
// failure so the decision carries the complete picture.
func (g *Gate) Evaluate(ctx context.Context, in Input) Decision {
	dec := Decision{Approved: true}

	for _, c := range g.checks {
		res := g.runCheck(ctx, c, in)
		dec.Checks = append(dec.Checks, res)
		if res.Passed {
			continue
		}

		dec.Approved = false
		metrics.RecordGateRejection(res.Name)
		dec.Warnings = append(dec.Warnings, fmt.Sprintf("[%s] %s: %s", res.Severity, res.Name, res.Reason))
		if res.Severity == SeverityCritical {
			dec.IsPaused = true
			if dec.PauseReason == "" {
				dec.PauseReason = res.Name + ": " + res.Reason
			}
			g.log.Error().Str("check", res.Name).Str("reason", res.Reason).Msg("Critical gate finding, opening execute breaker")
			g.breakers.Open(pipeline.ExecuteBreaker)
		} else {
			g.log.Warn().Str("check", res.Name).Str("reason", res.Reason).Msg("Gate check failed")
		}
	}
	return dec
}

// runCheck converts a panicking check into a critical failure (fail-closed).
func (g *Gate) runCheck(ctx context.Context, c Check, in Input) (res CheckResult) {
	res = CheckResult{Name: c.Name, Severity: c.Severity, Timestamp: g.clk.UTCNow()}
	defer func() {
		if r := recover(); r != nil {
			res.Passed = false
			res.Severity = SeverityCritical
			res.Reason = fmt.Sprintf("check panicked: %v", r)
		}
	}()
	passed, reason := c.Run(ctx, in)
	res.Passed = passed
	res.Reason = reason
	return res
}
