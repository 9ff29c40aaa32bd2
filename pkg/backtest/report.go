package backtest

import (
	"fmt"
	"math"
	"time"
)

// Tier is the discrete quality label derived from threshold scoring.
type Tier string

const (
	TierExcellent  Tier = "EXCELLENT"
	TierGood       Tier = "GOOD"
	TierAcceptable Tier = "ACCEPTABLE"
	TierPoor       Tier = "POOR"
	TierRejected   Tier = "REJECTED"
)

// Thresholds are the pass/fail cut lines used for viability scoring.
type Thresholds struct {
	MinSharpe       float64 `json:"min_sharpe"`
	MinWinRate      float64 `json:"min_win_rate"`      // percent
	MaxDrawdown     float64 `json:"max_drawdown"`      // percent
	MinProfitFactor float64 `json:"min_profit_factor"`
	MinTotalTrades  int     `json:"min_total_trades"`
}

// DefaultThresholds returns the standard viability cut lines.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSharpe:       1.0,
		MinWinRate:      55.0,
		MaxDrawdown:     20.0,
		MinProfitFactor: 1.5,
		MinTotalTrades:  10,
	}
}

// Metrics holds the computed performance figures for a replay.
type Metrics struct {
	InitialCapital   float64 `json:"initial_capital"`
	FinalCapital     float64 `json:"final_capital"`
	TotalReturn      float64 `json:"total_return"`
	TotalReturnPct   float64 `json:"total_return_pct"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	Volatility       float64 `json:"volatility"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	SortinoRatio     float64 `json:"sortino_ratio"`
	CalmarRatio      float64 `json:"calmar_ratio"`

	TotalTrades   int     `json:"total_trades"` // executed fills
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // percent, over closed positions
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	Expectancy    float64 `json:"expectancy"`

	RiskAdjustedReturn float64 `json:"risk_adjusted_return"`
	ConsistencyScore   float64 `json:"consistency_score"` // 0..1

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Assessment is the viability verdict derived from Metrics and Thresholds.
type Assessment struct {
	Tier            Tier       `json:"tier"`
	Viable          bool       `json:"viable"`
	ShouldActivate  bool       `json:"should_activate"`
	Score           int        `json:"score"`
	Reasons         []string   `json:"reasons"`
	Recommendations []string   `json:"recommendations"`
	Thresholds      Thresholds `json:"thresholds"`
}

// Report is the full output of one replay.
type Report struct {
	Metrics       Metrics           `json:"metrics"`
	Assessment    Assessment        `json:"assessment"`
	Trades        []*Trade          `json:"trades"`
	Closed        []*ClosedPosition `json:"closed_positions"`
	EquityCurve   []*EquityPoint    `json:"equity_curve"`
	Warnings      []string          `json:"warnings,omitempty"`
	BarsProcessed int               `json:"bars_processed"`
}

func (e *Engine) buildReport(barsProcessed int) (*Report, error) {
	if len(e.equity) == 0 {
		return nil, fmt.Errorf("backtest: no equity curve recorded")
	}

	m := Metrics{
		InitialCapital: e.cfg.InitialCapital,
		FinalCapital:   e.currentEquity(),
		MaxDrawdown:    e.maxDrawdown,
		MaxDrawdownPct: e.maxDrawdownPct,
		TotalTrades:    len(e.trades),
		StartDate:      e.equity[0].Timestamp,
		EndDate:        e.equity[len(e.equity)-1].Timestamp,
	}

	m.TotalReturn = m.FinalCapital - m.InitialCapital
	m.TotalReturnPct = m.TotalReturn / m.InitialCapital * 100

	if years := m.EndDate.Sub(m.StartDate).Hours() / 24 / 365.25; years > 0 {
		m.AnnualizedReturn = (math.Pow(m.FinalCapital/m.InitialCapital, 1/years) - 1) * 100
	}

	e.tradeStatistics(&m)
	e.riskStatistics(&m)

	if m.Volatility > 0 {
		// 3% risk-free rate, as elsewhere in the shop
		m.SharpeRatio = (m.AnnualizedReturn - 3.0) / m.Volatility
	}
	if m.MaxDrawdownPct > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdownPct
	}
	m.RiskAdjustedReturn = m.TotalReturnPct * (1 - m.MaxDrawdownPct/100)

	return &Report{
		Metrics:       m,
		Assessment:    Assess(m, DefaultThresholds()),
		Trades:        e.trades,
		Closed:        e.closed,
		EquityCurve:   e.equity,
		Warnings:      e.warnings,
		BarsProcessed: barsProcessed,
	}, nil
}

func (e *Engine) tradeStatistics(m *Metrics) {
	var totalWin, totalLoss float64
	for _, pos := range e.closed {
		if pos.RealizedPL > 0 {
			m.WinningTrades++
			totalWin += pos.RealizedPL
		} else {
			m.LosingTrades++
			totalLoss += pos.RealizedPL
		}
	}

	closedCount := len(e.closed)
	if closedCount > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(closedCount) * 100
	}
	if m.WinningTrades > 0 {
		m.AverageWin = totalWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = totalLoss / float64(m.LosingTrades)
	}
	if totalLoss != 0 {
		m.ProfitFactor = totalWin / math.Abs(totalLoss)
	} else if totalWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	if closedCount > 0 {
		winProb := float64(m.WinningTrades) / float64(closedCount)
		lossProb := float64(m.LosingTrades) / float64(closedCount)
		m.Expectancy = winProb*m.AverageWin + lossProb*m.AverageLoss
	}
}

func (e *Engine) riskStatistics(m *Metrics) {
	if len(e.equity) < 2 {
		return
	}

	returns := make([]float64, 0, len(e.equity)-1)
	positive := 0
	for i := 1; i < len(e.equity); i++ {
		prev := e.equity[i-1].Equity
		if prev <= 0 {
			continue
		}
		r := (e.equity[i].Equity - prev) / prev
		returns = append(returns, r)
		if r >= 0 {
			positive++
		}
	}
	if len(returns) == 0 {
		return
	}

	m.ConsistencyScore = float64(positive) / float64(len(returns))

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance, downVariance float64
	downCount := 0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downVariance += r * r
			downCount++
		}
	}
	variance /= float64(len(returns))

	// Annualized assuming daily-granularity samples
	m.Volatility = math.Sqrt(variance) * math.Sqrt(252) * 100

	if downCount > 0 {
		downDev := math.Sqrt(downVariance/float64(downCount)) * math.Sqrt(252) * 100
		if downDev > 0 {
			m.SortinoRatio = (m.AnnualizedReturn - 3.0) / downDev
		}
	}
}

// Assess scores metrics against thresholds and derives the tier verdict.
//
// Score = 2*sharpe + 2*winRate + 1*drawdown + 1*profitFactor + 1*sampleSize.
// EXCELLENT >=6, GOOD 5, ACCEPTABLE 4, POOR 2-3, REJECTED <2.
// Viable iff sharpe, win rate and drawdown all pass; shouldActivate
// additionally requires the sample-size pass.
func Assess(m Metrics, th Thresholds) Assessment {
	sharpePass := m.SharpeRatio >= th.MinSharpe
	winRatePass := m.WinRate >= th.MinWinRate
	ddPass := m.MaxDrawdownPct <= th.MaxDrawdown
	pfPass := m.ProfitFactor >= th.MinProfitFactor
	samplePass := m.TotalTrades >= th.MinTotalTrades

	score := 0
	var reasons, recs []string

	if sharpePass {
		score += 2
	} else {
		reasons = append(reasons, fmt.Sprintf("sharpe %.2f below %.2f", m.SharpeRatio, th.MinSharpe))
		recs = append(recs, "improve risk-adjusted returns before activation")
	}
	if winRatePass {
		score += 2
	} else {
		reasons = append(reasons, fmt.Sprintf("win rate %.1f%% below %.1f%%", m.WinRate, th.MinWinRate))
		recs = append(recs, "tighten entry conditions to raise win rate")
	}
	if ddPass {
		score++
	} else {
		reasons = append(reasons, fmt.Sprintf("drawdown %.1f%% exceeds %.1f%%", m.MaxDrawdownPct, th.MaxDrawdown))
		recs = append(recs, "reduce position sizing or add stops")
	}
	if pfPass {
		score++
	} else {
		reasons = append(reasons, fmt.Sprintf("profit factor %.2f below %.2f", m.ProfitFactor, th.MinProfitFactor))
	}
	if samplePass {
		score++
	} else {
		reasons = append(reasons, fmt.Sprintf("only %d trades, need %d", m.TotalTrades, th.MinTotalTrades))
		recs = append(recs, "extend the evaluation window for a larger sample")
	}

	var tier Tier
	switch {
	case score >= 6:
		tier = TierExcellent
	case score == 5:
		tier = TierGood
	case score == 4:
		tier = TierAcceptable
	case score >= 2:
		tier = TierPoor
	default:
		tier = TierRejected
	}

	viable := sharpePass && winRatePass && ddPass
	return Assessment{
		Tier:            tier,
		Viable:          viable,
		ShouldActivate:  viable && samplePass,
		Score:           score,
		Reasons:         reasons,
		Recommendations: recs,
		Thresholds:      th,
	}
}
