// Package candidate defines the strategy ideas that flow through the
// pipeline from theorizer to evaluation to activation.
package candidate

import (
	"time"

	"github.com/google/uuid"
)

// Category tags the family a candidate strategy belongs to.
type Category string

const (
	CategoryTrendFollowing Category = "trend-following"
	CategoryMeanReversion  Category = "mean-reversion"
	CategoryMarketMaking   Category = "market-making"
	CategoryArbitrage      Category = "arbitrage"
	CategoryMLPrediction   Category = "ml-prediction"
)

// Status tracks a candidate through its evaluation lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// RiskParams bound a candidate's position sizing and exits.
type RiskParams struct {
	MaxPositionFrac float64 `json:"max_position_frac"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	MaxLeverage     float64 `json:"max_leverage"`
}

// ContextSnapshot captures the market regime the idea was generated under.
type ContextSnapshot struct {
	Regime        string  `json:"regime"`
	Volatility    float64 `json:"volatility"`
	TrendStrength float64 `json:"trend_strength"`
}

// Idea is one candidate strategy. Entry and exit conditions are opaque
// strings carried through to the strategy adapter.
type Idea struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Category        Category           `json:"category"`
	Instruments     []string           `json:"instruments"`
	Timeframe       string             `json:"timeframe"`
	Parameters      map[string]float64 `json:"parameters,omitempty"`
	EntryConditions []string           `json:"entry_conditions,omitempty"`
	ExitConditions  []string           `json:"exit_conditions,omitempty"`
	Risk            RiskParams         `json:"risk"`
	Confidence      float64            `json:"confidence"`
	Rationale       string             `json:"rationale,omitempty"`
	Status          Status             `json:"status"`
	Context         *ContextSnapshot   `json:"context,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// New creates a pending idea with a fresh id.
func New(name string, category Category, instruments []string, timeframe string, now time.Time) *Idea {
	return &Idea{
		ID:          uuid.NewString(),
		Name:        name,
		Category:    category,
		Instruments: instruments,
		Timeframe:   timeframe,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SetStatus moves the idea to a new lifecycle status.
func (i *Idea) SetStatus(s Status, now time.Time) {
	i.Status = s
	i.UpdatedAt = now
}

// Clamp normalizes out-of-range fields in place.
func (i *Idea) Clamp() {
	if i.Confidence < 0 {
		i.Confidence = 0
	}
	if i.Confidence > 1 {
		i.Confidence = 1
	}
	if i.Risk.MaxPositionFrac <= 0 || i.Risk.MaxPositionFrac > 1 {
		i.Risk.MaxPositionFrac = 0.95
	}
	if i.Risk.MaxLeverage <= 0 {
		i.Risk.MaxLeverage = 1
	}
}
