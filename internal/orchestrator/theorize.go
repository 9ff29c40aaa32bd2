package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/candidate"
)

// Theorizer turns a market snapshot into candidate ideas. An empty slice is
// a valid answer; the cycle then ends with THEORIZE_EMPTY.
type Theorizer interface {
	Theorize(ctx context.Context, m *MarketContext, now time.Time) []*candidate.Idea
}

// RuleTheorizer proposes ideas from the regime tag: trending markets get a
// trend-following crossover, ranging markets a mean-reversion band, volatile
// markets a tighter band at reduced confidence.
type RuleTheorizer struct {
	instruments []string
	timeframe   string
	log         zerolog.Logger
}

// NewRuleTheorizer builds the standard rule-based theorizer.
func NewRuleTheorizer(instruments []string, timeframe string, log zerolog.Logger) *RuleTheorizer {
	return &RuleTheorizer{
		instruments: instruments,
		timeframe:   timeframe,
		log:         log.With().Str("component", "theorizer").Logger(),
	}
}

func (t *RuleTheorizer) Theorize(_ context.Context, m *MarketContext, now time.Time) []*candidate.Idea {
	if m == nil || len(t.instruments) == 0 {
		return nil
	}
	snap := &candidate.ContextSnapshot{
		Regime:        m.Regime,
		Volatility:    m.Volatility,
		TrendStrength: m.TrendStrength,
	}

	var ideas []*candidate.Idea
	for _, inst := range t.instruments {
		var idea *candidate.Idea
		switch m.Regime {
		case RegimeTrendingUp, RegimeTrendingDown:
			idea = candidate.New(fmt.Sprintf("sma-cross-%s", inst), candidate.CategoryTrendFollowing, []string{inst}, t.timeframe, now)
			idea.Parameters = map[string]float64{"fast_period": 10, "slow_period": 30}
			idea.Confidence = math.Min(0.9, 0.5+math.Abs(m.TrendStrength)*5)
			idea.Rationale = fmt.Sprintf("regime %s, trend strength %.3f", m.Regime, m.TrendStrength)
		case RegimeRanging:
			idea = candidate.New(fmt.Sprintf("rsi-reversion-%s", inst), candidate.CategoryMeanReversion, []string{inst}, t.timeframe, now)
			idea.Parameters = map[string]float64{"rsi_period": 14, "oversold": 30, "overbought": 70}
			idea.Confidence = 0.6
			idea.Rationale = "ranging regime favors band reversion"
		case RegimeVolatile:
			idea = candidate.New(fmt.Sprintf("rsi-wide-%s", inst), candidate.CategoryMeanReversion, []string{inst}, t.timeframe, now)
			idea.Parameters = map[string]float64{"rsi_period": 14, "oversold": 20, "overbought": 80}
			idea.Confidence = 0.4
			idea.Rationale = fmt.Sprintf("volatile regime (%.3f), wide bands only", m.Volatility)
		default:
			continue
		}
		idea.Context = snap
		idea.Clamp()
		ideas = append(ideas, idea)
	}

	t.log.Debug().Str("regime", m.Regime).Int("ideas", len(ideas)).Msg("Theorized candidates")
	return ideas
}
