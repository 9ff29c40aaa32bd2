package backtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/clock"
)

// book is the per-instrument order-book shadow derived from bars. Top-of-book
// quotes are approximated from the bar range when the feed carries no quotes.
type book struct {
	bid     float64
	ask     float64
	mid     float64
	lastBar Bar
}

// Engine replays a finite ordered bar sequence against a strategy. An engine
// is single-use: construct, Run once, read the report.
type Engine struct {
	cfg Config
	log zerolog.Logger

	clk       *clock.SimClock
	rng       *rand.Rand
	cash      float64
	positions map[string]*Position
	trades    []*Trade
	closed    []*ClosedPosition
	equity    []*EquityPoint
	books     map[string]*book
	warnings  []string

	peakEquity     float64
	maxDrawdown    float64
	maxDrawdownPct float64
	nextTradeID    int
}

// NewEngine creates an engine for one replay.
func NewEngine(cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("%w: initial capital must be positive", ErrBadConfig)
	}
	if cfg.FillModel == "" {
		cfg.FillModel = FillStandard
	}
	switch cfg.FillModel {
	case FillStandard, FillPessimistic, FillOptimistic:
	default:
		return nil, fmt.Errorf("%w: unknown fill model %q", ErrBadConfig, cfg.FillModel)
	}
	if cfg.Risk.MaxPositionFrac <= 0 || cfg.Risk.MaxPositionFrac > 1 {
		cfg.Risk.MaxPositionFrac = DefaultConfig().Risk.MaxPositionFrac
	}
	return &Engine{
		cfg:        cfg,
		log:        log.With().Str("component", "backtest_engine").Logger(),
		rng:        rand.New(rand.NewSource(cfg.RandomSeed)),
		cash:       cfg.InitialCapital,
		positions:  make(map[string]*Position),
		books:      make(map[string]*book),
		peakEquity: cfg.InitialCapital,
	}, nil
}

// Clock exposes the engine's virtual clock. It is non-nil only during Run.
func (e *Engine) Clock() *clock.SimClock { return e.clk }

// Run replays bars against the strategy and computes the performance report.
// Bars must be non-empty and time-sorted; validation failures fail the run
// and no partial report is emitted. A panicking strategy terminates the run
// with ErrStrategy.
func (e *Engine) Run(ctx context.Context, strategy Strategy, bars []Bar) (rep *Report, err error) {
	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: bar %d at %s precedes bar %d at %s",
				ErrBarOrder, i, bars[i].Timestamp.Format(time.RFC3339), i-1, bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			rep = nil
			err = fmt.Errorf("%w: %v", ErrStrategy, r)
		}
	}()

	e.clk = clock.NewSimClock(bars[0].Timestamp)

	e.log.Debug().
		Float64("initial_capital", e.cfg.InitialCapital).
		Str("fill_model", string(e.cfg.FillModel)).
		Int("bars", len(bars)).
		Msg("Starting replay")

	for i := range bars {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		bar := bars[i]

		// Due timers fire before the bar is processed.
		e.clk.AdvanceTo(bar.Timestamp)

		e.updateBook(bar)
		e.checkExits(bar)

		for _, sig := range strategy.GenerateSignals(bar) {
			e.executeSignal(sig, bar)
		}

		if pos, ok := e.positions[bar.Instrument]; ok {
			if reason := strategy.Exit(bar, *pos); reason != "" {
				e.closePosition(pos, e.fillPrice(SideSell, bar), bar.Timestamp, reason)
			}
		}

		e.markToMarket(bar)
		e.recordEquity(bar.Timestamp)
	}

	e.closeAllPositions(bars[len(bars)-1].Timestamp)
	e.recordEquity(bars[len(bars)-1].Timestamp)

	return e.buildReport(len(bars))
}

// updateBook refreshes the shadow top-of-book from the bar. Real quotes win;
// otherwise the spread is approximated from the bar range.
func (e *Engine) updateBook(bar Bar) {
	b, ok := e.books[bar.Instrument]
	if !ok {
		b = &book{}
		e.books[bar.Instrument] = b
	}
	if bar.BidPrice > 0 && bar.AskPrice > 0 {
		b.bid, b.ask = bar.BidPrice, bar.AskPrice
	} else {
		halfSpread := (bar.High - bar.Low) * 0.05
		b.bid = bar.Close - halfSpread
		b.ask = bar.Close + halfSpread
	}
	b.mid = (b.bid + b.ask) / 2
	b.lastBar = bar
}

// checkExits evaluates stop-loss and take-profit for open positions against
// the bar extremes. If both trigger in the same bar, stop-loss wins.
func (e *Engine) checkExits(bar Bar) {
	pos, ok := e.positions[bar.Instrument]
	if !ok {
		return
	}
	sl, tp := e.cfg.Risk.StopLossPct, e.cfg.Risk.TakeProfitPct

	if sl > 0 {
		stopPrice := pos.EntryPrice * (1 - sl)
		if bar.Low <= stopPrice {
			e.closePosition(pos, stopPrice, bar.Timestamp, "stop-loss")
			return
		}
	}
	if tp > 0 {
		targetPrice := pos.EntryPrice * (1 + tp)
		if bar.High >= targetPrice {
			e.closePosition(pos, targetPrice, bar.Timestamp, "take-profit")
		}
	}
}

// fillPrice applies the configured fill model and slippage to the bar.
func (e *Engine) fillPrice(side Side, bar Bar) float64 {
	slip := e.cfg.SlippageBps / 10000.0
	var px float64
	switch e.cfg.FillModel {
	case FillPessimistic:
		if side == SideBuy {
			px = bar.High * (1 + slip)
		} else {
			px = bar.Low * (1 - slip)
		}
	case FillOptimistic:
		px = bar.Close
	default: // FillStandard
		if side == SideBuy {
			px = bar.Close * (1 + slip)
		} else {
			px = bar.Close * (1 - slip)
		}
	}
	if e.cfg.LatencyMs > 0 {
		// Simulated latency lets price drift within the bar range; the
		// seeded generator keeps repeated runs byte-identical.
		drift := e.rng.Float64() * float64(e.cfg.LatencyMs) / 1000.0
		span := (bar.High - bar.Low) * minFloat(drift, 1.0)
		if side == SideBuy {
			px += span * 0.5
		} else {
			px -= span * 0.5
		}
	}
	return px
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) executeSignal(sig Signal, bar Bar) {
	switch sig.Side {
	case SideBuy:
		e.openLong(sig, bar)
	case SideSell:
		if pos, ok := e.positions[sig.Instrument]; ok {
			reason := sig.Reason
			if reason == "" {
				reason = "signal"
			}
			e.closePosition(pos, e.fillPrice(SideSell, bar), bar.Timestamp, reason)
		}
	case SideHold:
	default:
		e.warnings = append(e.warnings, fmt.Sprintf("unknown signal side %q for %s", sig.Side, sig.Instrument))
	}
}

func (e *Engine) openLong(sig Signal, bar Bar) {
	if _, exists := e.positions[sig.Instrument]; exists {
		return
	}
	price := e.fillPrice(SideBuy, bar)
	if price <= 0 {
		return
	}

	// Quantity clamped to available cash and the configured position fraction.
	budget := e.currentEquity() * e.cfg.Risk.MaxPositionFrac
	if budget > e.cash {
		budget = e.cash
	}
	qty := budget / (price * (1 + e.cfg.CommissionRate))
	if qty <= 0 {
		return
	}

	value := price * qty
	commission := value * e.cfg.CommissionRate

	e.cash -= value + commission
	e.positions[sig.Instrument] = &Position{
		Instrument: sig.Instrument,
		Side:       "LONG",
		EntryTime:  bar.Timestamp,
		EntryPrice: price,
		Quantity:   qty,
		MarkPrice:  price,
		Commission: commission,
	}
	e.nextTradeID++
	e.trades = append(e.trades, &Trade{
		ID:         e.nextTradeID,
		Timestamp:  bar.Timestamp,
		Instrument: sig.Instrument,
		Side:       SideBuy,
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		Value:      value,
		Reason:     sig.Reason,
	})
}

func (e *Engine) closePosition(pos *Position, price float64, ts time.Time, reason string) {
	value := price * pos.Quantity
	commission := value * e.cfg.CommissionRate
	proceeds := value - commission

	entryValue := pos.EntryPrice * pos.Quantity
	realized := proceeds - entryValue - pos.Commission
	returnPct := 0.0
	if entryValue > 0 {
		returnPct = realized / entryValue * 100
	}

	e.cash += proceeds
	delete(e.positions, pos.Instrument)

	e.nextTradeID++
	e.trades = append(e.trades, &Trade{
		ID:         e.nextTradeID,
		Timestamp:  ts,
		Instrument: pos.Instrument,
		Side:       SideSell,
		Quantity:   pos.Quantity,
		Price:      price,
		Commission: commission,
		Value:      value,
		Reason:     reason,
	})
	e.closed = append(e.closed, &ClosedPosition{
		Instrument:  pos.Instrument,
		Side:        pos.Side,
		EntryTime:   pos.EntryTime,
		ExitTime:    ts,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		Quantity:    pos.Quantity,
		RealizedPL:  realized,
		ReturnPct:   returnPct,
		HoldingTime: ts.Sub(pos.EntryTime),
		Commission:  pos.Commission + commission,
		ExitReason:  reason,
	})
}

// closeAllPositions marks remaining positions to the last observed mid for
// their instrument. A position whose instrument never produced a bar is
// excluded from PnL with a warning.
func (e *Engine) closeAllPositions(ts time.Time) {
	// Deterministic close order keeps repeated runs byte-identical.
	insts := make([]string, 0, len(e.positions))
	for inst := range e.positions {
		insts = append(insts, inst)
	}
	sort.Strings(insts)

	for _, inst := range insts {
		pos := e.positions[inst]
		b, ok := e.books[inst]
		if !ok || b.mid <= 0 {
			e.warnings = append(e.warnings,
				fmt.Sprintf("position %s has no observed price; excluded from PnL", inst))
			delete(e.positions, inst)
			continue
		}
		e.closePosition(pos, b.mid, ts, "end-of-replay")
	}
}

func (e *Engine) markToMarket(bar Bar) {
	if pos, ok := e.positions[bar.Instrument]; ok {
		pos.MarkPrice = bar.Close
	}
}

func (e *Engine) currentEquity() float64 {
	// Summation order is fixed so float accumulation is reproducible.
	insts := make([]string, 0, len(e.positions))
	for inst := range e.positions {
		insts = append(insts, inst)
	}
	sort.Strings(insts)

	equity := e.cash
	for _, inst := range insts {
		pos := e.positions[inst]
		equity += pos.MarkPrice * pos.Quantity
	}
	return equity
}

func (e *Engine) recordEquity(ts time.Time) {
	equity := e.currentEquity()
	e.equity = append(e.equity, &EquityPoint{
		Timestamp: ts,
		Equity:    equity,
		Cash:      e.cash,
		Holdings:  equity - e.cash,
	})

	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	dd := e.peakEquity - equity
	if dd > e.maxDrawdown {
		e.maxDrawdown = dd
		e.maxDrawdownPct = dd / e.peakEquity * 100
	}
}
