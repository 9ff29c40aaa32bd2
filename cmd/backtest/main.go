// Backtest runner CLI. Replays one strategy family over a historical bar
// window and prints the report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/stratpipe/internal/candidate"
	"github.com/quantforge/stratpipe/internal/marketdata"
	"github.com/quantforge/stratpipe/internal/strategy"
	"github.com/quantforge/stratpipe/internal/worker"
	"github.com/quantforge/stratpipe/pkg/backtest"
)

var (
	family     = flag.String("family", "", "Strategy family (trend, reversion)")
	instrument = flag.String("instrument", "BTCUSDT", "Instrument to replay")
	timeframe  = flag.String("timeframe", "1h", "Bar timeframe (1m, 5m, 1h, 4h, 1d, ...)")

	startDate = flag.String("start", "", "Start date (YYYY-MM-DD)")
	endDate   = flag.String("end", "", "End date (YYYY-MM-DD), defaults to today")
	days      = flag.Int("days", 0, "Window length in days, counted back from -end (alternative to -start)")

	initialCapital = flag.Float64("capital", 10000.0, "Initial capital in USD")
	commissionRate = flag.Float64("commission", 0.0005, "Commission rate (0.0005 = 5 bps)")
	slippageBps    = flag.Float64("slippage", 5, "Slippage in basis points")
	fillModel      = flag.String("fill", "STANDARD", "Fill model (STANDARD, PESSIMISTIC, OPTIMISTIC)")
	seed           = flag.Int64("seed", 0, "Random seed for latency jitter")

	provider = flag.String("provider", "synthetic", "Bar provider (synthetic, binance)")

	outputFile = flag.String("output", "", "Write the full JSON report to this file (optional)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *family == "" {
		fmt.Fprintln(os.Stderr, "Error: -family flag is required")
		flag.Usage()
		os.Exit(1)
	}

	start, end, err := resolveWindow()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	log.Info().
		Str("family", *family).
		Str("instrument", *instrument).
		Str("timeframe", *timeframe).
		Str("start", start.Format("2006-01-02")).
		Str("end", end.Format("2006-01-02")).
		Float64("capital", *initialCapital).
		Msg("Starting backtest")

	if err := runBacktest(context.Background(), start, end); err != nil {
		log.Fatal().Err(err).Msg("Backtest failed")
	}
}

// resolveWindow turns the -start/-end/-days flags into a concrete UTC window.
func resolveWindow() (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if *endDate != "" {
		parsed, err := time.Parse("2006-01-02", *endDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date (use YYYY-MM-DD): %w", err)
		}
		end = parsed
	}

	switch {
	case *startDate != "":
		start, err := time.Parse("2006-01-02", *startDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date (use YYYY-MM-DD): %w", err)
		}
		if !start.Before(end) {
			return time.Time{}, time.Time{}, fmt.Errorf("start %s is not before end %s", *startDate, end.Format("2006-01-02"))
		}
		return start, end, nil
	case *days > 0:
		return end.AddDate(0, 0, -*days), end, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("either -start or -days is required")
	}
}

func runBacktest(ctx context.Context, start, end time.Time) error {
	idea, err := buildIdea(start)
	if err != nil {
		return err
	}

	strat, err := strategy.NewBuilder(log.Logger).Build(idea)
	if err != nil {
		return fmt.Errorf("strategy build failed: %w", err)
	}

	bars, err := newProvider().GetBars(ctx, *instrument, *timeframe, start, end)
	if err != nil {
		return fmt.Errorf("bar fetch failed: %w", err)
	}
	if len(bars) == 0 {
		return fmt.Errorf("no bars for %s %s in window", *instrument, *timeframe)
	}
	log.Info().Int("bars", len(bars)).Msg("Window loaded")

	engine, err := backtest.NewEngine(backtest.Config{
		InitialCapital: *initialCapital,
		FillModel:      backtest.FillModel(*fillModel),
		CommissionRate: *commissionRate,
		SlippageBps:    *slippageBps,
		RandomSeed:     *seed,
		Risk:           backtest.DefaultConfig().Risk,
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("engine config rejected: %w", err)
	}

	report, err := engine.Run(ctx, strat, bars)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	printReport(report)

	if *outputFile != "" {
		raw, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("report encoding failed: %w", err)
		}
		if err := os.WriteFile(*outputFile, raw, 0o644); err != nil {
			log.Warn().Err(err).Str("file", *outputFile).Msg("Failed to write output file")
		} else {
			log.Info().Str("file", *outputFile).Msg("Report written to file")
		}
	}
	return nil
}

func buildIdea(start time.Time) (*candidate.Idea, error) {
	var category candidate.Category
	switch *family {
	case "trend":
		category = candidate.CategoryTrendFollowing
	case "reversion":
		category = candidate.CategoryMeanReversion
	default:
		return nil, fmt.Errorf("unknown family %q (use trend or reversion)", *family)
	}
	idea := candidate.New(*family+"-replay", category, []string{*instrument}, *timeframe, start)
	idea.Clamp()
	return idea, nil
}

func newProvider() worker.BarSource {
	if *provider == "binance" {
		return marketdata.NewBinanceProvider(marketdata.BinanceConfig{RateLimit: 10}, log.Logger)
	}
	return marketdata.NewSyntheticProvider()
}

func printReport(r *backtest.Report) {
	m := r.Metrics
	a := r.Assessment

	fmt.Println()
	fmt.Println("================ BACKTEST REPORT ================")
	fmt.Printf("Window          %s .. %s\n", m.StartDate.Format("2006-01-02"), m.EndDate.Format("2006-01-02"))
	fmt.Printf("Bars processed  %d\n", r.BarsProcessed)
	fmt.Println("-------------------------------------------------")
	fmt.Printf("Initial capital %14.2f\n", m.InitialCapital)
	fmt.Printf("Final capital   %14.2f\n", m.FinalCapital)
	fmt.Printf("Total return    %13.2f%%\n", m.TotalReturnPct)
	fmt.Printf("Max drawdown    %13.2f%%\n", m.MaxDrawdownPct)
	fmt.Printf("Sharpe ratio    %14.2f\n", m.SharpeRatio)
	fmt.Printf("Sortino ratio   %14.2f\n", m.SortinoRatio)
	fmt.Printf("Profit factor   %14.2f\n", m.ProfitFactor)
	fmt.Println("-------------------------------------------------")
	fmt.Printf("Trades          %d (%d wins, %d losses, %.1f%% win rate)\n",
		m.TotalTrades, m.WinningTrades, m.LosingTrades, m.WinRate)
	fmt.Println("-------------------------------------------------")
	fmt.Printf("Tier            %s (score %d/7)\n", a.Tier, a.Score)
	fmt.Printf("Viable          %v\n", a.Viable)
	fmt.Printf("Activate        %v\n", a.ShouldActivate)
	for _, reason := range a.Reasons {
		fmt.Printf("  - %s\n", reason)
	}
	for _, rec := range a.Recommendations {
		fmt.Printf("  > %s\n", rec)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  ! %s\n", w)
	}
	fmt.Println("=================================================")
}
