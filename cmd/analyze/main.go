// Command analyze runs every analysis over a ledger CSV and prints the results as JSON.
//
// Usage:
//
//	go run ./cmd/analyze -csv ledger.csv [-rules rules.json] [-only fraud,forecast]
//
// Detection tunables follow the same COACH_* variables as the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/config"
	"github.com/applsais/financial-coach/internal/detection"
	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/forecast"
	"github.com/applsais/financial-coach/internal/ingest"
	"github.com/applsais/financial-coach/internal/trends"
)

type ingestStats struct {
	File        string          `json:"file"`
	Rows        int             `json:"rows"`
	Skipped     int             `json:"skipped"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// Output is the document written to stdout. Analyses that were not requested stay nil.
type Output struct {
	Ingest        ingestStats                `json:"ingest"`
	Summary       *domain.TransactionSummary `json:"summary,omitempty"`
	Subscriptions *domain.SubscriptionReport `json:"subscriptions,omitempty"`
	Fraud         *domain.FraudReport        `json:"fraud,omitempty"`
	Forecast      *domain.ForecastReport     `json:"forecast,omitempty"`
	Trends        *domain.TrendsReport       `json:"trends,omitempty"`
	Warnings      map[string]string          `json:"warnings,omitempty"`
	DurationMs    int64                      `json:"duration_ms"`
}

func main() {
	csvPath := flag.String("csv", "", "Path to the ledger CSV (date, merchant, amount[, category, description])")
	rulesPath := flag.String("rules", "", "Optional JSON file with an array of custom rules")
	only := flag.String("only", "", "Comma separated analyses to run: summary,subscriptions,fraud,forecast,trends (default all)")
	pretty := flag.Bool("pretty", true, "Indent the JSON output")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: analyze -csv ledger.csv [-rules rules.json] [-only fraud,forecast]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(context.Background(), *csvPath, *rulesPath, *only, *pretty); err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, csvPath, rulesPath, only string, pretty bool) error {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	kinds, err := parseKinds(only)
	if err != nil {
		return err
	}

	res, err := ingest.NewReader().ReadFile(ctx, csvPath)
	if err != nil {
		return err
	}

	pipeline, err := detection.New(cfg.Detection)
	if err != nil {
		return err
	}
	if rulesPath != "" {
		custom, err := readRules(rulesPath)
		if err != nil {
			return err
		}
		if err := pipeline.Engine().LoadRules(custom); err != nil {
			return fmt.Errorf("failed to load custom rules: %w", err)
		}
	}

	out := Output{
		Ingest: ingestStats{
			File:        csvPath,
			Rows:        len(res.Transactions),
			Skipped:     res.Skipped,
			TotalAmount: res.TotalAmount,
		},
		Warnings: make(map[string]string),
	}
	txs := res.Transactions

	// tolerate reports that come back with too little data
	keep := func(name string, err error) error {
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrInsufficientData) {
			out.Warnings[name] = err.Error()
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}

	if kinds["summary"] {
		out.Summary = trends.Summarize(txs)
	}
	if kinds["subscriptions"] {
		out.Subscriptions = pipeline.DetectSubscriptions(ctx, txs)
	}
	if kinds["fraud"] {
		report, err := pipeline.DetectFraud(ctx, txs)
		if err := keep("fraud", err); err != nil {
			return err
		}
		out.Fraud = report
	}
	if kinds["forecast"] {
		report, err := forecast.New().Forecast(txs)
		if err := keep("forecast", err); err != nil {
			return err
		}
		out.Forecast = report
	}
	if kinds["trends"] {
		report, err := trends.NewAnalyzer().Analyze(txs)
		if err := keep("trends", err); err != nil {
			return err
		}
		out.Trends = report
	}

	if len(out.Warnings) == 0 {
		out.Warnings = nil
	}
	out.DurationMs = time.Since(start).Milliseconds()

	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}

var allKinds = []string{"summary", "subscriptions", "fraud", "forecast", "trends"}

func parseKinds(only string) (map[string]bool, error) {
	kinds := make(map[string]bool, len(allKinds))
	if strings.TrimSpace(only) == "" {
		for _, k := range allKinds {
			kinds[k] = true
		}
		return kinds, nil
	}

	for _, k := range strings.Split(only, ",") {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		valid := false
		for _, known := range allKinds {
			if k == known {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown analysis %q: must be one of %v", k, allKinds)
		}
		kinds[k] = true
	}
	return kinds, nil
}

func readRules(path string) ([]*domain.CustomRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var custom []*domain.CustomRule
	if err := json.Unmarshal(raw, &custom); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return custom, nil
}
