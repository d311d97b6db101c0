// Package detection wires subscription detection, feature building, outlier
// scoring, rule evaluation and aggregation into the fraud pipeline.
package detection

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/features"
	"github.com/applsais/financial-coach/internal/outlier"
	"github.com/applsais/financial-coach/internal/rules"
	"github.com/applsais/financial-coach/internal/subscriptions"
	"github.com/applsais/financial-coach/internal/suspicion"
	"github.com/applsais/financial-coach/internal/velocity"
)

const msgNoTransactions = "No transactions to analyze"

var tracer = otel.Tracer("financial-coach-detection")

// Pipeline runs the analyses over a transaction set. It keeps no per-call state;
// only the rule engine's custom rules change over its lifetime.
type Pipeline struct {
	detector   *subscriptions.Detector
	builder    *features.Builder
	scorer     *outlier.Scorer
	engine     *rules.Engine
	aggregator *suspicion.Aggregator
}

// New creates a pipeline with its own rule engine.
func New(cfg domain.DetectionConfig) (*Pipeline, error) {
	window := time.Duration(cfg.Rules.VelocityWindowSeconds * float64(time.Second))
	engine, err := rules.NewEngine(cfg.Rules, velocity.NewCounter(window))
	if err != nil {
		return nil, fmt.Errorf("failed to create rule engine: %w", err)
	}
	return NewWithEngine(cfg, engine), nil
}

// NewWithEngine creates a pipeline around an existing rule engine.
func NewWithEngine(cfg domain.DetectionConfig, engine *rules.Engine) *Pipeline {
	return &Pipeline{
		detector:   subscriptions.NewDetector(cfg.Keywords, cfg.Subscription),
		builder:    features.NewBuilder(cfg.Keywords),
		scorer:     outlier.NewScorer(cfg.Outlier),
		engine:     engine,
		aggregator: suspicion.NewAggregator(cfg.Aggregator),
	}
}

// Engine returns the rule engine so callers can manage custom rules.
func (p *Pipeline) Engine() *rules.Engine {
	return p.engine
}

// DetectSubscriptions returns the subscription registry of txs.
func (p *Pipeline) DetectSubscriptions(ctx context.Context, txs []domain.Transaction) *domain.SubscriptionReport {
	_, span := tracer.Start(ctx, "detection.subscriptions",
		trace.WithAttributes(attribute.Int("transactions", len(txs))),
	)
	defer span.End()

	report := p.detector.Detect(txs)
	span.SetAttributes(attribute.Int("subscriptions", report.TotalSubscriptions))
	return report
}

// Enrich builds the enriched table of txs against their own subscription registry.
func (p *Pipeline) Enrich(ctx context.Context, txs []domain.Transaction) []domain.EnrichedRecord {
	subs := p.DetectSubscriptions(ctx, txs)

	_, span := tracer.Start(ctx, "detection.features")
	defer span.End()
	return p.builder.Build(txs, subs.Subscriptions)
}

// DetectFraud returns the ranked suspicious transactions of txs.
// Empty input yields an empty report, not an error.
func (p *Pipeline) DetectFraud(ctx context.Context, txs []domain.Transaction) (*domain.FraudReport, error) {
	ctx, span := tracer.Start(ctx, "detection.fraud",
		trace.WithAttributes(attribute.Int("transactions", len(txs))),
	)
	defer span.End()

	if len(txs) == 0 {
		return &domain.FraudReport{
			Suspicious: []domain.SuspicionRecord{},
			Message:    msgNoTransactions,
		}, nil
	}

	records := p.Enrich(ctx, txs)

	var (
		scores   []domain.AnomalyScore
		outcomes []domain.RuleOutcome
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sctx, s := tracer.Start(gctx, "detection.outlier")
		defer s.End()
		var err error
		scores, err = p.scorer.Score(sctx, records)
		return err
	})
	g.Go(func() error {
		rctx, s := tracer.Start(gctx, "detection.rules")
		defer s.End()
		var err error
		outcomes, err = p.engine.Evaluate(rctx, records)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	_, aspan := tracer.Start(ctx, "detection.aggregate")
	suspicious, st, err := p.aggregator.Aggregate(records, outcomes, scores)
	aspan.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("suspicious", len(suspicious)),
		attribute.Int("rule_flagged", st.RuleFlagged),
		attribute.Int("model_flagged", st.ModelFlagged),
	)

	return &domain.FraudReport{
		Suspicious:        suspicious,
		TotalTransactions: len(txs),
		RuleFlagged:       st.RuleFlagged,
		ModelFlagged:      st.ModelFlagged,
		ScoreCutoff:       st.Cutoff,
		Message:           fmt.Sprintf("Found %d suspicious transactions", len(suspicious)),
	}, nil
}
