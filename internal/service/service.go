// Package service runs analyses over stored datasets. It owns result caching,
// per-dataset rule engines and the ingest events consumed by the worker.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/applsais/financial-coach/internal/detection"
	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/forecast"
	"github.com/applsais/financial-coach/internal/rules"
	"github.com/applsais/financial-coach/internal/trends"
)

// Cache keys of analysis results.
const (
	keySubscriptions = "analysis:subscriptions"
	keyForecast      = "analysis:forecast"
	keyTrends        = "analysis:trends"
	keySummary       = "summary"
	keyInsights      = "insights"
	keyFraudPrefix   = "analysis:fraud"
)

// Service ties storage, caching, the detection pipeline and the bus together.
type Service struct {
	store      TransactionStore
	cache      domain.Cache
	bus        domain.EventBus
	cfg        domain.DetectionConfig
	ttl        time.Duration
	forecaster *forecast.Forecaster
	trends     *trends.Analyzer
	validator  *rules.Engine

	mu        sync.Mutex
	pipelines map[string]*detection.Pipeline

	// bumped on every rule change so cached fraud reports go stale
	rulesGen atomic.Uint64
}

// Options configures optional collaborators. Nil cache and bus are allowed.
type Options struct {
	Cache     domain.Cache
	Bus       domain.EventBus
	Detection domain.DetectionConfig
	ResultTTL time.Duration
}

// New creates an analysis service.
func New(store TransactionStore, opts Options) (*Service, error) {
	validator, err := rules.NewEngine(opts.Detection.Rules, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule validator: %w", err)
	}
	ttl := opts.ResultTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		store:      store,
		cache:      opts.Cache,
		bus:        opts.Bus,
		cfg:        opts.Detection,
		ttl:        ttl,
		forecaster: forecast.New(),
		trends:     trends.NewAnalyzer(),
		validator:  validator,
		pipelines:  make(map[string]*detection.Pipeline),
	}, nil
}

// Ingest stores a batch, drops the dataset's cached results and announces the batch.
func (s *Service) Ingest(ctx context.Context, datasetID string, txs []domain.Transaction) ([]domain.Transaction, error) {
	saved, err := s.store.SaveTransactions(ctx, datasetID, txs)
	if err != nil {
		return nil, err
	}
	if len(saved) == 0 {
		return saved, nil
	}

	s.invalidate(ctx, datasetID)

	event := domain.TransactionsIngestedEvent{
		DatasetID: datasetID,
		Count:     len(saved),
		FirstID:   saved[0].ID,
		LastID:    saved[len(saved)-1].ID,
		TraceID:   traceID(ctx),
	}
	s.publish(ctx, datasetID, domain.TopicTransactionsIngested, event)

	slog.Info("transactions ingested",
		"dataset_id", datasetID,
		"count", len(saved),
		"trace_id", event.TraceID,
	)
	return saved, nil
}

// DeleteTransactions removes a dataset's transactions and cached results.
func (s *Service) DeleteTransactions(ctx context.Context, datasetID string) (int64, error) {
	n, err := s.store.DeleteTransactions(ctx, datasetID)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, datasetID)
	return n, nil
}

// Subscriptions returns the subscription report of a dataset.
func (s *Service) Subscriptions(ctx context.Context, datasetID string) (*domain.SubscriptionReport, error) {
	return cached(ctx, s, datasetID, keySubscriptions, func(txs []domain.Transaction) (*domain.SubscriptionReport, error) {
		p, err := s.pipeline(ctx, datasetID)
		if err != nil {
			return nil, err
		}
		return p.DetectSubscriptions(ctx, txs), nil
	})
}

// Fraud returns the ranked suspicious transactions of a dataset.
func (s *Service) Fraud(ctx context.Context, datasetID string) (*domain.FraudReport, error) {
	key := fmt.Sprintf("%s:r%d", keyFraudPrefix, s.rulesGen.Load())
	return cached(ctx, s, datasetID, key, func(txs []domain.Transaction) (*domain.FraudReport, error) {
		p, err := s.pipeline(ctx, datasetID)
		if err != nil {
			return nil, err
		}
		return p.DetectFraud(ctx, txs)
	})
}

// Forecast returns the next-month forecast. With too little history the report
// is returned alongside an *domain.InsufficientDataError.
func (s *Service) Forecast(ctx context.Context, datasetID string) (*domain.ForecastReport, error) {
	return cached(ctx, s, datasetID, keyForecast, func(txs []domain.Transaction) (*domain.ForecastReport, error) {
		return s.forecaster.Forecast(txs)
	})
}

// Trends returns monthly trends and the spending summary.
func (s *Service) Trends(ctx context.Context, datasetID string) (*domain.TrendsReport, error) {
	return cached(ctx, s, datasetID, keyTrends, func(txs []domain.Transaction) (*domain.TrendsReport, error) {
		return s.trends.Analyze(txs)
	})
}

// Summary returns headline statistics of a dataset.
func (s *Service) Summary(ctx context.Context, datasetID string) (*domain.TransactionSummary, error) {
	return cached(ctx, s, datasetID, keySummary, func(txs []domain.Transaction) (*domain.TransactionSummary, error) {
		return trends.Summarize(txs), nil
	})
}

// Insights runs the dashboard analyses concurrently over one snapshot of the dataset.
// Analyses short of data contribute their empty reports.
func (s *Service) Insights(ctx context.Context, datasetID string) (*domain.Insights, error) {
	return cached(ctx, s, datasetID, keyInsights, func(txs []domain.Transaction) (*domain.Insights, error) {
		p, err := s.pipeline(ctx, datasetID)
		if err != nil {
			return nil, err
		}

		out := &domain.Insights{}
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			out.Subscriptions = p.DetectSubscriptions(gctx, txs)
			return nil
		})
		g.Go(func() error {
			report, err := s.forecaster.Forecast(txs)
			if err != nil && !errors.Is(err, domain.ErrInsufficientData) {
				return fmt.Errorf("forecast: %w", err)
			}
			out.Forecast = report
			return nil
		})
		g.Go(func() error {
			report, err := s.trends.Analyze(txs)
			if err != nil && !errors.Is(err, domain.ErrInsufficientData) {
				return fmt.Errorf("trends: %w", err)
			}
			out.Trends = report
			return nil
		})
		g.Go(func() error {
			out.Summary = trends.Summarize(txs)
			return nil
		})

		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Analyze runs one analysis kind without the result cache and persists the run.
func (s *Service) Analyze(ctx context.Context, datasetID string, kind domain.AnalysisKind) (*domain.Analysis, any, error) {
	start := time.Now()

	txs, err := s.store.ListTransactions(ctx, datasetID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	var result any
	switch kind {
	case domain.AnalysisFraud:
		p, perr := s.pipeline(ctx, datasetID)
		if perr != nil {
			return nil, nil, perr
		}
		result, err = p.DetectFraud(ctx, txs)
	case domain.AnalysisSubscriptions:
		p, perr := s.pipeline(ctx, datasetID)
		if perr != nil {
			return nil, nil, perr
		}
		result = p.DetectSubscriptions(ctx, txs)
	case domain.AnalysisForecast:
		result, err = s.forecaster.Forecast(txs)
	case domain.AnalysisTrends:
		result, err = s.trends.Analyze(txs)
	default:
		return nil, nil, fmt.Errorf("unknown analysis kind: %s", kind)
	}
	if err != nil && !errors.Is(err, domain.ErrInsufficientData) {
		return nil, nil, fmt.Errorf("%s analysis: %w", kind, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s result: %w", kind, err)
	}

	analysis := &domain.Analysis{
		ID:               uuid.New().String(),
		Kind:             kind,
		TransactionCount: len(txs),
		Result:           payload,
		TraceID:          traceID(ctx),
		DurationMs:       time.Since(start).Milliseconds(),
	}
	if err := s.store.SaveAnalysis(ctx, datasetID, analysis); err != nil {
		return nil, nil, fmt.Errorf("failed to save analysis: %w", err)
	}

	return analysis, result, nil
}

// ValidateRule compiles a rule without loading it anywhere.
func (s *Service) ValidateRule(rule *domain.CustomRule) error {
	return s.validator.ValidateRule(rule)
}

// SaveRule validates and stores a custom rule. Rules saved under
// domain.WildcardDataset apply to every dataset.
func (s *Service) SaveRule(ctx context.Context, datasetID string, rule *domain.CustomRule) error {
	if err := s.ValidateRule(rule); err != nil {
		return err
	}
	if err := s.store.SaveRule(ctx, datasetID, rule); err != nil {
		return err
	}
	s.dropPipelines(datasetID)
	return nil
}

// ReloadRules rebuilds the rule engine of a dataset from storage and returns the
// number of active custom rules. Reloading the wildcard scope resets every dataset.
func (s *Service) ReloadRules(ctx context.Context, datasetID string) (int, error) {
	s.dropPipelines(datasetID)
	p, err := s.pipeline(ctx, datasetID)
	if err != nil {
		return 0, err
	}
	return p.Engine().RulesCount(), nil
}

// LoadedRules returns the custom rules active for a dataset.
func (s *Service) LoadedRules(ctx context.Context, datasetID string) ([]*domain.CustomRule, error) {
	p, err := s.pipeline(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return p.Engine().GetLoadedRules(), nil
}

// pipeline returns the dataset's pipeline, building it with the global and dataset rules.
func (s *Service) pipeline(ctx context.Context, datasetID string) (*detection.Pipeline, error) {
	s.mu.Lock()
	p, ok := s.pipelines[datasetID]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	custom, err := s.rulesFor(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	p, err = detection.New(s.cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Engine().ReloadRules(custom); err != nil {
		return nil, fmt.Errorf("failed to load custom rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pipelines[datasetID]; ok {
		return existing, nil
	}
	s.pipelines[datasetID] = p
	return p, nil
}

// rulesFor merges global rules with the dataset's own; a dataset rule replaces a global one with the same ID.
func (s *Service) rulesFor(ctx context.Context, datasetID string) ([]*domain.CustomRule, error) {
	global, err := s.store.ListRules(ctx, domain.WildcardDataset)
	if err != nil {
		return nil, fmt.Errorf("failed to load global rules: %w", err)
	}
	if datasetID == domain.WildcardDataset {
		return global, nil
	}

	own, err := s.store.ListRules(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	overridden := make(map[string]bool, len(own))
	for _, r := range own {
		overridden[r.ID] = true
	}
	merged := make([]*domain.CustomRule, 0, len(global)+len(own))
	for _, r := range global {
		if !overridden[r.ID] {
			merged = append(merged, r)
		}
	}
	return append(merged, own...), nil
}

func (s *Service) dropPipelines(datasetID string) {
	s.mu.Lock()
	if datasetID == domain.WildcardDataset {
		s.pipelines = make(map[string]*detection.Pipeline)
	} else {
		delete(s.pipelines, datasetID)
	}
	s.mu.Unlock()
	s.rulesGen.Add(1)
}

func (s *Service) invalidate(ctx context.Context, datasetID string) {
	if s.cache == nil {
		return
	}
	keys := []string{
		keySubscriptions, keyForecast, keyTrends, keySummary, keyInsights,
		fmt.Sprintf("%s:r%d", keyFraudPrefix, s.rulesGen.Load()),
	}
	if err := s.cache.Delete(ctx, datasetID, keys...); err != nil {
		slog.Warn("cache invalidation failed", "dataset_id", datasetID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, datasetID, topic string, event any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, datasetID, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"dataset_id", datasetID,
			"error", err,
		)
	}
}

// cached serves a result from the cache or computes it from the dataset's transactions.
// Only error-free results are stored.
func cached[T any](ctx context.Context, s *Service, datasetID, key string, compute func([]domain.Transaction) (*T, error)) (*T, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, datasetID, key)
		if err != nil {
			slog.Warn("cache read failed", "dataset_id", datasetID, "key", key, "error", err)
		}
		if raw != nil {
			var out T
			if err := json.Unmarshal(raw, &out); err == nil {
				return &out, nil
			}
		}
	}

	txs, err := s.store.ListTransactions(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	out, err := compute(txs)
	if err != nil || out == nil || s.cache == nil {
		return out, err
	}

	if raw, merr := json.Marshal(out); merr == nil {
		if err := s.cache.Set(ctx, datasetID, key, raw, s.ttl); err != nil {
			slog.Warn("cache write failed", "dataset_id", datasetID, "key", key, "error", err)
		}
	}
	return out, nil
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
