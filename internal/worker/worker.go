// Package worker runs analyses asynchronously when transactions are ingested.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/applsais/financial-coach/internal/domain"
)

// Analyzer runs and persists one analysis kind over a dataset.
type Analyzer interface {
	Analyze(ctx context.Context, datasetID string, kind domain.AnalysisKind) (*domain.Analysis, any, error)
}

// Kinds are the analyses run on every ingest event.
var Kinds = []domain.AnalysisKind{domain.AnalysisFraud, domain.AnalysisSubscriptions}

// Worker consumes ingest events from the EventBus.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// DatasetIDs is the list of datasets to process (empty = all via wildcard)
	DatasetIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, analyzer Analyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing ingest events for the given datasets.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.DatasetIDs) == 0 {
		if err := w.subscribe(domain.WildcardDataset); err != nil {
			return err
		}
		slog.Info("global worker started", "topic", domain.TopicTransactionsIngested)
		return nil
	}

	for _, datasetID := range cfg.DatasetIDs {
		if err := w.subscribe(datasetID); err != nil {
			slog.Error("failed to start worker for dataset",
				"dataset_id", datasetID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"dataset_count", len(cfg.DatasetIDs),
	)

	return nil
}

func (w *Worker) subscribe(datasetID string) error {
	sub, err := w.bus.Subscribe(w.ctx, datasetID, domain.TopicTransactionsIngested, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	return w.processBatch(ctx, msg)
}

// processBatch runs every analysis kind over the dataset named in the event.
func (w *Worker) processBatch(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var event domain.TransactionsIngestedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse ingest event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	datasetID := event.DatasetID
	if datasetID == "" {
		datasetID = msg.DatasetID
	}
	if datasetID == "" {
		return fmt.Errorf("ingest event %s has no dataset", msg.ID)
	}

	traceID := event.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing ingest event",
		"dataset_id", datasetID,
		"count", event.Count,
		"trace_id", traceID,
	)

	var firstErr error
	for _, kind := range Kinds {
		analysis, result, err := w.analyzer.Analyze(ctx, datasetID, kind)
		if err != nil {
			slog.Error("analysis failed",
				"dataset_id", datasetID,
				"kind", kind,
				"trace_id", traceID,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		w.publish(ctx, datasetID, domain.TopicAnalysisCompleted, domain.AnalysisCompletedEvent{
			AnalysisID:       analysis.ID,
			DatasetID:        datasetID,
			Kind:             kind,
			TransactionCount: analysis.TransactionCount,
			DurationMs:       analysis.DurationMs,
		})

		if report, ok := result.(*domain.FraudReport); ok && report != nil && len(report.Suspicious) > 0 {
			w.publish(ctx, datasetID, domain.TopicSuspiciousFound, domain.SuspiciousFoundEvent{
				AnalysisID: analysis.ID,
				DatasetID:  datasetID,
				Suspicious: report.Suspicious,
			})
		}
	}

	slog.Info("ingest event processed",
		"dataset_id", datasetID,
		"trace_id", traceID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return firstErr
}

func (w *Worker) publish(ctx context.Context, datasetID, topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, datasetID, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"dataset_id", datasetID,
			"error", err,
		)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.cancel()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	// Unsubscribe all
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
