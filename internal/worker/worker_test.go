package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/bus"
	"github.com/applsais/financial-coach/internal/domain"
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls map[string][]domain.AnalysisKind
	fraud *domain.FraudReport
	err   error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, datasetID string, kind domain.AnalysisKind) (*domain.Analysis, any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][]domain.AnalysisKind)
	}
	f.calls[datasetID] = append(f.calls[datasetID], kind)

	if f.err != nil {
		return nil, nil, f.err
	}

	analysis := &domain.Analysis{
		ID:               datasetID + "-" + string(kind),
		DatasetID:        datasetID,
		Kind:             kind,
		TransactionCount: 40,
	}
	if kind == domain.AnalysisFraud {
		report := f.fraud
		if report == nil {
			report = &domain.FraudReport{Suspicious: []domain.SuspicionRecord{}}
		}
		return analysis, report, nil
	}
	return analysis, &domain.SubscriptionReport{}, nil
}

func (f *fakeAnalyzer) kinds(datasetID string) []domain.AnalysisKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AnalysisKind(nil), f.calls[datasetID]...)
}

func publishIngest(t *testing.T, b domain.EventBus, datasetID string) {
	t.Helper()
	payload, _ := json.Marshal(domain.TransactionsIngestedEvent{
		DatasetID: datasetID,
		Count:     3,
		FirstID:   1,
		LastID:    3,
		TraceID:   "trace-001",
	})
	if err := b.Publish(context.Background(), datasetID, domain.TopicTransactionsIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		worker := NewWorker(eventBus, &fakeAnalyzer{})

		err := worker.Start(Config{DatasetIDs: []string{"household-001"}})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTransactionsIngested {
			t.Errorf("expected topic %s, got %s", domain.TopicTransactionsIngested, stats.Topics[0])
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("RunsAnalysesAndPublishesCompletion", func(t *testing.T) {
		analyzer := &fakeAnalyzer{}
		w := NewWorker(eventBus, analyzer)
		w.Start(Config{DatasetIDs: []string{"household-test"}})
		defer w.Stop()

		var mu sync.Mutex
		var completed []domain.AnalysisCompletedEvent
		eventBus.Subscribe(context.Background(), "household-test", domain.TopicAnalysisCompleted, func(ctx context.Context, msg *domain.Message) error {
			var ev domain.AnalysisCompletedEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			mu.Lock()
			completed = append(completed, ev)
			mu.Unlock()
			return nil
		})

		var suspicious atomic.Bool
		eventBus.Subscribe(context.Background(), "household-test", domain.TopicSuspiciousFound, func(ctx context.Context, msg *domain.Message) error {
			suspicious.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)
		publishIngest(t, eventBus, "household-test")
		time.Sleep(100 * time.Millisecond)

		kinds := analyzer.kinds("household-test")
		if len(kinds) != 2 || kinds[0] != domain.AnalysisFraud || kinds[1] != domain.AnalysisSubscriptions {
			t.Errorf("expected fraud then subscriptions, got %v", kinds)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(completed) != 2 {
			t.Fatalf("expected 2 completion events, got %d", len(completed))
		}
		if completed[0].AnalysisID != "household-test-fraud" {
			t.Errorf("expected analysis ID 'household-test-fraud', got '%s'", completed[0].AnalysisID)
		}
		if completed[0].TransactionCount != 40 {
			t.Errorf("expected transaction count 40, got %d", completed[0].TransactionCount)
		}
		if suspicious.Load() {
			t.Error("no suspicious event expected for an empty fraud report")
		}
	})

	t.Run("SuspiciousPublished", func(t *testing.T) {
		analyzer := &fakeAnalyzer{
			fraud: &domain.FraudReport{
				Suspicious: []domain.SuspicionRecord{{
					ID:           7,
					Merchant:     "Unknown Shop",
					Amount:       decimal.NewFromInt(-899),
					AnomalyScore: -0.21,
					Reasons:      []string{domain.RuleLateNightLarge},
				}},
			},
		}
		w := NewWorker(eventBus, analyzer)
		w.Start(Config{DatasetIDs: []string{"household-alert"}})
		defer w.Stop()

		received := make(chan domain.SuspiciousFoundEvent, 1)
		eventBus.Subscribe(context.Background(), "household-alert", domain.TopicSuspiciousFound, func(ctx context.Context, msg *domain.Message) error {
			var ev domain.SuspiciousFoundEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			received <- ev
			return nil
		})

		time.Sleep(50 * time.Millisecond)
		publishIngest(t, eventBus, "household-alert")

		select {
		case ev := <-received:
			if len(ev.Suspicious) != 1 || ev.Suspicious[0].Merchant != "Unknown Shop" {
				t.Errorf("unexpected suspicious payload: %+v", ev.Suspicious)
			}
			if ev.AnalysisID != "household-alert-fraud" {
				t.Errorf("expected analysis ID 'household-alert-fraud', got '%s'", ev.AnalysisID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for suspicious event")
		}
	})

	t.Run("GlobalWorker", func(t *testing.T) {
		analyzer := &fakeAnalyzer{}
		w := NewWorker(eventBus, analyzer)
		w.Start(Config{})
		defer w.Stop()

		time.Sleep(50 * time.Millisecond)
		publishIngest(t, eventBus, "household-x")
		publishIngest(t, eventBus, "household-y")
		time.Sleep(100 * time.Millisecond)

		if len(analyzer.kinds("household-x")) != 2 || len(analyzer.kinds("household-y")) != 2 {
			t.Errorf("expected both datasets analysed, got %v and %v",
				analyzer.kinds("household-x"), analyzer.kinds("household-y"))
		}
	})

	t.Run("AnalysisErrorContinues", func(t *testing.T) {
		analyzer := &fakeAnalyzer{err: errors.New("database unavailable")}
		w := NewWorker(eventBus, analyzer)

		payload, _ := json.Marshal(domain.TransactionsIngestedEvent{DatasetID: "household-err", Count: 1})
		err := w.processBatch(context.Background(), &domain.Message{ID: "m1", Payload: payload})
		if err == nil {
			t.Error("expected error from failing analyzer")
		}
		if got := analyzer.kinds("household-err"); len(got) != 2 {
			t.Errorf("expected every kind attempted, got %v", got)
		}
	})

	t.Run("MultiDataset", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeAnalyzer{})
		w.Start(Config{DatasetIDs: []string{"household-a", "household-b"}})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 datasets, got %d", stats.SubscriptionCount)
		}
	})
}

func TestProcessBatchRejectsBadPayload(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), &fakeAnalyzer{})

	err := w.processBatch(context.Background(), &domain.Message{ID: "m1", Payload: []byte("not json")})
	if err == nil {
		t.Error("expected error for malformed payload")
	}

	payload, _ := json.Marshal(domain.TransactionsIngestedEvent{Count: 1})
	err = w.processBatch(context.Background(), &domain.Message{ID: "m2", Payload: payload})
	if err == nil {
		t.Error("expected error when no dataset is named")
	}
}
