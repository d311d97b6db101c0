package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/applsais/financial-coach/internal/bus"
	"github.com/applsais/financial-coach/internal/cache"
	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/repository"
	"github.com/applsais/financial-coach/internal/service"
)

const testDataset = "household-001"

type testEnv struct {
	server *Server
	svc    *service.Service
}

// createTestServer wires a server over SQLite, the in-memory cache and the channel bus.
func createTestServer(t *testing.T, mutate ...func(*domain.ServerConfig)) *testEnv {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:            "localhost",
		Port:            8080,
		ReadTimeout:     30,
		WriteTimeout:    30,
		AnalysisTimeout: 30,
		MaxUploadBytes:  1 << 20,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "coach.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	c := cache.NewMemoryCache(time.Minute, time.Minute)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() {
		b.Close()
		c.Close()
		repo.Close()
	})

	svc, err := service.New(repo, service.Options{
		Cache:     c,
		Bus:       b,
		Detection: domain.DefaultDetectionConfig(),
		ResultTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	return &testEnv{
		server: NewServer(cfg, repo, svc, c, b, "test-v1"),
		svc:    svc,
	}
}

func (e *testEnv) do(method, path, datasetID string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if datasetID != "" {
		req.Header.Set(DatasetIDHeader, datasetID)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

// ledgerRequest is three months of payroll, rent, streaming, groceries and fuel.
func ledgerRequest() IngestRequest {
	var req IngestRequest
	add := func(date, merchant, amount, category string) {
		in := TransactionInput{Date: date, Merchant: merchant, Category: category}
		json.Unmarshal([]byte(amount), &in.Amount)
		req.Transactions = append(req.Transactions, in)
	}
	for m := 1; m <= 3; m++ {
		add(fmt.Sprintf("2025-%02d-01 09:00", m), "Payroll", "3000.00", "Income")
		add(fmt.Sprintf("2025-%02d-03 08:00", m), "Rent", "-1500.00", "Housing")
		add(fmt.Sprintf("2025-%02d-10 20:00", m), "Netflix", "-15.99", "Entertainment")
		add(fmt.Sprintf("2025-%02d-14 12:00", m), "Whole Foods", "-84.20", "Groceries")
		add(fmt.Sprintf("2025-%02d-21 13:00", m), "Shell", "-41.10", "Transport")
	}
	return req
}

func (e *testEnv) seed(t *testing.T, datasetID string) {
	t.Helper()
	body, _ := json.Marshal(ledgerRequest())
	rr := e.do(http.MethodPost, "/transactions", datasetID, bytes.NewReader(body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("seed failed: %d %s", rr.Code, rr.Body.String())
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response: %v (%s)", err, rr.Body.String())
	}
	return out
}

func TestTransactionEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("CreateBatch", func(t *testing.T) {
		body, _ := json.Marshal(ledgerRequest())
		rr := env.do(http.MethodPost, "/transactions", testDataset, bytes.NewReader(body))

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[IngestResponse](t, rr)
		if resp.Inserted != 15 {
			t.Errorf("expected 15 inserted, got %d", resp.Inserted)
		}
		if resp.FirstID != 1 || resp.LastID != 15 {
			t.Errorf("expected ids 1..15, got %d..%d", resp.FirstID, resp.LastID)
		}
		if resp.TotalAmount.String() != "4076.13" {
			t.Errorf("expected total 4076.13, got %s", resp.TotalAmount)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
	})

	t.Run("MissingDatasetID", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/transactions", "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("WildcardDatasetRejected", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/transactions", domain.WildcardDataset, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/transactions", testDataset, strings.NewReader("not-json"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/transactions", testDataset, strings.NewReader(`{"transactions":[]}`))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("BadDate", func(t *testing.T) {
		body := `{"transactions":[{"date":"yesterday","merchant":"Shell","amount":"-10"}]}`
		rr := env.do(http.MethodPost, "/transactions", testDataset, strings.NewReader(body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "transactions[0]") {
			t.Errorf("expected error to name the entry, got %s", rr.Body.String())
		}
	})

	t.Run("MissingMerchant", func(t *testing.T) {
		body := `{"transactions":[{"date":"2025-01-01","merchant":" ","amount":"-10"}]}`
		rr := env.do(http.MethodPost, "/transactions", testDataset, strings.NewReader(body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/transactions?skip=0&limit=5", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		page := decode[TransactionPage](t, rr)
		if page.Total != 15 {
			t.Errorf("expected total 15, got %d", page.Total)
		}
		if len(page.Transactions) != 5 {
			t.Fatalf("expected 5 transactions, got %d", len(page.Transactions))
		}
		if page.Transactions[0].Merchant != "Shell" {
			t.Errorf("expected newest to be Shell, got %s", page.Transactions[0].Merchant)
		}
	})

	t.Run("ListBadLimit", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=5000", "skip=-1", "limit=abc"} {
			rr := env.do(http.MethodGet, "/transactions?"+q, testDataset, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", q, rr.Code)
			}
		}
	})

	t.Run("Exists", func(t *testing.T) {
		resp := decode[map[string]any](t, env.do(http.MethodGet, "/transactions/exists", testDataset, nil))
		if resp["exists"] != true {
			t.Errorf("expected exists true, got %v", resp["exists"])
		}

		resp = decode[map[string]any](t, env.do(http.MethodGet, "/transactions/exists", "household-002", nil))
		if resp["exists"] != false {
			t.Errorf("expected exists false for other dataset, got %v", resp["exists"])
		}
	})

	t.Run("Summary", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/transactions/summary", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		s := decode[domain.TransactionSummary](t, rr)
		if s.TotalTransactions != 15 {
			t.Errorf("expected 15 transactions, got %d", s.TotalTransactions)
		}
		if s.DateRange == nil || s.DateRange.Start != "2025-01-01" || s.DateRange.End != "2025-03-21" {
			t.Errorf("unexpected date range %+v", s.DateRange)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := env.do(http.MethodDelete, "/transactions", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[map[string]any](t, rr)
		if resp["deleted"] != float64(15) {
			t.Errorf("expected 15 deleted, got %v", resp["deleted"])
		}

		s := decode[domain.TransactionSummary](t, env.do(http.MethodGet, "/transactions/summary", testDataset, nil))
		if s.TotalTransactions != 0 {
			t.Errorf("expected cached summary to be dropped, got %d transactions", s.TotalTransactions)
		}
	})
}

func TestUploadEndpoint(t *testing.T) {
	const csvBody = "Date,Merchant,Amount,Category\n" +
		"2025-01-05,Netflix,-15.99,Entertainment\n" +
		"not-a-date,Broken,1.00,\n" +
		"2025-02-05,Netflix,\"-15.99\",Entertainment\n"

	t.Run("RawBody", func(t *testing.T) {
		env := createTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/transactions/upload", strings.NewReader(csvBody))
		req.Header.Set("Content-Type", "text/csv")
		req.Header.Set(DatasetIDHeader, testDataset)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[IngestResponse](t, rr)
		if resp.Inserted != 2 || resp.Skipped != 1 {
			t.Errorf("expected 2 inserted and 1 skipped, got %d and %d", resp.Inserted, resp.Skipped)
		}
	})

	t.Run("Multipart", func(t *testing.T) {
		env := createTestServer(t)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("file", "ledger.csv")
		io.WriteString(fw, csvBody)
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/transactions/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set(DatasetIDHeader, testDataset)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if resp := decode[IngestResponse](t, rr); resp.Inserted != 2 {
			t.Errorf("expected 2 inserted, got %d", resp.Inserted)
		}
	})

	t.Run("MissingFileField", func(t *testing.T) {
		env := createTestServer(t)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("note", "no file here")
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/transactions/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set(DatasetIDHeader, testDataset)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingColumns", func(t *testing.T) {
		env := createTestServer(t)
		rr := env.do(http.MethodPost, "/transactions/upload", testDataset, strings.NewReader("date,amount\n2025-01-01,-5\n"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "merchant") {
			t.Errorf("expected missing column to be named, got %s", rr.Body.String())
		}
	})

	t.Run("NoValidRows", func(t *testing.T) {
		env := createTestServer(t)
		rr := env.do(http.MethodPost, "/transactions/upload", testDataset, strings.NewReader("date,merchant,amount\nx,y,z\n"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		env := createTestServer(t, func(cfg *domain.ServerConfig) {
			cfg.MaxUploadBytes = 256
		})

		var sb strings.Builder
		sb.WriteString("date,merchant,amount\n")
		for i := 0; i < 100; i++ {
			sb.WriteString("2025-01-05,Corner Store,-12.50\n")
		}
		rr := env.do(http.MethodPost, "/transactions/upload", testDataset, strings.NewReader(sb.String()))
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestAnalysisEndpoints(t *testing.T) {
	env := createTestServer(t)
	env.seed(t, testDataset)

	t.Run("Subscriptions", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/subscriptions", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		report := decode[domain.SubscriptionReport](t, rr)
		if report.TotalSubscriptions != 4 {
			t.Errorf("expected 4 subscriptions, got %d", report.TotalSubscriptions)
		}
	})

	t.Run("Anomalies", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/anomalies", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		report := decode[domain.FraudReport](t, rr)
		if report.TotalTransactions != 15 {
			t.Errorf("expected 15 transactions analysed, got %d", report.TotalTransactions)
		}
	})

	t.Run("AnomaliesEmptyDataset", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/anomalies", "household-empty", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		report := decode[domain.FraudReport](t, rr)
		if report.Message != "No transactions to analyze" {
			t.Errorf("unexpected message %q", report.Message)
		}
	})

	t.Run("Forecast", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/forecast", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		report := decode[domain.ForecastReport](t, rr)
		if report.Forecast.Month != "2025-04" {
			t.Errorf("expected forecast for 2025-04, got %q", report.Forecast.Month)
		}
		if len(report.History) != 3 {
			t.Errorf("expected 3 history months, got %d", len(report.History))
		}
	})

	t.Run("ForecastInsufficientData", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/forecast", "household-empty", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		report := decode[domain.ForecastReport](t, rr)
		if report.Forecast.PredictedExpenses != nil {
			t.Error("expected no prediction without history")
		}
	})

	t.Run("Trends", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/trends", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		report := decode[domain.TrendsReport](t, rr)
		if len(report.Monthly) != 3 {
			t.Errorf("expected 3 months, got %d", len(report.Monthly))
		}
	})

	t.Run("Insights", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/insights", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		in := decode[domain.Insights](t, rr)
		if in.Summary == nil || in.Summary.TotalTransactions != 15 {
			t.Errorf("unexpected summary %+v", in.Summary)
		}
		if in.Subscriptions == nil || in.Forecast == nil || in.Trends == nil {
			t.Error("expected all analyses in insights")
		}
	})

	t.Run("PersistedAnalysis", func(t *testing.T) {
		ctx := context.Background()
		analysis, _, err := env.svc.Analyze(ctx, testDataset, domain.AnalysisTrends)
		if err != nil {
			t.Fatalf("analyze failed: %v", err)
		}

		rr := env.do(http.MethodGet, "/analyses/"+analysis.ID, testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		got := decode[domain.Analysis](t, rr)
		if got.Kind != domain.AnalysisTrends || got.TransactionCount != 15 {
			t.Errorf("unexpected analysis %+v", got)
		}

		rr = env.do(http.MethodGet, "/analyses/"+analysis.ID, "household-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 from another dataset, got %d", rr.Code)
		}
	})

	t.Run("AnalysisNotFound", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/analyses/does-not-exist", testDataset, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)
	env.seed(t, testDataset)

	t.Run("CreateRule", func(t *testing.T) {
		body := `{"id":"fuel","name":"Fuel purchases","expression":"merchant == \"Shell\""}`
		rr := env.do(http.MethodPost, "/rules", testDataset, strings.NewReader(body))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		report := decode[domain.FraudReport](t, env.do(http.MethodGet, "/anomalies", testDataset, nil))
		fuel := 0
		for _, s := range report.Suspicious {
			for _, reason := range s.Reasons {
				if reason == "fuel" {
					fuel++
				}
			}
		}
		if fuel != 3 {
			t.Errorf("expected 3 fuel flags, got %d", fuel)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		body := `{"id":"bad","name":"Bad","expression":"amount >"}`
		rr := env.do(http.MethodPost, "/rules", testDataset, strings.NewReader(body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/rules", testDataset, strings.NewReader(`{"id":"x"}`))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rules/fuel", testDataset, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		rule := decode[domain.CustomRule](t, rr)
		if !rule.Enabled {
			t.Error("expected rule to default to enabled")
		}

		rr = env.do(http.MethodGet, "/rules/fuel", "household-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 from another dataset, got %d", rr.Code)
		}
	})

	t.Run("GlobalRule", func(t *testing.T) {
		body := `{"id":"huge","name":"Huge debit","expression":"abs_amount > 10000.0"}`
		rr := env.do(http.MethodPost, "/rules?scope=global", testDataset, strings.NewReader(body))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = env.do(http.MethodGet, "/rules/huge", "household-002", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected global rule visible to other datasets, got %d", rr.Code)
		}
	})

	t.Run("ListAndReload", func(t *testing.T) {
		resp := decode[map[string]any](t, env.do(http.MethodGet, "/rules", testDataset, nil))
		if resp["count"] != float64(2) {
			t.Errorf("expected 2 active rules, got %v", resp["count"])
		}

		rr := env.do(http.MethodPost, "/rules/reload", "household-002", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp = decode[map[string]any](t, rr)
		if resp["count"] != float64(1) {
			t.Errorf("expected only the global rule for household-002, got %v", resp["count"])
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		resp := decode[map[string]string](t, rr)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("DatasetMiddlewareExtractsID", func(t *testing.T) {
		var captured string

		handler := DatasetMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetDatasetID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(DatasetIDHeader, " my-dataset-123 ")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured != "my-dataset-123" {
			t.Errorf("expected dataset ID 'my-dataset-123', got '%s'", captured)
		}
	})

	t.Run("DatasetMiddlewareRejectsLongID", func(t *testing.T) {
		handler := DatasetMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(DatasetIDHeader, strings.Repeat("x", maxDatasetIDLength+1))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("TimeoutMiddlewareSetsDeadline", func(t *testing.T) {
		var hasDeadline bool
		handler := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, hasDeadline = r.Context().Deadline()
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		if !hasDeadline {
			t.Error("expected request context to carry a deadline")
		}
	})

	t.Run("RateLimiterPerDataset", func(t *testing.T) {
		limiter := NewRateLimiter(0.001, 2)
		handler := DatasetMiddleware(limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

		call := func(datasetID string) int {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(DatasetIDHeader, datasetID)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			return rr.Code
		}

		if call("a") != http.StatusOK || call("a") != http.StatusOK {
			t.Fatal("expected burst of 2 to pass")
		}
		if code := call("a"); code != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", code)
		}
		if code := call("b"); code != http.StatusOK {
			t.Errorf("expected other dataset unaffected, got %d", code)
		}
	})

	t.Run("RateLimiterDisabled", func(t *testing.T) {
		limiter := NewRateLimiter(0, 0)
		for i := 0; i < 100; i++ {
			if !limiter.Allow("a") {
				t.Fatal("expected disabled limiter to allow everything")
			}
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", repository.ErrInvalidInput), http.StatusBadRequest},
		{&domain.ModelFitError{Reason: "identical rows"}, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
