package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/ingest"
	"github.com/applsais/financial-coach/internal/repository"
	"github.com/applsais/financial-coach/internal/service"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000

	defaultMaxUploadBytes = 10 << 20
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	svc       *service.Service
	cache     domain.Cache
	bus       domain.EventBus
	reader    *ingest.Reader
	version   string
	maxUpload int64
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, svc *service.Service, cache domain.Cache, bus domain.EventBus, version string, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &Handler{
		repo:      repo,
		svc:       svc,
		cache:     cache,
		bus:       bus,
		reader:    ingest.NewReader(),
		version:   version,
		maxUpload: maxUpload,
	}
}

// TransactionInput is one ledger entry in POST /transactions.
type TransactionInput struct {
	Date        string          `json:"date"`
	Merchant    string          `json:"merchant"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
}

// IngestRequest is the request body for POST /transactions.
type IngestRequest struct {
	Transactions []TransactionInput `json:"transactions"`
}

// IngestResponse is returned by both ingest endpoints.
type IngestResponse struct {
	Inserted    int             `json:"inserted"`
	Skipped     int             `json:"skipped"`
	FirstID     int64           `json:"first_id,omitempty"`
	LastID      int64           `json:"last_id,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TraceID     string          `json:"trace_id,omitempty"`
}

// TransactionPage is the response of GET /transactions.
type TransactionPage struct {
	Transactions []domain.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
	Skip         int                  `json:"skip"`
	Limit        int                  `json:"limit"`
}

// CreateTransactions handles POST /transactions with a JSON batch.
func (h *Handler) CreateTransactions(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload)).Decode(&req); err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Transactions) == 0 {
		writeError(w, http.StatusBadRequest, "transactions must not be empty")
		return
	}

	txs := make([]domain.Transaction, 0, len(req.Transactions))
	for i, in := range req.Transactions {
		date, err := h.reader.ParseDate(strings.TrimSpace(in.Date))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("transactions[%d]: %v", i, err))
			return
		}
		merchant := strings.TrimSpace(in.Merchant)
		if merchant == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("transactions[%d]: merchant is required", i))
			return
		}
		txs = append(txs, domain.Transaction{
			Date:        date,
			Merchant:    merchant,
			Amount:      in.Amount,
			Category:    strings.TrimSpace(in.Category),
			Description: strings.TrimSpace(in.Description),
		})
	}

	h.ingest(w, r, txs, 0)
}

// UploadTransactions handles POST /transactions/upload. The CSV is read from the
// "file" field of a multipart form, or from the raw body otherwise.
func (h *Handler) UploadTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	var body io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
				return
			}
			writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
			return
		}
		defer file.Close()
		body = file
	}

	res, err := h.reader.Read(ctx, body)
	if err != nil {
		switch {
		case isTooLarge(err):
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		case ctx.Err() != nil:
			h.fail(w, r, "upload", ctx.Err())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if len(res.Transactions) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("no valid transactions (%d rows skipped)", res.Skipped))
		return
	}

	h.ingest(w, r, res.Transactions, res.Skipped)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, txs []domain.Transaction, skipped int) {
	ctx := r.Context()
	datasetID := GetDatasetID(ctx)

	saved, err := h.svc.Ingest(ctx, datasetID, txs)
	if err != nil {
		h.fail(w, r, "ingest", err)
		return
	}

	total := decimal.Zero
	for _, tx := range saved {
		total = total.Add(tx.Amount)
	}

	resp := IngestResponse{
		Inserted:    len(saved),
		Skipped:     skipped,
		TotalAmount: total.Round(2),
		TraceID:     GetTraceID(ctx),
	}
	if len(saved) > 0 {
		resp.FirstID = saved[0].ID
		resp.LastID = saved[len(saved)-1].ID
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListTransactions handles GET /transactions?skip&limit, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	datasetID := GetDatasetID(ctx)

	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil || limit < 1 || limit > maxPageLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxPageLimit))
		return
	}

	txs, err := h.repo.ListTransactionsPage(ctx, datasetID, skip, limit)
	if err != nil {
		h.fail(w, r, "list transactions", err)
		return
	}
	total, err := h.repo.CountTransactions(ctx, datasetID)
	if err != nil {
		h.fail(w, r, "count transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, TransactionPage{
		Transactions: txs,
		Total:        total,
		Skip:         skip,
		Limit:        limit,
	})
}

// TransactionsExist handles GET /transactions/exists.
func (h *Handler) TransactionsExist(w http.ResponseWriter, r *http.Request) {
	n, err := h.repo.CountTransactions(r.Context(), GetDatasetID(r.Context()))
	if err != nil {
		h.fail(w, r, "count transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exists": n > 0,
		"count":  n,
	})
}

// Summary handles GET /transactions/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Summary(r.Context(), GetDatasetID(r.Context()))
	respond(h, w, r, "summary", out, err)
}

// DeleteTransactions handles DELETE /transactions.
func (h *Handler) DeleteTransactions(w http.ResponseWriter, r *http.Request) {
	datasetID := GetDatasetID(r.Context())
	n, err := h.svc.DeleteTransactions(r.Context(), datasetID)
	if err != nil {
		h.fail(w, r, "delete transactions", err)
		return
	}
	slog.Info("transactions deleted", "dataset_id", datasetID, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": n,
	})
}

// Subscriptions handles GET /subscriptions.
func (h *Handler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Subscriptions(r.Context(), GetDatasetID(r.Context()))
	respond(h, w, r, "subscriptions", out, err)
}

// Anomalies handles GET /anomalies.
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Fraud(r.Context(), GetDatasetID(r.Context()))
	respond(h, w, r, "fraud detection", out, err)
}

// Forecast handles GET /forecast.
func (h *Handler) Forecast(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Forecast(r.Context(), GetDatasetID(r.Context()))
	respond(h, w, r, "forecast", out, err)
}

// Trends handles GET /trends.
func (h *Handler) Trends(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Trends(r.Context(), GetDatasetID(r.Context()))
	respond(h, w, r, "trends", out, err)
}

// Insights handles GET /insights.
func (h *Handler) Insights(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Insights(r.Context(), GetDatasetID(r.Context()))
	respond(h, w, r, "insights", out, err)
}

// GetAnalysis retrieves a persisted analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "analysis id is required")
		return
	}

	analysis, err := h.repo.GetAnalysis(ctx, GetDatasetID(ctx), id)
	if err != nil {
		h.fail(w, r, "get analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Description       string  `json:"description,omitempty"`
	Expression        string  `json:"expression"`
	Threshold         float64 `json:"threshold,omitempty"`
	RespectExclusions bool    `json:"respect_exclusions"`
	Enabled           *bool   `json:"enabled,omitempty"`
}

// ListRules returns the custom rules active for the dataset, global ones included.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.svc.LoadedRules(r.Context(), GetDatasetID(r.Context()))
	if err != nil {
		h.fail(w, r, "list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a rule of the dataset, falling back to the global scope.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	rule, err := h.repo.GetRule(ctx, GetDatasetID(ctx), ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		rule, err = h.repo.GetRule(ctx, domain.WildcardDataset, ruleID)
	}
	if err != nil {
		h.fail(w, r, "get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a rule. With ?scope=global the rule applies to
// every dataset. Stored rules take effect on the next analysis.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}

	scope := GetDatasetID(ctx)
	if r.URL.Query().Get("scope") == "global" {
		scope = domain.WildcardDataset
	}

	rule := &domain.CustomRule{
		ID:                req.ID,
		Name:              req.Name,
		Description:       req.Description,
		Expression:        req.Expression,
		Threshold:         req.Threshold,
		RespectExclusions: req.RespectExclusions,
		Enabled:           req.Enabled == nil || *req.Enabled,
	}

	if err := h.svc.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}
	if err := h.svc.SaveRule(ctx, scope, rule); err != nil {
		h.fail(w, r, "save rule", err)
		return
	}

	slog.Info("rule saved", "id", rule.ID, "name", rule.Name, "dataset_id", scope)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "rule saved",
	})
}

// ReloadRules rebuilds the dataset's rule engine from storage.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ReloadRules(r.Context(), GetDatasetID(r.Context()))
	if err != nil {
		h.fail(w, r, "reload rules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

// respond writes an analysis result. A result that comes back with
// ErrInsufficientData is still a valid, partial answer.
func respond[T any](h *Handler, w http.ResponseWriter, r *http.Request, op string, out *T, err error) {
	if err != nil && (out == nil || !errors.Is(err, domain.ErrInsufficientData)) {
		h.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed",
			"dataset_id", GetDatasetID(r.Context()),
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
	}

	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		msg = op + " failed"
	case http.StatusGatewayTimeout:
		msg = op + " timed out"
	}
	writeError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, ingest.ErrMissingColumns),
		errors.Is(err, ingest.ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrModelFit),
		errors.Is(err, domain.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "request body too large")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
