package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionEntry describes a merchant that charges a consistent amount once per month.
type SubscriptionEntry struct {
	Merchant             string          `json:"merchant"`
	AverageAmount        decimal.Decimal `json:"average_amount"`
	MonthsActive         int             `json:"months_active"`
	FrequencyPerMonth    float64         `json:"frequency_per_month"`
	IsKnownService       bool            `json:"is_known_service"`
	LastCharged          string          `json:"last_charged"`
	Category             string          `json:"category,omitempty"`
	EstimatedMonthlyCost decimal.Decimal `json:"estimated_monthly_cost"`
}

// SubscriptionReport is the registry produced by subscription detection.
type SubscriptionReport struct {
	Subscriptions      []SubscriptionEntry `json:"subscriptions"`
	TotalSubscriptions int                 `json:"total_subscriptions"`
	TotalMonthlyCost   decimal.Decimal     `json:"total_monthly_cost"`
	Message            string              `json:"message"`
}

// AnomalyScore is the outlier score of one transaction. Lower is more anomalous.
type AnomalyScore struct {
	ID    int64   `json:"id"`
	Score float64 `json:"anomaly_score"`
}

// RuleOutcome is the rule verdict for one transaction.
type RuleOutcome struct {
	ID      int64    `json:"id"`
	Anomaly bool     `json:"rule_anomaly"`
	Rules   []string `json:"rules,omitempty"`
}

// SuspicionRecord is a transaction reported as suspicious.
type SuspicionRecord struct {
	ID           int64           `json:"id"`
	Merchant     string          `json:"merchant"`
	Amount       decimal.Decimal `json:"amount"`
	Date         time.Time       `json:"date"`
	Category     string          `json:"category,omitempty"`
	AnomalyScore float64         `json:"anomaly_score"`
	Reasons      []string        `json:"reasons"`
}

// FraudReport is the result of a fraud detection run.
type FraudReport struct {
	Suspicious        []SuspicionRecord `json:"suspicious"`
	TotalTransactions int               `json:"total_transactions"`
	RuleFlagged       int               `json:"rule_flagged"`
	ModelFlagged      int               `json:"model_flagged"`
	ScoreCutoff       float64           `json:"score_cutoff"`
	Message           string            `json:"message,omitempty"`
}

// AnalysisKind names a persisted analysis type.
type AnalysisKind string

const (
	AnalysisFraud         AnalysisKind = "fraud"
	AnalysisSubscriptions AnalysisKind = "subscriptions"
	AnalysisForecast      AnalysisKind = "forecast"
	AnalysisTrends        AnalysisKind = "trends"
)

// Analysis is a stored analysis run over a dataset.
type Analysis struct {
	ID               string          `json:"id"`
	DatasetID        string          `json:"dataset_id"`
	Kind             AnalysisKind    `json:"kind"`
	TransactionCount int             `json:"transaction_count"`
	Result           json.RawMessage `json:"result"`
	TraceID          string          `json:"trace_id,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	CreatedAt        time.Time       `json:"created_at"`
}

// MonthlyTotal is the expense and income total of one month.
type MonthlyTotal struct {
	Month         string          `json:"month"`
	TotalExpenses decimal.Decimal `json:"total_expenses"`
	TotalIncome   decimal.Decimal `json:"total_income"`
}

// ForecastPoint is the prediction for the month after the observed history.
// Series without enough history are left nil.
type ForecastPoint struct {
	Month string `json:"month,omitempty"`

	PredictedExpenses  *decimal.Decimal `json:"predicted_expenses,omitempty"`
	ExpensesLowerBound *decimal.Decimal `json:"expenses_lower_bound,omitempty"`
	ExpensesUpperBound *decimal.Decimal `json:"expenses_upper_bound,omitempty"`

	PredictedIncome  *decimal.Decimal `json:"predicted_income,omitempty"`
	IncomeLowerBound *decimal.Decimal `json:"income_lower_bound,omitempty"`
	IncomeUpperBound *decimal.Decimal `json:"income_upper_bound,omitempty"`
}

// ForecastReport holds the monthly history and the next-month forecast.
type ForecastReport struct {
	History  []MonthlyTotal `json:"history"`
	Forecast ForecastPoint  `json:"forecast"`
}

// TrendDirection classifies the change between the first and last month.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Trend describes how one series moved over the observed months.
type Trend struct {
	Category   string          `json:"category"`
	Trend      TrendDirection  `json:"trend"`
	FirstValue decimal.Decimal `json:"first_value"`
	LastValue  decimal.Decimal `json:"last_value"`
	Average    decimal.Decimal `json:"average"`
}

// CategorySpend is the expense total of one category.
type CategorySpend struct {
	Category   string          `json:"category"`
	Total      decimal.Decimal `json:"total"`
	Count      int             `json:"count"`
	Percentage float64         `json:"percentage"`
}

// SpendingSummary holds whole-period totals.
type SpendingSummary struct {
	TotalIncome        decimal.Decimal            `json:"total_income"`
	TotalExpenses      decimal.Decimal            `json:"total_expenses"`
	NetIncome          decimal.Decimal            `json:"net_income"`
	AvgMonthlyIncome   decimal.Decimal            `json:"avg_monthly_income"`
	AvgMonthlyExpenses decimal.Decimal            `json:"avg_monthly_expenses"`
	CategoryBreakdown  []CategorySpend            `json:"category_breakdown"`
	IncomeSources      map[string]decimal.Decimal `json:"income_sources"`
}

// TrendsReport is the result of a trends analysis.
type TrendsReport struct {
	CalculatedTrends []Trend         `json:"calculated_trends"`
	Monthly          []MonthlyTotal  `json:"monthly"`
	Summary          SpendingSummary `json:"summary"`
}

// Insights bundles the analyses shown on the dashboard.
type Insights struct {
	Subscriptions *SubscriptionReport `json:"subscriptions"`
	Forecast      *ForecastReport     `json:"forecast"`
	Trends        *TrendsReport       `json:"trends"`
	Summary       *TransactionSummary `json:"summary"`
}
