package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single ledger entry supplied by ingestion.
// Amount is signed: negative values are expenses, zero and positive values are income or credits.
type Transaction struct {
	ID          int64           `json:"id"`
	Date        time.Time       `json:"date"`
	Merchant    string          `json:"merchant"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

// IsExpense reports whether the transaction debits the account.
func (t Transaction) IsExpense() bool {
	return t.Amount.IsNegative()
}

// IsIncome reports whether the transaction credits the account.
func (t Transaction) IsIncome() bool {
	return t.Amount.IsPositive()
}

// MonthKey returns the year-month bucket used for monthly grouping.
func (t Transaction) MonthKey() string {
	return t.Date.Format(MonthLayout)
}

// MonthLayout is the time layout of month buckets.
const MonthLayout = "2006-01"

// DateLayout is the time layout used for dates in reports.
const DateLayout = "2006-01-02"

// NoPriorEvent is the time delta assigned when there is no earlier transaction to compare against.
const NoPriorEvent = 999999.0

// EnrichedRecord is a Transaction augmented with time and merchant derived features.
type EnrichedRecord struct {
	Transaction

	// Amount as float64 for numeric features and statistics
	Value float64 `json:"value"`

	HourOfDay  int    `json:"hour_of_day"`
	DayOfWeek  int    `json:"day_of_week"` // Monday = 0
	DayOfMonth int    `json:"day_of_month"`
	Month      string `json:"month_key"`

	// Subscription registry lookups (exact merchant match)
	IsSubscriptionMerchant       bool `json:"is_subscription_merchant"`
	IsKnownService               bool `json:"is_known_service"`
	ExcessiveSubscriptionCharges bool `json:"excessive_subscription_charges"`

	// Static keyword lookups
	IsCommonMerchant bool `json:"is_common_merchant"`
	IsFixedExpense   bool `json:"is_fixed_expense"`

	// Seconds since the previous transaction of the same merchant / of any merchant
	TimeSinceLast float64 `json:"time_since_last"`
	TimeSinceAny  float64 `json:"time_since_any"`
}

// IsExemptRecurring reports whether the record belongs to a recognised recurring charge.
func (r *EnrichedRecord) IsExemptRecurring() bool {
	return r.IsKnownService || r.IsSubscriptionMerchant
}

// TransactionSummary holds headline statistics over a dataset.
type TransactionSummary struct {
	TotalTransactions  int             `json:"total_transactions"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	AverageTransaction decimal.Decimal `json:"average_transaction"`
	DateRange          *DateRange      `json:"date_range"`
}

// DateRange is an inclusive span of transaction dates.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}
