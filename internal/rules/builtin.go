package rules

import (
	"math"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/features"
	"github.com/applsais/financial-coach/internal/stats"
)

// Aggregates are dataset-wide statistics computed once per evaluation.
type Aggregates struct {
	Count  int
	Mean   float64
	StdDev float64 // sample standard deviation, NaN below two records

	merchantMonth map[string]int
}

// ComputeAggregates derives amount statistics and per-merchant monthly counts.
// Amounts are signed, as they appear in the enriched table.
func ComputeAggregates(records []domain.EnrichedRecord) *Aggregates {
	agg := &Aggregates{
		Count:         len(records),
		StdDev:        math.NaN(),
		merchantMonth: features.CountByMerchantMonth(records),
	}
	if len(records) == 0 {
		return agg
	}

	values := make([]float64, len(records))
	for i := range records {
		values[i] = records[i].Value
	}
	agg.Mean = stats.Mean(values)
	agg.StdDev = stats.SampleStdDev(values)
	return agg
}

// MerchantMonthCount returns how many charges the record's merchant has in the record's month.
func (a *Aggregates) MerchantMonthCount(r *domain.EnrichedRecord) int {
	return a.merchantMonth[features.MerchantMonthKey(r.Merchant, r.Month)]
}

// Predicate is a pure suspicion test over one record.
type Predicate func(r *domain.EnrichedRecord, agg *Aggregates, cfg domain.RuleConfig) bool

// Builtin is a named built-in rule.
type Builtin struct {
	Name  string
	Check Predicate
}

// BuiltinRules returns the fixed rule set in evaluation order.
func BuiltinRules() []Builtin {
	return []Builtin{
		{Name: domain.RuleRapidFire, Check: RapidFire},
		{Name: domain.RuleDuplicateCharge, Check: DuplicateCharge},
		{Name: domain.RuleOutlierAmount, Check: OutlierAmount},
		{Name: domain.RuleLateNightLarge, Check: LateNightLarge},
		{Name: domain.RuleExcessiveFixedExpense, Check: ExcessiveFixedExpense},
		{Name: domain.RuleExcessiveSubscription, Check: ExcessiveSubscription},
	}
}

// RapidFire flags a transaction that closely follows any other transaction.
func RapidFire(r *domain.EnrichedRecord, _ *Aggregates, cfg domain.RuleConfig) bool {
	return !r.IsExemptRecurring() && r.TimeSinceAny < cfg.RapidFireSeconds
}

// DuplicateCharge flags a transaction that closely follows one from the same merchant.
func DuplicateCharge(r *domain.EnrichedRecord, _ *Aggregates, cfg domain.RuleConfig) bool {
	return !r.IsExemptRecurring() && r.TimeSinceLast < cfg.DuplicateChargeSeconds
}

// OutlierAmount flags amounts above mean + k standard deviations of the dataset.
func OutlierAmount(r *domain.EnrichedRecord, agg *Aggregates, cfg domain.RuleConfig) bool {
	if r.IsExemptRecurring() || math.IsNaN(agg.StdDev) {
		return false
	}
	return r.Value > agg.Mean+cfg.OutlierStdDevs*agg.StdDev
}

// LateNightLarge flags large purchases in the early morning window.
// The size test uses the absolute amount so expense-signed purchases qualify.
func LateNightLarge(r *domain.EnrichedRecord, _ *Aggregates, cfg domain.RuleConfig) bool {
	if r.IsExemptRecurring() {
		return false
	}
	return r.HourOfDay >= cfg.LateNightStartHour &&
		r.HourOfDay < cfg.LateNightEndHour &&
		math.Abs(r.Value) > cfg.LateNightMinAmount
}

// ExcessiveFixedExpense flags fixed expenses billed too often in one month.
func ExcessiveFixedExpense(r *domain.EnrichedRecord, agg *Aggregates, cfg domain.RuleConfig) bool {
	return r.IsFixedExpense && agg.MerchantMonthCount(r) > cfg.FixedExpenseMaxPerMonth
}

// ExcessiveSubscription flags merchants whose registry entry bills more than once a month.
func ExcessiveSubscription(r *domain.EnrichedRecord, _ *Aggregates, _ domain.RuleConfig) bool {
	return r.ExcessiveSubscriptionCharges
}
