package domain

import "time"

// CustomRule is an operator defined CEL rule evaluated alongside the built-in rules.
type CustomRule struct {
	ID          string `json:"id"`
	DatasetID   string `json:"dataset_id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression returning bool, int or double
	Expression string `json:"expression"`

	// Score at or above which the rule fires. Zero means 1.0.
	Threshold float64 `json:"threshold"`

	// Skip known services and subscription merchants like the built-in rules do
	RespectExclusions bool `json:"respect_exclusions"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveThreshold returns the firing threshold with the default applied.
func (r *CustomRule) EffectiveThreshold() float64 {
	if r.Threshold <= 0 {
		return 1.0
	}
	return r.Threshold
}

// Built-in rule names reported in RuleOutcome.Rules and SuspicionRecord.Reasons.
const (
	RuleRapidFire             = "rapid_fire"
	RuleDuplicateCharge       = "duplicate_charge"
	RuleOutlierAmount         = "statistical_outlier_amount"
	RuleLateNightLarge        = "late_night_large_purchase"
	RuleExcessiveFixedExpense = "excessive_fixed_expense"
	RuleExcessiveSubscription = "excessive_subscription_frequency"
	ReasonStatisticalOutlier  = "statistical_outlier"
)
