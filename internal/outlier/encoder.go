package outlier

import (
	"sort"

	"github.com/applsais/financial-coach/internal/domain"
)

// NumericFeatures names the passthrough columns in matrix order.
var NumericFeatures = []string{
	"amount",
	"hour_of_day",
	"day_of_week",
	"day_of_month",
	"is_subscription_merchant",
	"is_known_service",
	"excessive_subscription_charges",
	"is_common_merchant",
	"is_fixed_expense",
	"time_since_last",
	"time_since_any",
}

// Encoder one-hot encodes merchant and category values.
// The mapping is learned by Fit; values absent at fit time encode to all zeros.
type Encoder struct {
	merchants  map[string]int
	categories map[string]int
}

// Fit learns the column index of every merchant and category in records.
// Columns are assigned in sorted value order so the layout does not depend on record order.
func (e *Encoder) Fit(records []domain.EnrichedRecord) {
	merchants := make([]string, 0)
	categories := make([]string, 0)
	seenM := make(map[string]bool)
	seenC := make(map[string]bool)
	for i := range records {
		if m := records[i].Merchant; !seenM[m] {
			seenM[m] = true
			merchants = append(merchants, m)
		}
		if c := records[i].Category; !seenC[c] {
			seenC[c] = true
			categories = append(categories, c)
		}
	}
	sort.Strings(merchants)
	sort.Strings(categories)

	e.merchants = make(map[string]int, len(merchants))
	for i, m := range merchants {
		e.merchants[m] = i
	}
	e.categories = make(map[string]int, len(categories))
	for i, c := range categories {
		e.categories[c] = len(merchants) + i
	}
}

// Width returns the number of one-hot columns.
func (e *Encoder) Width() int {
	return len(e.merchants) + len(e.categories)
}

// Encode writes the one-hot columns of rec into dst, which must have Width() zeroed entries.
func (e *Encoder) Encode(rec *domain.EnrichedRecord, dst []float64) {
	if i, ok := e.merchants[rec.Merchant]; ok {
		dst[i] = 1
	}
	if i, ok := e.categories[rec.Category]; ok {
		dst[i] = 1
	}
}

// Matrix builds the feature matrix: one-hot columns first, then NumericFeatures.
func (e *Encoder) Matrix(records []domain.EnrichedRecord) [][]float64 {
	width := e.Width() + len(NumericFeatures)
	rows := make([][]float64, len(records))
	for i := range records {
		row := make([]float64, width)
		e.Encode(&records[i], row[:e.Width()])
		copy(row[e.Width():], numericRow(&records[i]))
		rows[i] = row
	}
	return rows
}

func numericRow(r *domain.EnrichedRecord) []float64 {
	return []float64{
		r.Value,
		float64(r.HourOfDay),
		float64(r.DayOfWeek),
		float64(r.DayOfMonth),
		boolFloat(r.IsSubscriptionMerchant),
		boolFloat(r.IsKnownService),
		boolFloat(r.ExcessiveSubscriptionCharges),
		boolFloat(r.IsCommonMerchant),
		boolFloat(r.IsFixedExpense),
		r.TimeSinceLast,
		r.TimeSinceAny,
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
