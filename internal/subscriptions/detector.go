// Package subscriptions detects merchants that bill a steady amount once a month.
package subscriptions

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/features"
	"github.com/applsais/financial-coach/internal/stats"
)

const (
	msgNotEnoughData = "Not enough data to detect recurring expenses"
	msgFound         = "Found %d recurring expenses"
)

// Detector builds the subscription registry.
type Detector struct {
	known *features.Matcher
	cfg   domain.SubscriptionConfig
}

// NewDetector creates a detector. Zero config values fall back to the defaults.
func NewDetector(keywords domain.KeywordConfig, cfg domain.SubscriptionConfig) *Detector {
	def := domain.DefaultDetectionConfig().Subscription
	if cfg.MinExpenses <= 0 {
		cfg.MinExpenses = def.MinExpenses
	}
	if cfg.MinMonths <= 0 {
		cfg.MinMonths = def.MinMonths
	}
	if cfg.MaxChargesPerMonth <= 0 {
		cfg.MaxChargesPerMonth = def.MaxChargesPerMonth
	}
	if cfg.MaxVariation <= 0 {
		cfg.MaxVariation = def.MaxVariation
	}
	return &Detector{
		known: features.NewMatcher(keywords.SubscriptionKeywords),
		cfg:   cfg,
	}
}

type charge struct {
	tx     domain.Transaction
	amount decimal.Decimal // absolute value
}

// Detect returns the registry of recurring charges found among the expenses in txs.
// Income is ignored. Too few expenses yield an empty registry with an explanatory message.
func (d *Detector) Detect(txs []domain.Transaction) *domain.SubscriptionReport {
	report, _ := d.DetectStrict(txs)
	return report
}

// DetectStrict behaves like Detect and also returns an *domain.InsufficientDataError
// alongside the empty report when there are too few expenses.
func (d *Detector) DetectStrict(txs []domain.Transaction) (*domain.SubscriptionReport, error) {
	byMerchant := make(map[string][]charge)
	expenses := 0
	for _, tx := range txs {
		if !tx.IsExpense() {
			continue
		}
		expenses++
		byMerchant[tx.Merchant] = append(byMerchant[tx.Merchant], charge{tx: tx, amount: tx.Amount.Abs()})
	}

	if expenses < d.cfg.MinExpenses {
		return emptyReport(), &domain.InsufficientDataError{
			Op:   "detect subscriptions",
			Need: d.cfg.MinExpenses,
			Have: expenses,
		}
	}

	merchants := make([]string, 0, len(byMerchant))
	for m := range byMerchant {
		merchants = append(merchants, m)
	}
	sort.Strings(merchants)

	entries := make([]domain.SubscriptionEntry, 0)
	for _, m := range merchants {
		if entry, ok := d.qualify(m, byMerchant[m]); ok {
			entries = append(entries, entry)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		c := entries[i].EstimatedMonthlyCost.Cmp(entries[j].EstimatedMonthlyCost)
		if c == 0 {
			return entries[i].Merchant < entries[j].Merchant
		}
		return c > 0
	})

	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.EstimatedMonthlyCost)
	}

	return &domain.SubscriptionReport{
		Subscriptions:      entries,
		TotalSubscriptions: len(entries),
		TotalMonthlyCost:   total.Round(2),
		Message:            fmt.Sprintf(msgFound, len(entries)),
	}, nil
}

func (d *Detector) qualify(merchant string, charges []charge) (domain.SubscriptionEntry, bool) {
	perMonth := make(map[string]int)
	for _, c := range charges {
		perMonth[c.tx.MonthKey()]++
	}
	for _, n := range perMonth {
		if n > d.cfg.MaxChargesPerMonth {
			return domain.SubscriptionEntry{}, false
		}
	}
	if len(perMonth) < d.cfg.MinMonths {
		return domain.SubscriptionEntry{}, false
	}

	sum := decimal.Zero
	values := make([]float64, len(charges))
	for i, c := range charges {
		sum = sum.Add(c.amount)
		values[i] = c.amount.InexactFloat64()
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(charges))))

	mean := avg.InexactFloat64()
	if mean > 0 && stats.SampleStdDev(values)/mean > d.cfg.MaxVariation {
		return domain.SubscriptionEntry{}, false
	}

	latest := charges[0].tx
	for _, c := range charges[1:] {
		if c.tx.Date.After(latest.Date) || (c.tx.Date.Equal(latest.Date) && c.tx.ID > latest.ID) {
			latest = c.tx
		}
	}

	avg = avg.Round(2)
	return domain.SubscriptionEntry{
		Merchant:             merchant,
		AverageAmount:        avg,
		MonthsActive:         len(perMonth),
		FrequencyPerMonth:    1.0,
		IsKnownService:       d.known.Match(merchant),
		LastCharged:          latest.Date.Format(domain.DateLayout),
		Category:             latest.Category,
		EstimatedMonthlyCost: avg,
	}, true
}

func emptyReport() *domain.SubscriptionReport {
	return &domain.SubscriptionReport{
		Subscriptions:    []domain.SubscriptionEntry{},
		TotalMonthlyCost: decimal.Zero,
		Message:          msgNotEnoughData,
	}
}
