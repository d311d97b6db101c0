// Package features turns raw transactions into the enriched analytical table
// shared by the outlier scorer and the rule engine.
package features

import (
	"sort"
	"strings"

	"github.com/applsais/financial-coach/internal/domain"
)

// Builder derives EnrichedRecords from transactions and a subscription registry.
// It holds only immutable keyword configuration and is safe for concurrent use.
type Builder struct {
	common *Matcher
	fixed  *Matcher
}

// NewBuilder creates a feature builder using the given keyword sets.
func NewBuilder(keywords domain.KeywordConfig) *Builder {
	return &Builder{
		common: NewMatcher(keywords.CommonMerchants),
		fixed:  NewMatcher(keywords.FixedExpenses),
	}
}

type registryEntry struct {
	knownService bool
	excessive    bool
}

// Build returns one EnrichedRecord per transaction, ordered by date ascending
// with ID breaking ties. Empty input yields an empty table.
func (b *Builder) Build(txs []domain.Transaction, subs []domain.SubscriptionEntry) []domain.EnrichedRecord {
	records := make([]domain.EnrichedRecord, 0, len(txs))
	if len(txs) == 0 {
		return records
	}

	sorted := SortByDate(txs)

	registry := make(map[string]registryEntry, len(subs))
	for _, s := range subs {
		registry[s.Merchant] = registryEntry{
			knownService: s.IsKnownService,
			excessive:    s.FrequencyPerMonth > 1,
		}
	}

	for _, tx := range sorted {
		rec := domain.EnrichedRecord{
			Transaction: tx,
			Value:       tx.Amount.InexactFloat64(),
			HourOfDay:   tx.Date.Hour(),
			DayOfWeek:   (int(tx.Date.Weekday()) + 6) % 7,
			DayOfMonth:  tx.Date.Day(),
			Month:       tx.MonthKey(),

			IsCommonMerchant: b.common.Match(tx.Merchant),
			IsFixedExpense:   b.fixed.Match(tx.Merchant),

			TimeSinceLast: domain.NoPriorEvent,
			TimeSinceAny:  domain.NoPriorEvent,
		}

		if entry, ok := registry[tx.Merchant]; ok {
			rec.IsSubscriptionMerchant = true
			rec.IsKnownService = entry.knownService
			rec.ExcessiveSubscriptionCharges = entry.excessive
		}

		records = append(records, rec)
	}

	for i := 1; i < len(records); i++ {
		records[i].TimeSinceAny = records[i].Date.Sub(records[i-1].Date).Seconds()
	}

	for _, idx := range IndexByMerchant(records) {
		for j := 1; j < len(idx); j++ {
			cur, prev := &records[idx[j]], &records[idx[j-1]]
			cur.TimeSinceLast = cur.Date.Sub(prev.Date).Seconds()
		}
	}

	return records
}

// SortByDate returns a copy of txs ordered by date, then ID.
func SortByDate(txs []domain.Transaction) []domain.Transaction {
	sorted := make([]domain.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Date.Before(sorted[j].Date)
	})
	return sorted
}

// IndexByMerchant maps each exact merchant string to the positions of its records.
// Positions keep the order of records.
func IndexByMerchant(records []domain.EnrichedRecord) map[string][]int {
	idx := make(map[string][]int)
	for i := range records {
		m := records[i].Merchant
		idx[m] = append(idx[m], i)
	}
	return idx
}

// MerchantMonthKey is the grouping key of per-merchant monthly counts.
func MerchantMonthKey(merchant, month string) string {
	return merchant + "\x00" + month
}

// CountByMerchantMonth counts records per merchant and month.
func CountByMerchantMonth(records []domain.EnrichedRecord) map[string]int {
	counts := make(map[string]int)
	for i := range records {
		counts[MerchantMonthKey(records[i].Merchant, records[i].Month)]++
	}
	return counts
}

// Matcher tests merchant names against a keyword set.
type Matcher struct {
	keywords []string
}

// NewMatcher lower-cases and stores the keywords. Empty keywords are dropped.
func NewMatcher(keywords []string) *Matcher {
	m := &Matcher{keywords: make([]string, 0, len(keywords))}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			m.keywords = append(m.keywords, k)
		}
	}
	return m
}

// Match reports whether any keyword is a case-insensitive substring of name.
func (m *Matcher) Match(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range m.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
