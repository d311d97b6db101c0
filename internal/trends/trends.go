// Package trends computes month-over-period spending trends and summaries.
package trends

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/stats"
)

const (
	// CategoryIncome and CategoryTotalExpenses name the two aggregate trend rows.
	CategoryIncome        = "Income"
	CategoryTotalExpenses = "Total Expenses"

	uncategorized = "Uncategorized"
	unknownSource = "Unknown Source"
)

// Analyzer compares the last observed month against the first.
type Analyzer struct {
	// Relative change needed to call the income or total expense trend
	TotalMargin decimal.Decimal

	// Relative change needed to call a category trend
	CategoryMargin decimal.Decimal
}

// NewAnalyzer returns an analyzer with 5% total and 10% category margins.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		TotalMargin:    decimal.NewFromFloat(0.05),
		CategoryMargin: decimal.NewFromFloat(0.10),
	}
}

type month struct {
	income     decimal.Decimal
	expenses   decimal.Decimal
	categories map[string]decimal.Decimal
}

// Analyze returns trends, monthly totals and the spending summary of txs.
// Trends need at least two months; the summary is always filled.
func (a *Analyzer) Analyze(txs []domain.Transaction) (*domain.TrendsReport, error) {
	if len(txs) == 0 {
		return emptyReport(), &domain.InsufficientDataError{Op: "trends", Need: 1, Have: 0}
	}

	months := make(map[string]*month)
	get := func(key string) *month {
		m, ok := months[key]
		if !ok {
			m = &month{categories: make(map[string]decimal.Decimal)}
			months[key] = m
		}
		return m
	}

	summary := domain.SpendingSummary{IncomeSources: make(map[string]decimal.Decimal)}
	spend := make(map[string]*domain.CategorySpend)

	for _, tx := range txs {
		switch {
		case tx.IsExpense():
			amount := tx.Amount.Abs()
			cat := categoryOf(tx)
			m := get(tx.MonthKey())
			m.expenses = m.expenses.Add(amount)
			m.categories[cat] = m.categories[cat].Add(amount)

			summary.TotalExpenses = summary.TotalExpenses.Add(amount)
			cs, ok := spend[cat]
			if !ok {
				cs = &domain.CategorySpend{Category: cat}
				spend[cat] = cs
			}
			cs.Total = cs.Total.Add(amount)
			cs.Count++
		case tx.IsIncome():
			m := get(tx.MonthKey())
			m.income = m.income.Add(tx.Amount)

			summary.TotalIncome = summary.TotalIncome.Add(tx.Amount)
			source := tx.Merchant
			if source == "" {
				source = unknownSource
			}
			summary.IncomeSources[source] = summary.IncomeSources[source].Add(tx.Amount)
		}
	}

	keys := make([]string, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := &domain.TrendsReport{
		CalculatedTrends: make([]domain.Trend, 0),
		Monthly:          make([]domain.MonthlyTotal, len(keys)),
	}
	for i, k := range keys {
		report.Monthly[i] = domain.MonthlyTotal{
			Month:         k,
			TotalExpenses: months[k].expenses.Round(2),
			TotalIncome:   months[k].income.Round(2),
		}
	}

	if len(keys) >= 2 {
		income := make([]decimal.Decimal, len(keys))
		expenses := make([]decimal.Decimal, len(keys))
		for i, k := range keys {
			income[i] = months[k].income
			expenses[i] = months[k].expenses
		}
		report.CalculatedTrends = append(report.CalculatedTrends,
			trend(CategoryIncome, income, a.TotalMargin),
			trend(CategoryTotalExpenses, expenses, a.TotalMargin),
		)

		categories := make([]string, 0, len(spend))
		for c := range spend {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		for _, c := range categories {
			values := make([]decimal.Decimal, len(keys))
			for i, k := range keys {
				values[i] = months[k].categories[c]
			}
			report.CalculatedTrends = append(report.CalculatedTrends, trend(c, values, a.CategoryMargin))
		}
	}

	summary.NetIncome = summary.TotalIncome.Sub(summary.TotalExpenses).Round(2)
	if len(keys) > 0 {
		n := decimal.NewFromInt(int64(len(keys)))
		summary.AvgMonthlyIncome = summary.TotalIncome.Div(n).Round(2)
		summary.AvgMonthlyExpenses = summary.TotalExpenses.Div(n).Round(2)
	}

	summary.CategoryBreakdown = make([]domain.CategorySpend, 0, len(spend))
	for _, cs := range spend {
		if summary.TotalExpenses.IsPositive() {
			share := cs.Total.Div(summary.TotalExpenses).InexactFloat64() * 100
			cs.Percentage = stats.Round(share, 1)
		}
		cs.Total = cs.Total.Round(2)
		summary.CategoryBreakdown = append(summary.CategoryBreakdown, *cs)
	}
	sort.Slice(summary.CategoryBreakdown, func(i, j int) bool {
		bi, bj := summary.CategoryBreakdown[i], summary.CategoryBreakdown[j]
		if c := bi.Total.Cmp(bj.Total); c != 0 {
			return c > 0
		}
		return bi.Category < bj.Category
	})

	for k, v := range summary.IncomeSources {
		summary.IncomeSources[k] = v.Round(2)
	}
	summary.TotalIncome = summary.TotalIncome.Round(2)
	summary.TotalExpenses = summary.TotalExpenses.Round(2)

	report.Summary = summary
	return report, nil
}

func trend(name string, values []decimal.Decimal, margin decimal.Decimal) domain.Trend {
	first, last := values[0], values[len(values)-1]
	one := decimal.NewFromInt(1)

	dir := domain.TrendStable
	switch {
	case last.GreaterThan(first.Mul(one.Add(margin))):
		dir = domain.TrendIncreasing
	case last.LessThan(first.Mul(one.Sub(margin))):
		dir = domain.TrendDecreasing
	}

	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}

	return domain.Trend{
		Category:   name,
		Trend:      dir,
		FirstValue: first.Round(2),
		LastValue:  last.Round(2),
		Average:    sum.Div(decimal.NewFromInt(int64(len(values)))).Round(2),
	}
}

func categoryOf(tx domain.Transaction) string {
	if tx.Category == "" {
		return uncategorized
	}
	return tx.Category
}

func emptyReport() *domain.TrendsReport {
	return &domain.TrendsReport{
		CalculatedTrends: []domain.Trend{},
		Monthly:          []domain.MonthlyTotal{},
		Summary: domain.SpendingSummary{
			CategoryBreakdown: []domain.CategorySpend{},
			IncomeSources:     map[string]decimal.Decimal{},
		},
	}
}

// Summarize returns headline statistics over txs. The date range is nil when txs is empty.
func Summarize(txs []domain.Transaction) *domain.TransactionSummary {
	summary := &domain.TransactionSummary{
		TotalTransactions:  len(txs),
		TotalAmount:        decimal.Zero,
		AverageTransaction: decimal.Zero,
	}
	if len(txs) == 0 {
		return summary
	}

	total := decimal.Zero
	start, end := txs[0].Date, txs[0].Date
	for _, tx := range txs {
		total = total.Add(tx.Amount)
		if tx.Date.Before(start) {
			start = tx.Date
		}
		if tx.Date.After(end) {
			end = tx.Date
		}
	}

	summary.TotalAmount = total.Round(2)
	summary.AverageTransaction = total.Div(decimal.NewFromInt(int64(len(txs)))).Round(2)
	summary.DateRange = &domain.DateRange{
		Start: start.Format(domain.DateLayout),
		End:   end.Format(domain.DateLayout),
	}
	return summary
}
