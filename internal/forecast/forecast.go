// Package forecast projects next month's expenses and income from monthly totals.
package forecast

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/stats"
)

// z-score of a two-sided 95% interval
const defaultZ = 1.96

// Forecaster fits an ordinary least squares trend to each monthly series.
type Forecaster struct {
	MinTransactions int
	MinMonths       int
	Z               float64
}

// New returns a forecaster with the default thresholds.
func New() *Forecaster {
	return &Forecaster{
		MinTransactions: 2,
		MinMonths:       2,
		Z:               defaultZ,
	}
}

type series struct {
	count  int
	months map[string]decimal.Decimal
}

func (s *series) add(month string, amount decimal.Decimal) {
	s.count++
	s.months[month] = s.months[month].Add(amount)
}

// Forecast returns the monthly history of txs and a prediction for the month after
// the last observed one. When neither series has enough history the report carries
// the history only, together with an *domain.InsufficientDataError.
func (f *Forecaster) Forecast(txs []domain.Transaction) (*domain.ForecastReport, error) {
	expenses := &series{months: make(map[string]decimal.Decimal)}
	income := &series{months: make(map[string]decimal.Decimal)}
	for _, tx := range txs {
		switch {
		case tx.IsExpense():
			expenses.add(tx.MonthKey(), tx.Amount.Abs())
		case tx.IsIncome():
			income.add(tx.MonthKey(), tx.Amount)
		}
	}

	report := &domain.ForecastReport{History: history(expenses, income)}
	if len(report.History) == 0 {
		return report, &domain.InsufficientDataError{Op: "forecast", Need: f.MinTransactions, Have: 0}
	}

	last, err := time.Parse(domain.MonthLayout, report.History[len(report.History)-1].Month)
	if err != nil {
		return nil, err
	}
	next := last.AddDate(0, 1, 0)

	if pred, lo, hi, ok := f.project(expenses, next); ok {
		report.Forecast.PredictedExpenses = &pred
		report.Forecast.ExpensesLowerBound = &lo
		report.Forecast.ExpensesUpperBound = &hi
	}
	if pred, lo, hi, ok := f.project(income, next); ok {
		report.Forecast.PredictedIncome = &pred
		report.Forecast.IncomeLowerBound = &lo
		report.Forecast.IncomeUpperBound = &hi
	}

	if report.Forecast.PredictedExpenses == nil && report.Forecast.PredictedIncome == nil {
		have := expenses.count
		if income.count > have {
			have = income.count
		}
		return report, &domain.InsufficientDataError{Op: "forecast", Need: f.MinTransactions, Have: have}
	}

	report.Forecast.Month = next.Format(domain.MonthLayout)
	return report, nil
}

// project fits s over its contiguous month range, with missing months as zero,
// and evaluates the line at target.
func (f *Forecaster) project(s *series, target time.Time) (pred, lo, hi decimal.Decimal, ok bool) {
	if s.count < f.MinTransactions || len(s.months) < f.MinMonths {
		return
	}

	keys := sortedKeys(s.months)
	first, err := time.Parse(domain.MonthLayout, keys[0])
	if err != nil {
		return
	}
	lastKey, err := time.Parse(domain.MonthLayout, keys[len(keys)-1])
	if err != nil {
		return
	}

	points := make([]float64, monthsBetween(first, lastKey)+1)
	for k, v := range s.months {
		m, err := time.Parse(domain.MonthLayout, k)
		if err != nil {
			return
		}
		points[monthsBetween(first, m)] = v.InexactFloat64()
	}

	fit, fitted := stats.FitLine(points)
	if !fitted {
		return
	}

	y := fit.At(float64(monthsBetween(first, target)))
	margin := f.Z * fit.ResidualStdErr
	return money(y), money(y - margin), money(y + margin), true
}

// money rounds to cents and clamps at zero.
func money(v float64) decimal.Decimal {
	d := decimal.NewFromFloat(v).Round(2)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func history(expenses, income *series) []domain.MonthlyTotal {
	all := make(map[string]bool)
	for k := range expenses.months {
		all[k] = true
	}
	for k := range income.months {
		all[k] = true
	}

	months := make([]string, 0, len(all))
	for k := range all {
		months = append(months, k)
	}
	sort.Strings(months)

	out := make([]domain.MonthlyTotal, len(months))
	for i, m := range months {
		out[i] = domain.MonthlyTotal{
			Month:         m,
			TotalExpenses: expenses.months[m].Round(2),
			TotalIncome:   income.months[m].Round(2),
		}
	}
	return out
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}
