package features

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/domain"
)

func tx(id int64, merchant, amount string, at time.Time) domain.Transaction {
	return domain.Transaction{
		ID:       id,
		Date:     at,
		Merchant: merchant,
		Amount:   decimal.RequireFromString(amount),
	}
}

func TestBuild(t *testing.T) {
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC) // Monday
	builder := NewBuilder(domain.DefaultKeywords())

	txs := []domain.Transaction{
		tx(3, "Netflix", "-15.99", base.Add(2*time.Hour)),
		tx(1, "Starbucks", "-4.50", base),
		tx(2, "Starbucks", "-5.25", base.Add(30*time.Minute)),
		tx(4, "City Electric", "-90.00", base.Add(48*time.Hour)),
	}
	subs := []domain.SubscriptionEntry{{
		Merchant:          "Netflix",
		IsKnownService:    true,
		FrequencyPerMonth: 1.0,
	}}

	records := builder.Build(txs, subs)
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}

	t.Run("SortedByDate", func(t *testing.T) {
		want := []int64{1, 2, 3, 4}
		for i, r := range records {
			if r.ID != want[i] {
				t.Errorf("position %d: expected id %d, got %d", i, want[i], r.ID)
			}
		}
		if txs[0].ID != 3 {
			t.Error("Build must not reorder its input")
		}
	})

	t.Run("TimeFeatures", func(t *testing.T) {
		r := records[0]
		if r.HourOfDay != 9 || r.DayOfWeek != 0 || r.DayOfMonth != 3 || r.Month != "2025-03" {
			t.Errorf("unexpected time features: hour=%d dow=%d dom=%d month=%s",
				r.HourOfDay, r.DayOfWeek, r.DayOfMonth, r.Month)
		}
		if records[3].DayOfWeek != 2 {
			t.Errorf("expected Wednesday = 2, got %d", records[3].DayOfWeek)
		}
		if r.Value != -4.5 {
			t.Errorf("expected value -4.5, got %v", r.Value)
		}
	})

	t.Run("Deltas", func(t *testing.T) {
		if records[0].TimeSinceAny != domain.NoPriorEvent || records[0].TimeSinceLast != domain.NoPriorEvent {
			t.Error("first record should carry the no-prior sentinel")
		}
		if records[1].TimeSinceLast != 1800 || records[1].TimeSinceAny != 1800 {
			t.Errorf("expected 1800s deltas, got last=%v any=%v", records[1].TimeSinceLast, records[1].TimeSinceAny)
		}
		if records[2].TimeSinceLast != domain.NoPriorEvent {
			t.Error("first Netflix charge should have no merchant predecessor")
		}
		if records[2].TimeSinceAny != 5400 {
			t.Errorf("expected 5400s since any, got %v", records[2].TimeSinceAny)
		}
	})

	t.Run("Lookups", func(t *testing.T) {
		if !records[0].IsCommonMerchant {
			t.Error("Starbucks should be a common merchant")
		}
		if records[0].IsSubscriptionMerchant {
			t.Error("Starbucks is not in the registry")
		}
		nf := records[2]
		if !nf.IsSubscriptionMerchant || !nf.IsKnownService || nf.ExcessiveSubscriptionCharges {
			t.Errorf("unexpected Netflix lookups: %+v", nf)
		}
		if !records[3].IsFixedExpense {
			t.Error("City Electric should be a fixed expense")
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if got := builder.Build(nil, nil); got == nil || len(got) != 0 {
			t.Errorf("expected empty non-nil table, got %v", got)
		}
	})
}

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"Whole Foods", " ", "gym"})

	tests := []struct {
		name string
		want bool
	}{
		{"WHOLE FOODS MARKET #12", true},
		{"Planet Gym", true},
		{"Corner Deli", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.name); got != tt.want {
			t.Errorf("Match(%q): expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestCountByMerchantMonth(t *testing.T) {
	jan := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	records := NewBuilder(domain.KeywordConfig{}).Build([]domain.Transaction{
		tx(1, "Rent", "-1000", jan),
		tx(2, "Rent", "-1000", jan.Add(time.Hour)),
		tx(3, "Rent", "-1000", feb),
	}, nil)

	counts := CountByMerchantMonth(records)
	if counts[MerchantMonthKey("Rent", "2025-01")] != 2 {
		t.Errorf("expected 2 January charges, got %d", counts[MerchantMonthKey("Rent", "2025-01")])
	}
	if counts[MerchantMonthKey("Rent", "2025-02")] != 1 {
		t.Errorf("expected 1 February charge, got %d", counts[MerchantMonthKey("Rent", "2025-02")])
	}
}
