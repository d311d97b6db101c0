package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/features"
	"github.com/applsais/financial-coach/internal/velocity"
)

var base = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

func tx(id int64, merchant string, amount string, at time.Time) domain.Transaction {
	return domain.Transaction{
		ID:       id,
		Date:     at,
		Merchant: merchant,
		Amount:   decimal.RequireFromString(amount),
	}
}

func enrich(txs []domain.Transaction, subs ...domain.SubscriptionEntry) []domain.EnrichedRecord {
	return features.NewBuilder(domain.DefaultKeywords()).Build(txs, subs)
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(domain.DefaultDetectionConfig().Rules, velocity.NewCounter(time.Hour))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func outcomeByID(outcomes []domain.RuleOutcome, id int64) domain.RuleOutcome {
	for _, o := range outcomes {
		if o.ID == id {
			return o
		}
	}
	return domain.RuleOutcome{}
}

func hasRule(o domain.RuleOutcome, name string) bool {
	for _, r := range o.Rules {
		if r == name {
			return true
		}
	}
	return false
}

func TestRapidFire(t *testing.T) {
	engine := newEngine(t)
	defer engine.Close()
	ctx := context.Background()

	t.Run("UnknownMerchantFlagged", func(t *testing.T) {
		records := enrich([]domain.Transaction{
			tx(1, "Corner Gadgets", "-200.00", base),
			tx(2, "Corner Gadgets", "-200.00", base.Add(60*time.Second)),
		})

		outcomes, err := engine.Evaluate(ctx, records)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		second := outcomeByID(outcomes, 2)
		if !second.Anomaly {
			t.Fatal("expected second charge to be flagged")
		}
		if !hasRule(second, domain.RuleRapidFire) {
			t.Errorf("expected rapid_fire, got %v", second.Rules)
		}
		if !hasRule(second, domain.RuleDuplicateCharge) {
			t.Errorf("expected duplicate_charge, got %v", second.Rules)
		}
		if outcomeByID(outcomes, 1).Anomaly {
			t.Error("first charge should not be flagged")
		}
	})

	t.Run("KnownServiceExcluded", func(t *testing.T) {
		subs := []domain.SubscriptionEntry{{
			Merchant:          "Netflix",
			FrequencyPerMonth: 1.0,
			IsKnownService:    true,
		}}
		records := enrich([]domain.Transaction{
			tx(1, "Netflix", "-15.99", base),
			tx(2, "Netflix", "-15.99", base.Add(60*time.Second)),
		}, subs...)

		outcomes, err := engine.Evaluate(ctx, records)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		for _, o := range outcomes {
			if o.Anomaly {
				t.Errorf("transaction %d: expected no flag for known service, got %v", o.ID, o.Rules)
			}
		}
	})
}

func TestOutlierAmount(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	var txs []domain.Transaction
	for i := 1; i <= 19; i++ {
		txs = append(txs, tx(int64(i), fmt.Sprintf("Cafe %d", i), "-20.00", base.Add(time.Duration(i)*24*time.Hour)))
	}
	txs = append(txs, tx(20, "Mystery Wire", "5000.00", base.Add(30*24*time.Hour)))

	outcomes, err := engine.Evaluate(ctx, enrich(txs))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	wire := outcomeByID(outcomes, 20)
	if !hasRule(wire, domain.RuleOutlierAmount) {
		t.Errorf("expected statistical_outlier_amount for transaction 20, got %v", wire.Rules)
	}
	for _, o := range outcomes {
		if o.ID != 20 && o.Anomaly {
			t.Errorf("transaction %d: unexpected flags %v", o.ID, o.Rules)
		}
	}

	t.Run("SingleRecordHasNoSpread", func(t *testing.T) {
		outcomes, err := engine.Evaluate(ctx, enrich(txs[19:]))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if outcomes[0].Anomaly {
			t.Errorf("single record should not be flagged, got %v", outcomes[0].Rules)
		}
	})
}

func TestLateNightLarge(t *testing.T) {
	cfg := domain.DefaultDetectionConfig().Rules
	agg := &Aggregates{}

	tests := []struct {
		name   string
		hour   int
		amount float64
		exempt bool
		want   bool
	}{
		{"ExpenseAt3AM", 3, -899, false, true},
		{"IncomeAt2AM", 2, 650, false, true},
		{"SmallAt3AM", 3, -120, false, false},
		{"LargeAt5AM", 5, -899, false, false},
		{"LargeAt1AM", 1, -899, false, false},
		{"SubscriptionAt3AM", 3, -899, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &domain.EnrichedRecord{
				Value:                  tt.amount,
				HourOfDay:              tt.hour,
				IsSubscriptionMerchant: tt.exempt,
			}
			if got := LateNightLarge(r, agg, cfg); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestExcessiveFixedExpense(t *testing.T) {
	engine := newEngine(t)

	txs := []domain.Transaction{
		tx(1, "City Electric Co", "-80.00", base),
		tx(2, "City Electric Co", "-80.00", base.Add(48*time.Hour)),
		tx(3, "City Electric Co", "-80.00", base.Add(96*time.Hour)),
		tx(4, "Metro Water", "-30.00", base.Add(24*time.Hour)),
		tx(5, "Metro Water", "-30.00", base.Add(72*time.Hour)),
	}

	outcomes, err := engine.Evaluate(context.Background(), enrich(txs))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	for _, id := range []int64{1, 2, 3} {
		if !hasRule(outcomeByID(outcomes, id), domain.RuleExcessiveFixedExpense) {
			t.Errorf("transaction %d: expected excessive_fixed_expense", id)
		}
	}
	for _, id := range []int64{4, 5} {
		if outcomeByID(outcomes, id).Anomaly {
			t.Errorf("transaction %d: two charges a month should not be flagged", id)
		}
	}
}

func TestExcessiveSubscription(t *testing.T) {
	engine := newEngine(t)

	subs := []domain.SubscriptionEntry{{
		Merchant:          "Spotify",
		FrequencyPerMonth: 2.0,
		IsKnownService:    true,
	}}
	records := enrich([]domain.Transaction{tx(1, "Spotify", "-9.99", base)}, subs...)

	outcomes, err := engine.Evaluate(context.Background(), records)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !hasRule(outcomes[0], domain.RuleExcessiveSubscription) {
		t.Errorf("expected excessive_subscription_frequency, got %v", outcomes[0].Rules)
	}
}

func TestCustomRules(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadAndFire", func(t *testing.T) {
		engine := newEngine(t)
		rule := &domain.CustomRule{
			ID:         "big-dining",
			Name:       "Large dining spend",
			Expression: `category == "Dining" && abs_amount > 150.0`,
			Enabled:    true,
		}
		if err := engine.LoadRule(rule); err != nil {
			t.Fatalf("LoadRule failed: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Fatalf("expected 1 rule, got %d", engine.RulesCount())
		}

		txs := []domain.Transaction{
			tx(1, "Steakhouse", "-210.00", base),
			tx(2, "Diner", "-18.00", base.Add(24*time.Hour)),
		}
		txs[0].Category = "Dining"
		txs[1].Category = "Dining"

		outcomes, err := engine.Evaluate(ctx, enrich(txs))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if !hasRule(outcomeByID(outcomes, 1), "big-dining") {
			t.Errorf("expected big-dining to fire, got %v", outcomeByID(outcomes, 1).Rules)
		}
		if outcomeByID(outcomes, 2).Anomaly {
			t.Error("small dining charge should not be flagged")
		}
	})

	t.Run("NumericThreshold", func(t *testing.T) {
		engine := newEngine(t)
		engine.LoadRule(&domain.CustomRule{
			ID:         "velocity",
			Expression: "merchant_velocity",
			Threshold:  3,
			Enabled:    true,
		})

		txs := []domain.Transaction{
			tx(1, "Arcade", "-5.00", base),
			tx(2, "Arcade", "-5.00", base.Add(10*time.Minute)),
			tx(3, "Arcade", "-5.00", base.Add(20*time.Minute)),
		}
		outcomes, err := engine.Evaluate(ctx, enrich(txs))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if hasRule(outcomeByID(outcomes, 2), "velocity") {
			t.Error("velocity should not fire at 2 charges")
		}
		if !hasRule(outcomeByID(outcomes, 3), "velocity") {
			t.Error("velocity should fire at 3 charges")
		}
	})

	t.Run("RespectExclusions", func(t *testing.T) {
		engine := newEngine(t)
		engine.LoadRule(&domain.CustomRule{
			ID:                "any-expense",
			Expression:        "amount < 0.0",
			RespectExclusions: true,
			Enabled:           true,
		})
		subs := []domain.SubscriptionEntry{{Merchant: "Gym", FrequencyPerMonth: 1}}

		outcomes, err := engine.Evaluate(ctx, enrich([]domain.Transaction{tx(1, "Gym", "-49.99", base)}, subs...))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if outcomes[0].Anomaly {
			t.Errorf("subscription merchant should be skipped, got %v", outcomes[0].Rules)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		engine := newEngine(t)
		err := engine.ValidateRule(&domain.CustomRule{ID: "bad", Expression: "amount >"})
		if err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("WrongOutputType", func(t *testing.T) {
		engine := newEngine(t)
		err := engine.LoadRule(&domain.CustomRule{ID: "str", Expression: "merchant"})
		if err == nil {
			t.Error("expected output type error")
		}
		if engine.RulesCount() != 0 {
			t.Errorf("expected no rules loaded, got %d", engine.RulesCount())
		}
	})

	t.Run("ReloadKeepsPreviousOnError", func(t *testing.T) {
		engine := newEngine(t)
		engine.LoadRule(&domain.CustomRule{ID: "a", Expression: "amount > 0.0", Enabled: true})

		err := engine.ReloadRules([]*domain.CustomRule{
			{ID: "b", Expression: "amount < 0.0", Enabled: true},
			{ID: "c", Expression: "amount <", Enabled: true},
		})
		if err == nil {
			t.Fatal("expected reload error")
		}
		loaded := engine.GetLoadedRules()
		if len(loaded) != 1 || loaded[0].ID != "a" {
			t.Errorf("expected rule a to stay loaded, got %v", loaded)
		}

		err = engine.ReloadRules([]*domain.CustomRule{
			{ID: "b", Expression: "amount < 0.0", Enabled: true},
			{ID: "d", Expression: "amount < 0.0", Enabled: false},
		})
		if err != nil {
			t.Fatalf("ReloadRules failed: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 enabled rule, got %d", engine.RulesCount())
		}
	})

	t.Run("EvaluationError", func(t *testing.T) {
		engine := newEngine(t)
		engine.LoadRule(&domain.CustomRule{
			ID:         "div",
			Expression: "10 / (merchant_month_count - merchant_month_count) > 1",
			Enabled:    true,
		})

		_, err := engine.Evaluate(ctx, enrich([]domain.Transaction{tx(1, "Shop", "-1.00", base)}))
		if !errors.Is(err, domain.ErrRuleEvaluation) {
			t.Errorf("expected ErrRuleEvaluation, got %v", err)
		}
	})
}

func TestEvaluateCancelled(t *testing.T) {
	engine := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Evaluate(ctx, enrich([]domain.Transaction{tx(1, "Shop", "-1.00", base)}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
