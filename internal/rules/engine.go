// Package rules provides the suspicion rule engine: fixed built-in predicates
// plus operator defined CEL rules, OR-combined per transaction.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/velocity"
)

// Engine evaluates built-in and custom rules over an enriched table.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	cfg           domain.RuleConfig
	builtins      []Builtin
	compiledRules map[string]*CompiledRule
	velocity      *velocity.Counter
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.CustomRule
	Program cel.Program
}

// NewEngine creates a rule engine. A nil counter disables merchant_velocity (always 1).
func NewEngine(cfg domain.RuleConfig, counter *velocity.Counter) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("abs_amount", cel.DoubleType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("month", cel.StringType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("day_of_month", cel.IntType),
		cel.Variable("time_since_last", cel.DoubleType),
		cel.Variable("time_since_any", cel.DoubleType),
		cel.Variable("is_subscription_merchant", cel.BoolType),
		cel.Variable("is_known_service", cel.BoolType),
		cel.Variable("excessive_subscription_charges", cel.BoolType),
		cel.Variable("is_common_merchant", cel.BoolType),
		cel.Variable("is_fixed_expense", cel.BoolType),
		// dataset aggregates
		cel.Variable("amount_mean", cel.DoubleType),
		cel.Variable("amount_stddev", cel.DoubleType),
		cel.Variable("merchant_month_count", cel.IntType),
		cel.Variable("merchant_velocity", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		cfg:           withDefaults(cfg),
		builtins:      BuiltinRules(),
		compiledRules: make(map[string]*CompiledRule),
		velocity:      counter,
	}, nil
}

func withDefaults(cfg domain.RuleConfig) domain.RuleConfig {
	def := domain.DefaultDetectionConfig().Rules
	if cfg.RapidFireSeconds <= 0 {
		cfg.RapidFireSeconds = def.RapidFireSeconds
	}
	if cfg.DuplicateChargeSeconds <= 0 {
		cfg.DuplicateChargeSeconds = def.DuplicateChargeSeconds
	}
	if cfg.OutlierStdDevs <= 0 {
		cfg.OutlierStdDevs = def.OutlierStdDevs
	}
	if cfg.LateNightStartHour == 0 && cfg.LateNightEndHour == 0 {
		cfg.LateNightStartHour = def.LateNightStartHour
		cfg.LateNightEndHour = def.LateNightEndHour
	}
	if cfg.LateNightMinAmount <= 0 {
		cfg.LateNightMinAmount = def.LateNightMinAmount
	}
	if cfg.FixedExpenseMaxPerMonth <= 0 {
		cfg.FixedExpenseMaxPerMonth = def.FixedExpenseMaxPerMonth
	}
	return cfg
}

// Config returns the effective thresholds.
func (e *Engine) Config() domain.RuleConfig {
	return e.cfg
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(rule *domain.CustomRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.CustomRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.compiledRules[rule.ID] = compiled

	return nil
}

// LoadRules compiles and loads the enabled rules.
func (e *Engine) LoadRules(rules []*domain.CustomRule) error {
	for _, r := range rules {
		if r.Enabled {
			if err := e.LoadRule(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing custom rules and loads new ones.
// On a compile error the previously loaded set stays active.
func (e *Engine) ReloadRules(rules []*domain.CustomRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiled, err := e.compileRule(r)
		if err != nil {
			return err
		}
		newRules[r.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// RulesCount returns the number of loaded custom rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded custom rules ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.CustomRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.CustomRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close drops all custom rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

// Evaluate returns one outcome per record, in record order.
// A record is anomalous when any built-in or custom rule fires.
func (e *Engine) Evaluate(ctx context.Context, records []domain.EnrichedRecord) ([]domain.RuleOutcome, error) {
	custom := e.snapshot()
	agg := ComputeAggregates(records)

	var counts []int64
	if len(custom) > 0 && e.velocity != nil {
		counts = e.velocity.Counts(records)
	}

	outcomes := make([]domain.RuleOutcome, len(records))
	for i := range records {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		rec := &records[i]
		out := domain.RuleOutcome{ID: rec.ID}

		for _, b := range e.builtins {
			if b.Check(rec, agg, e.cfg) {
				out.Rules = append(out.Rules, b.Name)
			}
		}

		if len(custom) > 0 {
			vel := int64(1)
			if counts != nil {
				vel = counts[i]
			}
			activation := e.activation(rec, agg, vel)
			for _, c := range custom {
				if c.Config.RespectExclusions && rec.IsExemptRecurring() {
					continue
				}
				fired, err := c.fires(activation)
				if err != nil {
					return nil, fmt.Errorf("%w: rule %s on transaction %d: %v", domain.ErrRuleEvaluation, c.Config.ID, rec.ID, err)
				}
				if fired {
					out.Rules = append(out.Rules, c.Config.ID)
				}
			}
		}

		out.Anomaly = len(out.Rules) > 0
		outcomes[i] = out
	}

	return outcomes, nil
}

// snapshot copies the compiled custom rules in ID order.
func (e *Engine) snapshot() []*CompiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, r := range e.compiledRules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })
	return rules
}

func (e *Engine) activation(r *domain.EnrichedRecord, agg *Aggregates, vel int64) map[string]any {
	stddev := agg.StdDev
	if math.IsNaN(stddev) {
		stddev = 0
	}
	return map[string]any{
		"amount":                         r.Value,
		"abs_amount":                     math.Abs(r.Value),
		"merchant":                       r.Merchant,
		"category":                       r.Category,
		"month":                          r.Month,
		"hour_of_day":                    int64(r.HourOfDay),
		"day_of_week":                    int64(r.DayOfWeek),
		"day_of_month":                   int64(r.DayOfMonth),
		"time_since_last":                r.TimeSinceLast,
		"time_since_any":                 r.TimeSinceAny,
		"is_subscription_merchant":       r.IsSubscriptionMerchant,
		"is_known_service":               r.IsKnownService,
		"excessive_subscription_charges": r.ExcessiveSubscriptionCharges,
		"is_common_merchant":             r.IsCommonMerchant,
		"is_fixed_expense":               r.IsFixedExpense,
		"amount_mean":                    agg.Mean,
		"amount_stddev":                  stddev,
		"merchant_month_count":           int64(agg.MerchantMonthCount(r)),
		"merchant_velocity":              vel,
	}
}

func (c *CompiledRule) fires(activation map[string]any) (bool, error) {
	out, _, err := c.Program.Eval(activation)
	if err != nil {
		return false, err
	}
	return toScore(out) >= c.Config.EffectiveThreshold(), nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func (e *Engine) compileRule(rule *domain.CustomRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", rule.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Config:  rule,
		Program: program,
	}, nil
}
