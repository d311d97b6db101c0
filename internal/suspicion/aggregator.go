// Package suspicion merges rule outcomes and outlier scores into the ranked
// list of suspicious transactions.
package suspicion

import (
	"errors"
	"fmt"
	"sort"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/stats"
)

// ErrLengthMismatch is returned when records, outcomes and scores are not aligned.
var ErrLengthMismatch = errors.New("input lengths do not match")

// Aggregator decides which transactions are reported as suspicious.
type Aggregator struct {
	// Scores below this quantile count as statistical outliers
	CutoffQuantile float64

	// Keep common retailers out of the statistical path
	ExcludeCommonMerchants bool
}

// NewAggregator creates an aggregator. A zero quantile falls back to the default.
func NewAggregator(cfg domain.AggregatorConfig) *Aggregator {
	if cfg.CutoffQuantile <= 0 || cfg.CutoffQuantile >= 1 {
		cfg.CutoffQuantile = domain.DefaultDetectionConfig().Aggregator.CutoffQuantile
	}
	return &Aggregator{
		CutoffQuantile:         cfg.CutoffQuantile,
		ExcludeCommonMerchants: cfg.ExcludeCommonMerchants,
	}
}

// Stats summarises one aggregation.
type Stats struct {
	RuleFlagged  int
	ModelFlagged int
	Cutoff       float64
}

// Aggregate merges the three aligned slices. records[i], outcomes[i] and scores[i]
// must describe the same transaction.
func (a *Aggregator) Aggregate(
	records []domain.EnrichedRecord,
	outcomes []domain.RuleOutcome,
	scores []domain.AnomalyScore,
) ([]domain.SuspicionRecord, Stats, error) {
	if len(outcomes) != len(records) || len(scores) != len(records) {
		return nil, Stats{}, fmt.Errorf("%w: %d records, %d rule outcomes, %d scores",
			ErrLengthMismatch, len(records), len(outcomes), len(scores))
	}

	out := make([]domain.SuspicionRecord, 0)
	if len(records) == 0 {
		return out, Stats{}, nil
	}

	values := make([]float64, len(scores))
	for i, s := range scores {
		values[i] = s.Score
	}
	st := Stats{Cutoff: stats.Quantile(values, a.CutoffQuantile)}

	for i := range records {
		rec := &records[i]
		outcome := outcomes[i]
		score := scores[i].Score

		modelHit := a.statisticalOutlier(rec, score, st.Cutoff)
		if outcome.Anomaly {
			st.RuleFlagged++
		}
		if modelHit {
			st.ModelFlagged++
		}
		if !outcome.Anomaly && !modelHit {
			continue
		}

		// recognised services billing once a month are never reported
		if rec.IsKnownService && !rec.ExcessiveSubscriptionCharges {
			continue
		}

		reasons := append([]string(nil), outcome.Rules...)
		if len(reasons) == 0 {
			reasons = []string{domain.ReasonStatisticalOutlier}
		}

		out = append(out, domain.SuspicionRecord{
			ID:           rec.ID,
			Merchant:     rec.Merchant,
			Amount:       rec.Amount,
			Date:         rec.Date,
			Category:     rec.Category,
			AnomalyScore: score,
			Reasons:      reasons,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AnomalyScore == out[j].AnomalyScore {
			return out[i].ID < out[j].ID
		}
		return out[i].AnomalyScore < out[j].AnomalyScore
	})

	return out, st, nil
}

func (a *Aggregator) statisticalOutlier(rec *domain.EnrichedRecord, score, cutoff float64) bool {
	if score >= cutoff || rec.IsKnownService {
		return false
	}
	if a.ExcludeCommonMerchants && rec.IsCommonMerchant {
		return false
	}
	return true
}
