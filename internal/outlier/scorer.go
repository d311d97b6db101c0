// Package outlier scores transactions with an isolation forest fitted per call.
package outlier

import (
	"context"
	"fmt"
	"math"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/stats"
)

// Scorer fits a fresh model on every call; it keeps no state between calls.
type Scorer struct {
	cfg domain.OutlierConfig
}

// NewScorer creates a scorer. Zero config values fall back to the defaults.
func NewScorer(cfg domain.OutlierConfig) *Scorer {
	def := domain.DefaultDetectionConfig().Outlier
	if cfg.Estimators <= 0 {
		cfg.Estimators = def.Estimators
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		cfg.Contamination = def.Contamination
	}
	return &Scorer{cfg: cfg}
}

// Model is a fitted encoder and forest together with its training scores.
type Model struct {
	Encoder *Encoder
	Forest  *Forest
	Scores  []float64
	offset  float64
}

// Offset is the score at the contamination quantile of the training data.
func (m *Model) Offset() float64 {
	return m.offset
}

// Decision returns score minus the offset. Negative values are outliers under the
// configured contamination rate.
func (m *Model) Decision(score float64) float64 {
	return score - m.offset
}

// ScoreRecord scores a record with the fitted encoder and forest.
// Merchants and categories unseen at fit time encode to zeros.
func (m *Model) ScoreRecord(rec *domain.EnrichedRecord) float64 {
	row := make([]float64, m.Encoder.Width()+len(NumericFeatures))
	m.Encoder.Encode(rec, row[:m.Encoder.Width()])
	copy(row[m.Encoder.Width():], numericRow(rec))
	return m.Forest.Score(row)
}

// Score fits a model on records and returns one score per record in input order.
func (s *Scorer) Score(ctx context.Context, records []domain.EnrichedRecord) ([]domain.AnomalyScore, error) {
	model, err := s.Fit(ctx, records)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AnomalyScore, len(records))
	for i := range records {
		out[i] = domain.AnomalyScore{ID: records[i].ID, Score: model.Scores[i]}
	}
	return out, nil
}

// Fit encodes records, validates the matrix and grows the forest.
func (s *Scorer) Fit(ctx context.Context, records []domain.EnrichedRecord) (*Model, error) {
	if len(records) == 0 {
		return nil, &domain.InsufficientDataError{Op: "score outliers", Need: 1, Have: 0}
	}

	enc := &Encoder{}
	enc.Fit(records)
	rows := enc.Matrix(records)

	if err := validateMatrix(rows); err != nil {
		return nil, err
	}

	forest, err := Fit(ctx, rows, ForestParams{
		Estimators: s.cfg.Estimators,
		MaxSamples: s.cfg.MaxSamples,
		Seed:       s.cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("fit isolation forest: %w", err)
	}

	scores := make([]float64, len(rows))
	for i, row := range rows {
		scores[i] = forest.Score(row)
	}

	return &Model{
		Encoder: enc,
		Forest:  forest,
		Scores:  scores,
		offset:  stats.Quantile(scores, s.cfg.Contamination),
	}, nil
}

func validateMatrix(rows [][]float64) error {
	width := len(rows[0])
	if width == 0 {
		return &domain.ModelFitError{Reason: "feature matrix has no columns"}
	}
	for i, row := range rows {
		if len(row) != width {
			return &domain.ModelFitError{Reason: fmt.Sprintf("row %d has %d columns, want %d", i, len(row), width)}
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &domain.ModelFitError{Reason: fmt.Sprintf("non-finite value at row %d column %d", i, j)}
			}
		}
	}

	if len(rows) < 2 {
		return nil
	}
	for _, row := range rows[1:] {
		for j, v := range row {
			if v != rows[0][j] {
				return nil
			}
		}
	}
	return &domain.ModelFitError{Reason: fmt.Sprintf("all %d rows are identical", len(rows))}
}
