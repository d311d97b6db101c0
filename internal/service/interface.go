package service

import (
	"context"

	"github.com/applsais/financial-coach/internal/domain"
)

// TransactionStore is the persistence the analysis service depends on.
// domain.Repository satisfies it.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mock_service -source=interface.go TransactionStore
type TransactionStore interface {
	SaveTransactions(ctx context.Context, datasetID string, txs []domain.Transaction) ([]domain.Transaction, error)
	ListTransactions(ctx context.Context, datasetID string) ([]domain.Transaction, error)
	DeleteTransactions(ctx context.Context, datasetID string) (int64, error)
	SaveRule(ctx context.Context, datasetID string, rule *domain.CustomRule) error
	ListRules(ctx context.Context, datasetID string) ([]*domain.CustomRule, error)
	SaveAnalysis(ctx context.Context, datasetID string, analysis *domain.Analysis) error
}
