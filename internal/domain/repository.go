// Package domain defines the core interfaces and types for the financial coach.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require datasetID; datasets never see each other's records.
type Repository interface {
	// Transaction operations
	SaveTransactions(ctx context.Context, datasetID string, txs []Transaction) ([]Transaction, error)
	ListTransactions(ctx context.Context, datasetID string) ([]Transaction, error)
	ListTransactionsPage(ctx context.Context, datasetID string, offset, limit int) ([]Transaction, error)
	CountTransactions(ctx context.Context, datasetID string) (int, error)
	DeleteTransactions(ctx context.Context, datasetID string) (int64, error)

	// Custom rule operations
	SaveRule(ctx context.Context, datasetID string, rule *CustomRule) error
	GetRule(ctx context.Context, datasetID string, ruleID string) (*CustomRule, error)
	ListRules(ctx context.Context, datasetID string) ([]*CustomRule, error)

	// Analysis results
	SaveAnalysis(ctx context.Context, datasetID string, analysis *Analysis) error
	GetAnalysis(ctx context.Context, datasetID string, analysisID string) (*Analysis, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
