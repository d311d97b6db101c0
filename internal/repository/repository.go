// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/applsais/financial-coach/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and applies pending migrations.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var open func() (*sql.DB, error)

	switch cfg.Driver {
	case "sqlite":
		open = func() (*sql.DB, error) { return openSQLite(cfg) }
	case "postgres":
		open = func() (*sql.DB, error) { return openPostgres(cfg) }
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := runMigrations(cfg.Driver, open); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}, nil
}

// SaveTransactions appends txs to a dataset. IDs are reassigned to continue the
// dataset's sequence; the stored copies are returned.
func (r *SQLRepository) SaveTransactions(ctx context.Context, datasetID string, txs []domain.Transaction) ([]domain.Transaction, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}
	if len(txs) == 0 {
		return []domain.Transaction{}, nil
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback()

	var maxID int64
	err = dbtx.QueryRowContext(ctx,
		r.rebind(`SELECT COALESCE(MAX(id), 0) FROM transactions WHERE dataset_id = ?`),
		datasetID,
	).Scan(&maxID)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction sequence: %w", err)
	}

	stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
		INSERT INTO transactions (
			dataset_id, id, occurred_at, merchant, amount, category, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	saved := make([]domain.Transaction, len(txs))
	for i, tx := range txs {
		if tx.Merchant == "" {
			return nil, fmt.Errorf("%w: transaction %d has no merchant", ErrInvalidInput, i)
		}
		if tx.Date.IsZero() {
			return nil, fmt.Errorf("%w: transaction %d has no date", ErrInvalidInput, i)
		}

		tx.ID = maxID + int64(i) + 1
		tx.Date = tx.Date.UTC()
		tx.CreatedAt = now

		if _, err := stmt.ExecContext(ctx,
			datasetID, tx.ID, tx.Date, tx.Merchant, tx.Amount.String(),
			tx.Category, tx.Description, tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to insert transaction: %w", err)
		}
		saved[i] = tx
	}

	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

const transactionColumns = `id, occurred_at, merchant, amount, category, description, created_at`

// ListTransactions returns every transaction of a dataset, oldest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, datasetID string) ([]domain.Transaction, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE dataset_id = ?
		ORDER BY occurred_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), datasetID)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// ListTransactionsPage returns one page of a dataset, newest first.
func (r *SQLRepository) ListTransactionsPage(ctx context.Context, datasetID string, offset, limit int) ([]domain.Transaction, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0 and limit > 0", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE dataset_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), datasetID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	txs := make([]domain.Transaction, 0)
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(
			&tx.ID, &tx.Date, &tx.Merchant, &tx.Amount,
			&tx.Category, &tx.Description, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		tx.Date = tx.Date.UTC()
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// CountTransactions returns the number of transactions in a dataset.
func (r *SQLRepository) CountTransactions(ctx context.Context, datasetID string) (int, error) {
	if datasetID == "" {
		return 0, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	var n int
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM transactions WHERE dataset_id = ?`),
		datasetID,
	).Scan(&n)
	return n, err
}

// DeleteTransactions removes every transaction of a dataset and reports how many went.
func (r *SQLRepository) DeleteTransactions(ctx context.Context, datasetID string) (int64, error) {
	if datasetID == "" {
		return 0, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM transactions WHERE dataset_id = ?`), datasetID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SaveRule stores a custom rule, replacing any rule with the same ID in the dataset.
func (r *SQLRepository) SaveRule(ctx context.Context, datasetID string, rule *domain.CustomRule) error {
	if datasetID == "" {
		return fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id and expression are required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.DatasetID = datasetID

	query := `
		INSERT INTO custom_rules (
			dataset_id, id, name, description, expression, threshold,
			respect_exclusions, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset_id, id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			threshold = excluded.threshold,
			respect_exclusions = excluded.respect_exclusions,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		datasetID, rule.ID, rule.Name, rule.Description, rule.Expression, rule.Threshold,
		boolInt(rule.RespectExclusions), boolInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

const ruleColumns = `dataset_id, id, name, description, expression, threshold,
	respect_exclusions, enabled, created_at, updated_at`

// GetRule retrieves a custom rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, datasetID string, ruleID string) (*domain.CustomRule, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM custom_rules WHERE dataset_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), datasetID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns every custom rule of a dataset, enabled or not, ordered by ID.
func (r *SQLRepository) ListRules(ctx context.Context, datasetID string) ([]*domain.CustomRule, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM custom_rules WHERE dataset_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*domain.CustomRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.CustomRule, error) {
	var rule domain.CustomRule
	var respect, enabled int
	if err := s.Scan(
		&rule.DatasetID, &rule.ID, &rule.Name, &rule.Description, &rule.Expression, &rule.Threshold,
		&respect, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rule.RespectExclusions = respect == 1
	rule.Enabled = enabled == 1
	return &rule, nil
}

// SaveAnalysis stores an analysis run.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, datasetID string, analysis *domain.Analysis) error {
	if datasetID == "" {
		return fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}
	if analysis == nil || analysis.ID == "" {
		return fmt.Errorf("%w: analysis id is required", ErrInvalidInput)
	}
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now().UTC()
	}
	analysis.DatasetID = datasetID

	query := `
		INSERT INTO analyses (
			id, dataset_id, kind, transaction_count, result, trace_id, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		analysis.ID, datasetID, string(analysis.Kind), analysis.TransactionCount,
		string(analysis.Result), analysis.TraceID, analysis.DurationMs, analysis.CreatedAt,
	)
	return err
}

// GetAnalysis retrieves an analysis run by ID.
func (r *SQLRepository) GetAnalysis(ctx context.Context, datasetID string, analysisID string) (*domain.Analysis, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, dataset_id, kind, transaction_count, result, trace_id, duration_ms, created_at
		FROM analyses
		WHERE dataset_id = ? AND id = ?
	`

	var a domain.Analysis
	var kind, result string
	err := r.db.QueryRowContext(ctx, r.rebind(query), datasetID, analysisID).Scan(
		&a.ID, &a.DatasetID, &kind, &a.TransactionCount, &result, &a.TraceID, &a.DurationMs, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Kind = domain.AnalysisKind(kind)
	a.Result = []byte(result)
	return &a, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
