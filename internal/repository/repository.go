// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
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

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

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

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveInvoice stores an invoice with tenant isolation.
func (r *SQLRepository) SaveInvoice(ctx context.Context, tenantID string, inv *domain.Invoice) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(inv.Metadata)

	query := `
		INSERT INTO invoices (
			id, tenant_id, payer_id, payee, amount, currency,
			invoice_date, description, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		inv.ID, tenantID, inv.PayerID, inv.Payee,
		inv.Amount, inv.Currency,
		inv.Date, inv.Description, inv.CreatedAt,
		string(metadata),
	)
	return err
}

// GetInvoice retrieves an invoice by ID with tenant isolation.
func (r *SQLRepository) GetInvoice(ctx context.Context, tenantID string, invoiceID string) (*domain.Invoice, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, payer_id, payee, amount, currency,
			   invoice_date, description, created_at, metadata
		FROM invoices
		WHERE tenant_id = ? AND id = ?
	`

	inv, err := scanInvoice(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

// GetPayerInvoices retrieves the payer's invoices, oldest first.
func (r *SQLRepository) GetPayerInvoices(ctx context.Context, tenantID string, payerID string, limit int) ([]*domain.Invoice, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	// Take the most recent rows, then flip to chronological order.
	query := `
		SELECT id, tenant_id, payer_id, payee, amount, currency,
			   invoice_date, description, created_at, metadata
		FROM invoices
		WHERE tenant_id = ? AND payer_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	invoices, err := r.queryInvoices(ctx, query, tenantID, payerID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(invoices)-1; i < j; i, j = i+1, j-1 {
		invoices[i], invoices[j] = invoices[j], invoices[i]
	}
	return invoices, nil
}

// GetPayeeInvoices retrieves invoices addressed to a payee, newest first.
func (r *SQLRepository) GetPayeeInvoices(ctx context.Context, tenantID string, payee string, limit int) ([]*domain.Invoice, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, payer_id, payee, amount, currency,
			   invoice_date, description, created_at, metadata
		FROM invoices
		WHERE tenant_id = ? AND payee = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	return r.queryInvoices(ctx, query, tenantID, payee, limit)
}

func (r *SQLRepository) queryInvoices(ctx context.Context, query string, args ...any) ([]*domain.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []*domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var metadata string

	if err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.PayerID, &inv.Payee,
		&inv.Amount, &inv.Currency,
		&inv.Date, &inv.Description, &inv.CreatedAt,
		&metadata,
	); err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &inv.Metadata)
	}
	return &inv, nil
}

// SaveAnalysis stores a risk analysis with tenant isolation.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, analysis *domain.RiskAnalysis) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	anomalies, _ := json.Marshal(analysis.Anomalies)
	recommendations, _ := json.Marshal(analysis.Recommendations)
	factors, _ := json.Marshal(analysis.Factors)
	metadata, _ := json.Marshal(analysis.Metadata)

	query := `
		INSERT INTO analyses (
			id, tenant_id, invoice_id, timestamp, risk_score, risk_level,
			confidence, payee_standing, anomalies, recommendations,
			explanation, factors, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		analysis.ID, tenantID, analysis.InvoiceID, analysis.Timestamp,
		analysis.RiskScore, analysis.RiskLevel,
		analysis.Confidence, analysis.PayeeStanding,
		string(anomalies), string(recommendations),
		analysis.Explanation, string(factors), string(metadata),
	)
	return err
}

// GetAnalysis retrieves a risk analysis by ID with tenant isolation.
func (r *SQLRepository) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.RiskAnalysis, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, invoice_id, timestamp, risk_score, risk_level,
			   confidence, payee_standing, anomalies, recommendations,
			   explanation, factors, metadata
		FROM analyses
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.RiskAnalysis
	var anomalies, recommendations, factors, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, analysisID).Scan(
		&a.ID, &a.TenantID, &a.InvoiceID, &a.Timestamp,
		&a.RiskScore, &a.RiskLevel,
		&a.Confidence, &a.PayeeStanding,
		&anomalies, &recommendations,
		&a.Explanation, &factors, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(anomalies), &a.Anomalies)
	json.Unmarshal([]byte(recommendations), &a.Recommendations)
	json.Unmarshal([]byte(factors), &a.Factors)
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// SaveReputation upserts a payee reputation score with tenant isolation.
func (r *SQLRepository) SaveReputation(ctx context.Context, tenantID string, payee string, score float64) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if payee == "" {
		return fmt.Errorf("%w: payee is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO reputations (tenant_id, payee, score, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, payee) DO UPDATE SET
			score = excluded.score,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, payee, score, time.Now().UTC())
	return err
}

// GetReputation retrieves a payee reputation score with tenant isolation.
func (r *SQLRepository) GetReputation(ctx context.Context, tenantID string, payee string) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT score FROM reputations WHERE tenant_id = ? AND payee = ?`

	var score float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, payee).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return score, err
}

// ListReputations returns all payee reputation scores for a tenant.
func (r *SQLRepository) ListReputations(ctx context.Context, tenantID string) (map[string]float64, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT payee, score FROM reputations WHERE tenant_id = ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reputations := make(map[string]float64)
	for rows.Next() {
		var payee string
		var score float64
		if err := rows.Scan(&payee, &score); err != nil {
			return nil, err
		}
		reputations[payee] = score
	}
	return reputations, rows.Err()
}

// SaveGateConfig upserts a submission gate configuration.
func (r *SQLRepository) SaveGateConfig(ctx context.Context, tenantID string, gate *domain.GateConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if gate.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO gate_configs (
			id, tenant_id, name, description, expression, outcome, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			outcome = excluded.outcome,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		gate.ID, tenantID, gate.Name, gate.Description,
		gate.Expression, string(gate.Outcome), gate.Priority, enabled,
		now, now,
	)
	return err
}

// GetGateConfig retrieves a gate configuration with tenant isolation.
func (r *SQLRepository) GetGateConfig(ctx context.Context, tenantID string, gateID string) (*domain.GateConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, description, expression, outcome, priority, enabled
		FROM gate_configs
		WHERE tenant_id = ? AND id = ?
	`

	gate, err := scanGate(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, gateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return gate, err
}

// ListGateConfigs retrieves all gate configurations for a tenant,
// enabled and disabled, in priority order.
func (r *SQLRepository) ListGateConfigs(ctx context.Context, tenantID string) ([]*domain.GateConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, description, expression, outcome, priority, enabled
		FROM gate_configs
		WHERE tenant_id = ?
		ORDER BY priority
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gates []*domain.GateConfig
	for rows.Next() {
		gate, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		gates = append(gates, gate)
	}
	return gates, rows.Err()
}

func scanGate(row rowScanner) (*domain.GateConfig, error) {
	var gate domain.GateConfig
	var outcome string
	var enabled int

	if err := row.Scan(
		&gate.ID, &gate.Name, &gate.Description,
		&gate.Expression, &outcome, &gate.Priority, &enabled,
	); err != nil {
		return nil, err
	}

	gate.Outcome = domain.GateOutcome(outcome)
	gate.Enabled = enabled == 1
	return &gate, nil
}

// DeleteGateConfig soft-deletes a gate by setting enabled = 0.
func (r *SQLRepository) DeleteGateConfig(ctx context.Context, tenantID string, gateID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE gate_configs
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, gateID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEscrowInvoice stores an escrow record with tenant isolation.
func (r *SQLRepository) SaveEscrowInvoice(ctx context.Context, tenantID string, rec *domain.EscrowInvoice) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO escrow_invoices (
			invoice_hash, tenant_id, invoice_id, submitter_id, payee,
			amount, risk_score, status, metadata, submitted_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.InvoiceHash, tenantID, rec.InvoiceID, rec.SubmitterID, rec.Payee,
		rec.Amount, rec.RiskScore, int(rec.Status), rec.Metadata,
		rec.SubmittedAt, rec.UpdatedAt,
	)
	return err
}

// GetEscrowInvoice retrieves an escrow record by hash with tenant isolation.
func (r *SQLRepository) GetEscrowInvoice(ctx context.Context, tenantID string, hash string) (*domain.EscrowInvoice, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT invoice_hash, tenant_id, invoice_id, submitter_id, payee,
			   amount, risk_score, status, metadata, submitted_at, updated_at
		FROM escrow_invoices
		WHERE tenant_id = ? AND invoice_hash = ?
	`

	rec, err := scanEscrow(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// UpdateEscrowStatus transitions an escrow record's status.
func (r *SQLRepository) UpdateEscrowStatus(ctx context.Context, tenantID string, hash string, status domain.EscrowStatus) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE escrow_invoices
		SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND invoice_hash = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), int(status), time.Now().UTC(), tenantID, hash)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEscrowBySubmitter retrieves escrow records registered by one
// submitter, newest first.
func (r *SQLRepository) ListEscrowBySubmitter(ctx context.Context, tenantID string, submitterID string) ([]*domain.EscrowInvoice, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT invoice_hash, tenant_id, invoice_id, submitter_id, payee,
			   amount, risk_score, status, metadata, submitted_at, updated_at
		FROM escrow_invoices
		WHERE tenant_id = ? AND submitter_id = ?
		ORDER BY submitted_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, submitterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.EscrowInvoice
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanEscrow(row rowScanner) (*domain.EscrowInvoice, error) {
	var rec domain.EscrowInvoice
	var status int

	if err := row.Scan(
		&rec.InvoiceHash, &rec.TenantID, &rec.InvoiceID, &rec.SubmitterID, &rec.Payee,
		&rec.Amount, &rec.RiskScore, &status, &rec.Metadata,
		&rec.SubmittedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = domain.EscrowStatus(status)
	return &rec, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
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
