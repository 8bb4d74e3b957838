// Package domain defines the core interfaces and types for Ibis.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Invoice operations
	SaveInvoice(ctx context.Context, tenantID string, inv *Invoice) error
	GetInvoice(ctx context.Context, tenantID string, invoiceID string) (*Invoice, error)

	// GetPayerInvoices returns the payer's invoices ordered oldest
	// first, capped at limit. This is the scoring history source.
	GetPayerInvoices(ctx context.Context, tenantID string, payerID string, limit int) ([]*Invoice, error)

	// GetPayeeInvoices returns invoices addressed to a payee,
	// newest first.
	GetPayeeInvoices(ctx context.Context, tenantID string, payee string, limit int) ([]*Invoice, error)

	// Analysis results
	SaveAnalysis(ctx context.Context, tenantID string, analysis *RiskAnalysis) error
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*RiskAnalysis, error)

	// Payee reputation persistence
	SaveReputation(ctx context.Context, tenantID string, payee string, score float64) error
	GetReputation(ctx context.Context, tenantID string, payee string) (float64, error)
	ListReputations(ctx context.Context, tenantID string) (map[string]float64, error)

	// Submission gate configuration operations
	SaveGateConfig(ctx context.Context, tenantID string, gate *GateConfig) error
	GetGateConfig(ctx context.Context, tenantID string, gateID string) (*GateConfig, error)
	ListGateConfigs(ctx context.Context, tenantID string) ([]*GateConfig, error)
	DeleteGateConfig(ctx context.Context, tenantID string, gateID string) error

	// Escrow registry records
	SaveEscrowInvoice(ctx context.Context, tenantID string, rec *EscrowInvoice) error
	GetEscrowInvoice(ctx context.Context, tenantID string, hash string) (*EscrowInvoice, error)
	UpdateEscrowStatus(ctx context.Context, tenantID string, hash string, status EscrowStatus) error
	ListEscrowBySubmitter(ctx context.Context, tenantID string, submitterID string) ([]*EscrowInvoice, error)

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
