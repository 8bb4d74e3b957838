package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetInvoice retrieves cached invoice data.
	GetInvoice(ctx context.Context, tenantID string, invoiceID string) (*InvoiceCache, error)

	// SetInvoice caches invoice data for pipeline processing.
	SetInvoice(ctx context.Context, tenantID string, invoiceID string, data *InvoiceCache, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for submission rate checks (e.g., escrow submissions in time window).
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// InvoiceCache holds cached invoice data passed through the pipeline.
type InvoiceCache struct {
	PayerID     string  `json:"payerId"`
	Payee       string  `json:"payee"`
	Amount      float64 `json:"amt"`
	Currency    string  `json:"ccy"`
	Date        string  `json:"date"`
	Description string  `json:"desc"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
