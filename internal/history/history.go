// Package history loads the payer's prior invoices used as scoring
// context.
package history

import (
	"context"
	"fmt"

	"github.com/opensource-finance/ibis/internal/domain"
)

// DefaultLimit caps the scoring window when the caller does not set
// one. History realistically stays in the low hundreds.
const DefaultLimit = 100

// Service assembles scoring history from the repository and from
// caller-supplied entries.
type Service struct {
	repo  domain.Repository
	limit int
}

// NewService creates a history service. limit <= 0 falls back to
// DefaultLimit.
func NewService(repo domain.Repository, limit int) *Service {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{repo: repo, limit: limit}
}

// ForPayer returns the stored history for a payer, oldest first,
// capped at the service limit.
func (s *Service) ForPayer(ctx context.Context, tenantID, payerID string) ([]domain.HistoricalInvoice, error) {
	if tenantID == "" || payerID == "" {
		return nil, fmt.Errorf("tenantID and payerID are required")
	}

	invoices, err := s.repo.GetPayerInvoices(ctx, tenantID, payerID, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load payer history: %w", err)
	}

	history := make([]domain.HistoricalInvoice, 0, len(invoices))
	for _, inv := range invoices {
		history = append(history, inv.ToHistorical())
	}
	return history, nil
}

// Merge appends caller-supplied entries after the stored ones and
// re-caps the window. Both sequences are assumed chronological; the
// inline entries are treated as the most recent.
func (s *Service) Merge(stored, inline []domain.HistoricalInvoice) []domain.HistoricalInvoice {
	if len(inline) == 0 {
		return stored
	}
	merged := make([]domain.HistoricalInvoice, 0, len(stored)+len(inline))
	merged = append(merged, stored...)
	merged = append(merged, inline...)
	if len(merged) > s.limit {
		merged = merged[len(merged)-s.limit:]
	}
	return merged
}
