// Package analyzer orchestrates the invoice analysis pipeline:
// history assembly, scoring, persistence, and result events.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/history"
	"github.com/opensource-finance/ibis/internal/risk"
)

var tracer = otel.Tracer("ibis-analyzer")

// Service runs invoices through the scoring pipeline.
type Service struct {
	engine  *risk.Engine
	history *history.Service
	repo    domain.Repository
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewService creates an analysis pipeline service.
func NewService(engine *risk.Engine, hist *history.Service, repo domain.Repository, bus domain.EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:  engine,
		history: hist,
		repo:    repo,
		bus:     bus,
		logger:  logger,
	}
}

// Analyze scores one invoice request. The scoring itself never fails;
// persistence and event publication are best-effort and logged, so a
// degraded store still yields a complete analysis.
func (s *Service) Analyze(ctx context.Context, tenantID string, req *domain.InvoiceRequest) (*domain.RiskAnalysis, *domain.Invoice, error) {
	if tenantID == "" {
		return nil, nil, fmt.Errorf("tenantID is required")
	}

	ctx, span := tracer.Start(ctx, "analyze_invoice",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("invoice.payer", req.PayerID),
		),
	)
	defer span.End()

	inv := req.ToInvoice()
	inv.ID = uuid.New().String()
	inv.TenantID = tenantID

	var stored []domain.HistoricalInvoice
	if req.PayerID != "" {
		var err error
		stored, err = s.history.ForPayer(ctx, tenantID, req.PayerID)
		if err != nil {
			// Score with whatever context we have rather than failing
			// the call.
			s.logger.Warn("scoring without stored history",
				"tenant_id", tenantID, "payer_id", req.PayerID, "error", err)
			stored = nil
		}
	}
	hist := s.history.Merge(stored, req.History)

	analysis := s.engine.AnalyzeInvoice(tenantID, inv, hist)
	analysis.InvoiceID = inv.ID
	if span.SpanContext().TraceID().IsValid() {
		analysis.Metadata.TraceID = span.SpanContext().TraceID().String()
	}

	if err := s.repo.SaveInvoice(ctx, tenantID, inv); err != nil {
		s.logger.Error("failed to save invoice", "invoice_id", inv.ID, "error", err)
	}
	if err := s.repo.SaveAnalysis(ctx, tenantID, analysis); err != nil {
		s.logger.Error("failed to save analysis", "analysis_id", analysis.ID, "error", err)
	}

	payload, _ := json.Marshal(analysis)
	if err := s.bus.Publish(ctx, tenantID, domain.TopicAnalysisCompleted, payload); err != nil {
		s.logger.Error("failed to publish analysis", "analysis_id", analysis.ID, "error", err)
	}
	if ShouldAlert(analysis) {
		if err := s.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			s.logger.Error("failed to publish alert", "analysis_id", analysis.ID, "error", err)
		}
	}

	s.logger.Info("invoice analyzed",
		"tenant_id", tenantID,
		"invoice_id", inv.ID,
		"risk_score", analysis.RiskScore,
		"risk_level", analysis.RiskLevel,
		"confidence", analysis.Confidence,
		"history_size", analysis.Metadata.HistorySize,
	)

	return analysis, inv, nil
}

// ShouldAlert reports whether an analysis warrants an alert event.
func ShouldAlert(a *domain.RiskAnalysis) bool {
	return a.RiskLevel == domain.RiskLevelHigh || a.RiskLevel == domain.RiskLevelCritical
}

// RecordOutcome applies a payment outcome to the payee's reputation,
// both in the engine table and the store.
func (s *Service) RecordOutcome(ctx context.Context, tenantID, payee string, successful bool) (float64, error) {
	if payee == "" {
		return 0, fmt.Errorf("payee is required")
	}

	score := s.engine.UpdatePayeeReputation(payee, successful)
	key := strings.ToLower(strings.TrimSpace(payee))
	if err := s.repo.SaveReputation(ctx, tenantID, key, score); err != nil {
		return score, fmt.Errorf("failed to persist reputation: %w", err)
	}

	s.logger.Info("payee reputation updated",
		"tenant_id", tenantID, "payee", payee, "successful", successful, "score", score)
	return score, nil
}

// Reputation returns the payee's current reputation score.
func (s *Service) Reputation(payee string) float64 {
	return s.engine.Reputation(payee)
}

// LoadReputations seeds the engine's reputation table from the store,
// typically at startup.
func (s *Service) LoadReputations(ctx context.Context, tenantID string) error {
	reputations, err := s.repo.ListReputations(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load reputations: %w", err)
	}

	for payee, score := range reputations {
		s.engine.SetReputation(payee, score)
	}
	s.logger.Info("reputations loaded", "tenant_id", tenantID, "count", len(reputations))
	return nil
}
