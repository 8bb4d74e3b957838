// Package worker provides async message processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/ibis/internal/analyzer"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/escrow"
)

// Worker consumes invoice and settlement events from the EventBus and
// feeds them through the analysis pipeline.
type Worker struct {
	bus      domain.EventBus
	pipeline *analyzer.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, pipeline *analyzer.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicInvoiceReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processInvoice(ctx, msg.TenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	settleSub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicPaymentSettled, func(ctx context.Context, msg *domain.Message) error {
		return w.processSettlement(ctx, msg.TenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, settleSub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicInvoiceReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processInvoice(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	settleSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicPaymentSettled, func(ctx context.Context, msg *domain.Message) error {
		return w.processSettlement(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, settleSub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topics", []string{domain.TopicInvoiceReceived, domain.TopicPaymentSettled},
	)

	return nil
}

// InvoiceMessage is the message payload for async invoice analysis.
type InvoiceMessage struct {
	TenantID string                `json:"tenantId"`
	Request  domain.InvoiceRequest `json:"request"`
}

// processInvoice runs one queued invoice through the pipeline.
func (w *Worker) processInvoice(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var invMsg InvoiceMessage
	if err := json.Unmarshal(msg.Payload, &invMsg); err != nil {
		slog.Error("failed to parse invoice message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if invMsg.TenantID != "" {
		tenantID = invMsg.TenantID
	}

	analysis, inv, err := w.pipeline.Analyze(ctx, tenantID, &invMsg.Request)
	if err != nil {
		slog.Error("invoice analysis failed",
			"message_id", msg.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("invoice processed",
		"invoice_id", inv.ID,
		"tenant_id", tenantID,
		"risk_level", analysis.RiskLevel,
		"risk_score", analysis.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// processSettlement applies a payment outcome to payee reputation.
func (w *Worker) processSettlement(ctx context.Context, tenantID string, msg *domain.Message) error {
	var event escrow.SettlementEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse settlement event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	score, err := w.pipeline.RecordOutcome(ctx, tenantID, event.Payee, event.Successful)
	if err != nil {
		slog.Error("failed to record payment outcome",
			"tenant_id", tenantID,
			"payee", event.Payee,
			"error", err,
		)
		return err
	}

	slog.Info("settlement applied",
		"tenant_id", tenantID,
		"payee", event.Payee,
		"successful", event.Successful,
		"reputation", score,
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
