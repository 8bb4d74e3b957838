// Package escrow implements the invoice escrow registry: submission
// with policy gating, hash-keyed deduplication, restricted status
// transitions, and payment settlement events.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/policy"
	"github.com/opensource-finance/ibis/internal/repository"
)

// Registry errors surfaced to the API layer.
var (
	ErrDuplicate            = errors.New("invoice already submitted")
	ErrNotFound             = errors.New("escrow record not found")
	ErrBlocked              = errors.New("submission blocked by policy")
	ErrConfirmationRequired = errors.New("submission requires confirmation")
	ErrRateLimited          = errors.New("submission rate limit exceeded")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNotAuthorized        = errors.New("actor not authorized for this transition")
)

// Registry manages escrow records. It owns no scoring logic; callers
// hand it the invoice together with its latest analysis.
type Registry struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	gates      *policy.Engine
	maxPerHour int
	logger     *slog.Logger

	nowFn func() time.Time
}

// NewRegistry creates an escrow registry. maxPerHour <= 0 disables
// submission rate limiting.
func NewRegistry(repo domain.Repository, cache domain.Cache, bus domain.EventBus, gates *policy.Engine, maxPerHour int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		gates:      gates,
		maxPerHour: maxPerHour,
		logger:     logger,
		nowFn:      time.Now,
	}
}

// hashFields is the canonical representation fed to the hash. Field
// order is fixed by the struct, so identical invoices always produce
// identical hashes.
type hashFields struct {
	Amount      float64 `json:"amount"`
	Date        string  `json:"date"`
	Description string  `json:"description"`
	Payee       string  `json:"payee"`
}

// HashInvoice derives the registry key for an invoice.
func HashInvoice(inv *domain.Invoice) string {
	canonical, _ := json.Marshal(hashFields{
		Amount:      inv.Amount,
		Date:        inv.Date.UTC().Format(time.RFC3339),
		Description: inv.Description,
		Payee:       inv.Payee,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Submit registers an invoice in escrow. The submission passes
// through the gate engine first; one registration per unique invoice
// hash.
func (r *Registry) Submit(ctx context.Context, tenantID string, inv *domain.Invoice, analysis *domain.RiskAnalysis, req *domain.SubmissionRequest) (*domain.SubmissionResponse, error) {
	if req.SubmitterID == "" {
		return nil, fmt.Errorf("submitterID is required")
	}

	if r.maxPerHour > 0 {
		key := "escrow:submit:" + req.SubmitterID
		count, err := r.cache.IncrementCounter(ctx, tenantID, key, time.Hour)
		if err != nil {
			r.logger.Warn("submission counter unavailable", "tenant", tenantID, "error", err)
		} else if count > int64(r.maxPerHour) {
			return nil, ErrRateLimited
		}
	}

	gate := r.gates.Evaluate(analysis, inv)
	switch gate.Outcome {
	case domain.GateBlock:
		return nil, fmt.Errorf("%w: %s", ErrBlocked, gate.Reason)
	case domain.GateConfirm:
		if !req.Confirmed {
			return nil, fmt.Errorf("%w: %s", ErrConfirmationRequired, gate.Reason)
		}
	}

	hash := HashInvoice(inv)
	if _, err := r.repo.GetEscrowInvoice(ctx, tenantID, hash); err == nil {
		return nil, ErrDuplicate
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for existing submission: %w", err)
	}

	now := r.nowFn().UTC()
	rec := &domain.EscrowInvoice{
		InvoiceHash: hash,
		TenantID:    tenantID,
		InvoiceID:   inv.ID,
		SubmitterID: req.SubmitterID,
		Payee:       inv.Payee,
		Amount:      inv.Amount,
		RiskScore:   analysis.RiskScore,
		Status:      domain.EscrowSubmitted,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := r.repo.SaveEscrowInvoice(ctx, tenantID, rec); err != nil {
		return nil, fmt.Errorf("failed to save escrow record: %w", err)
	}

	r.publish(ctx, tenantID, domain.TopicEscrowSubmitted, rec)
	r.logger.Info("invoice submitted to escrow",
		"tenant", tenantID, "hash", hash, "riskScore", analysis.RiskScore, "gate", gate.GateID)

	return &domain.SubmissionResponse{
		InvoiceHash: hash,
		Status:      rec.Status.String(),
		Gate:        string(gate.Outcome),
		RiskScore:   analysis.RiskScore,
	}, nil
}

// Get returns an escrow record by hash.
func (r *Registry) Get(ctx context.Context, tenantID, hash string) (*domain.EscrowInvoice, error) {
	rec, err := r.repo.GetEscrowInvoice(ctx, tenantID, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListBySubmitter returns all escrow records registered by one
// submitter.
func (r *Registry) ListBySubmitter(ctx context.Context, tenantID, submitterID string) ([]*domain.EscrowInvoice, error) {
	return r.repo.ListEscrowBySubmitter(ctx, tenantID, submitterID)
}

// UpdateStatus transitions an escrow record. Only the original
// submitter may approve or reject; terminal records are immutable.
func (r *Registry) UpdateStatus(ctx context.Context, tenantID, hash, actorID string, status domain.EscrowStatus) (*domain.EscrowInvoice, error) {
	rec, err := r.Get(ctx, tenantID, hash)
	if err != nil {
		return nil, err
	}

	if err := validateTransition(rec.Status, status); err != nil {
		return nil, err
	}
	if actorID != rec.SubmitterID {
		return nil, ErrNotAuthorized
	}

	if err := r.repo.UpdateEscrowStatus(ctx, tenantID, hash, status); err != nil {
		return nil, fmt.Errorf("failed to update escrow status: %w", err)
	}
	rec.Status = status
	rec.UpdatedAt = r.nowFn().UTC()

	r.publish(ctx, tenantID, domain.TopicEscrowStatus, rec)

	// A rejection is a failed payment outcome for the payee.
	if status == domain.EscrowRejected {
		r.publishSettlement(ctx, tenantID, rec, false)
	}

	return rec, nil
}

// ProcessPayment settles an approved escrow record and publishes the
// successful outcome so reputation can be updated downstream.
func (r *Registry) ProcessPayment(ctx context.Context, tenantID, hash, actorID string) (*domain.EscrowInvoice, error) {
	rec, err := r.Get(ctx, tenantID, hash)
	if err != nil {
		return nil, err
	}

	if rec.Status != domain.EscrowApproved {
		return nil, fmt.Errorf("%w: payment requires approved status, have %s", ErrInvalidTransition, rec.Status)
	}
	if actorID != rec.SubmitterID {
		return nil, ErrNotAuthorized
	}

	if err := r.repo.UpdateEscrowStatus(ctx, tenantID, hash, domain.EscrowPaid); err != nil {
		return nil, fmt.Errorf("failed to settle payment: %w", err)
	}
	rec.Status = domain.EscrowPaid
	rec.UpdatedAt = r.nowFn().UTC()

	r.publish(ctx, tenantID, domain.TopicEscrowStatus, rec)
	r.publishSettlement(ctx, tenantID, rec, true)

	r.logger.Info("escrow payment settled", "tenant", tenantID, "hash", hash, "payee", rec.Payee)
	return rec, nil
}

func validateTransition(from, to domain.EscrowStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	switch {
	case from == domain.EscrowSubmitted && (to == domain.EscrowApproved || to == domain.EscrowRejected):
		return nil
	case from == domain.EscrowApproved && (to == domain.EscrowPaid || to == domain.EscrowRejected):
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// SettlementEvent is published on TopicPaymentSettled.
type SettlementEvent struct {
	InvoiceHash string  `json:"invoiceHash"`
	Payee       string  `json:"payee"`
	Amount      float64 `json:"amount"`
	Successful  bool    `json:"successful"`
}

func (r *Registry) publishSettlement(ctx context.Context, tenantID string, rec *domain.EscrowInvoice, successful bool) {
	payload, _ := json.Marshal(SettlementEvent{
		InvoiceHash: rec.InvoiceHash,
		Payee:       rec.Payee,
		Amount:      rec.Amount,
		Successful:  successful,
	})
	if err := r.bus.Publish(ctx, tenantID, domain.TopicPaymentSettled, payload); err != nil {
		r.logger.Warn("failed to publish settlement event", "tenant", tenantID, "error", err)
	}
}

func (r *Registry) publish(ctx context.Context, tenantID, topic string, rec *domain.EscrowInvoice) {
	payload, _ := json.Marshal(rec)
	if err := r.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		r.logger.Warn("failed to publish escrow event", "tenant", tenantID, "topic", topic, "error", err)
	}
}
