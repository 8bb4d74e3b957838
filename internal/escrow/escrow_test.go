package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/ibis/internal/bus"
	"github.com/opensource-finance/ibis/internal/cache"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/policy"
	"github.com/opensource-finance/ibis/internal/repository"
)

// memRepo is an in-memory escrow store keyed the way the SQL
// repository keys records.
type memRepo struct {
	domain.Repository

	mu      sync.Mutex
	records map[string]*domain.EscrowInvoice
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*domain.EscrowInvoice)}
}

func (m *memRepo) key(tenantID, hash string) string {
	return tenantID + "/" + hash
}

func (m *memRepo) SaveEscrowInvoice(ctx context.Context, tenantID string, rec *domain.EscrowInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	m.records[m.key(tenantID, rec.InvoiceHash)] = &clone
	return nil
}

func (m *memRepo) GetEscrowInvoice(ctx context.Context, tenantID, hash string) (*domain.EscrowInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(tenantID, hash)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *memRepo) UpdateEscrowStatus(ctx context.Context, tenantID, hash string, status domain.EscrowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(tenantID, hash)]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Status = status
	return nil
}

func (m *memRepo) ListEscrowBySubmitter(ctx context.Context, tenantID, submitterID string) ([]*domain.EscrowInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.EscrowInvoice
	for _, rec := range m.records {
		if rec.TenantID == tenantID && rec.SubmitterID == submitterID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T, maxPerHour int) (*Registry, *bus.ChannelBus) {
	t.Helper()

	gates, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("failed to create gate engine: %v", err)
	}
	if err := gates.LoadGates(policy.DefaultGates()); err != nil {
		t.Fatalf("failed to load default gates: %v", err)
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	reg := NewRegistry(newMemRepo(), cache.NewLRUCache(100), eventBus, gates, maxPerHour, slog.Default())
	return reg, eventBus
}

func testInvoice() *domain.Invoice {
	return &domain.Invoice{
		ID:          "inv-001",
		TenantID:    "tenant-a",
		PayerID:     "payer-001",
		Payee:       "Acme Corp",
		Amount:      1500,
		Currency:    "USD",
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Description: "Monthly consulting services",
	}
}

func lowRiskAnalysis() *domain.RiskAnalysis {
	return &domain.RiskAnalysis{
		ID:            "analysis-001",
		RiskScore:     20,
		RiskLevel:     domain.RiskLevelLow,
		Confidence:    80,
		PayeeStanding: domain.PayeeStandingTrusted,
	}
}

func TestHashInvoiceDeterministic(t *testing.T) {
	a := HashInvoice(testInvoice())
	b := HashInvoice(testInvoice())
	if a != b {
		t.Errorf("identical invoices hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	changed := testInvoice()
	changed.Amount = 1501
	if HashInvoice(changed) == a {
		t.Error("different amounts produced the same hash")
	}
}

func TestHashIgnoresIdentifiers(t *testing.T) {
	a := testInvoice()
	b := testInvoice()
	b.ID = "inv-999"
	b.PayerID = "payer-999"
	if HashInvoice(a) != HashInvoice(b) {
		t.Error("hash should depend only on invoice content, not identifiers")
	}
}

func TestSubmitAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()

	resp, err := reg.Submit(ctx, "tenant-a", testInvoice(), lowRiskAnalysis(), &domain.SubmissionRequest{
		SubmitterID: "user-001",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Status != "submitted" {
		t.Errorf("status = %q, want submitted", resp.Status)
	}

	rec, err := reg.Get(ctx, "tenant-a", resp.InvoiceHash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != domain.EscrowSubmitted {
		t.Errorf("stored status = %v, want EscrowSubmitted", rec.Status)
	}
	if rec.SubmitterID != "user-001" {
		t.Errorf("SubmitterID = %q, want user-001", rec.SubmitterID)
	}
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()
	req := &domain.SubmissionRequest{SubmitterID: "user-001"}

	if _, err := reg.Submit(ctx, "tenant-a", testInvoice(), lowRiskAnalysis(), req); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	_, err := reg.Submit(ctx, "tenant-a", testInvoice(), lowRiskAnalysis(), req)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got: %v", err)
	}
}

func TestSubmitTenantIsolation(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()
	req := &domain.SubmissionRequest{SubmitterID: "user-001"}

	if _, err := reg.Submit(ctx, "tenant-a", testInvoice(), lowRiskAnalysis(), req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// Same invoice content under a different tenant is not a duplicate.
	if _, err := reg.Submit(ctx, "tenant-b", testInvoice(), lowRiskAnalysis(), req); err != nil {
		t.Errorf("cross-tenant submit failed: %v", err)
	}
}

func TestSubmitRequiresSubmitter(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	_, err := reg.Submit(context.Background(), "tenant-a", testInvoice(), lowRiskAnalysis(), &domain.SubmissionRequest{})
	if err == nil {
		t.Error("expected error for missing submitter")
	}
}

func TestSubmitGateBlock(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)

	analysis := lowRiskAnalysis()
	analysis.RiskLevel = domain.RiskLevelCritical
	analysis.RiskScore = 90

	_, err := reg.Submit(context.Background(), "tenant-a", testInvoice(), analysis, &domain.SubmissionRequest{
		SubmitterID: "user-001",
		Confirmed:   true,
	})
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked for critical analysis, got: %v", err)
	}
}

func TestSubmitGateConfirm(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()

	analysis := lowRiskAnalysis()
	analysis.RiskLevel = domain.RiskLevelHigh
	analysis.RiskScore = 85

	_, err := reg.Submit(ctx, "tenant-a", testInvoice(), analysis, &domain.SubmissionRequest{
		SubmitterID: "user-001",
	})
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired, got: %v", err)
	}

	resp, err := reg.Submit(ctx, "tenant-a", testInvoice(), analysis, &domain.SubmissionRequest{
		SubmitterID: "user-001",
		Confirmed:   true,
	})
	if err != nil {
		t.Fatalf("confirmed Submit failed: %v", err)
	}
	if resp.Gate != string(domain.GateConfirm) {
		t.Errorf("gate = %q, want confirm", resp.Gate)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		inv := testInvoice()
		inv.Amount = float64(1000 + i)
		if _, err := reg.Submit(ctx, "tenant-a", inv, lowRiskAnalysis(), &domain.SubmissionRequest{SubmitterID: "user-001"}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	inv := testInvoice()
	inv.Amount = 9999
	_, err := reg.Submit(ctx, "tenant-a", inv, lowRiskAnalysis(), &domain.SubmissionRequest{SubmitterID: "user-001"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited on third submission, got: %v", err)
	}

	// A different submitter has an independent budget.
	inv2 := testInvoice()
	inv2.Amount = 8888
	if _, err := reg.Submit(ctx, "tenant-a", inv2, lowRiskAnalysis(), &domain.SubmissionRequest{SubmitterID: "user-002"}); err != nil {
		t.Errorf("other submitter should not be limited: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()

	resp, err := reg.Submit(ctx, "tenant-a", testInvoice(), lowRiskAnalysis(), &domain.SubmissionRequest{SubmitterID: "user-001"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	hash := resp.InvoiceHash

	// Submitted -> Paid is not allowed.
	if _, err := reg.UpdateStatus(ctx, "tenant-a", hash, "user-001", domain.EscrowPaid); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for submitted->paid, got: %v", err)
	}

	// Only the submitter may transition.
	if _, err := reg.UpdateStatus(ctx, "tenant-a", hash, "someone-else", domain.EscrowApproved); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got: %v", err)
	}

	rec, err := reg.UpdateStatus(ctx, "tenant-a", hash, "user-001", domain.EscrowApproved)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if rec.Status != domain.EscrowApproved {
		t.Errorf("status = %v, want approved", rec.Status)
	}

	// Approved -> Rejected is allowed.
	if _, err := reg.UpdateStatus(ctx, "tenant-a", hash, "user-001", domain.EscrowRejected); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	// Rejected is terminal.
	if _, err := reg.UpdateStatus(ctx, "tenant-a", hash, "user-001", domain.EscrowApproved); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from terminal status, got: %v", err)
	}
}

func TestProcessPayment(t *testing.T) {
	reg, eventBus := newTestRegistry(t, 0)
	ctx := context.Background()

	var settlement *SettlementEvent
	eventBus.Subscribe(ctx, "tenant-a", domain.TopicPaymentSettled, func(ctx context.Context, msg *domain.Message) error {
		var ev SettlementEvent
		if err := json.Unmarshal(msg.Payload, &ev); err == nil {
			settlement = &ev
		}
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	resp, err := reg.Submit(ctx, "tenant-a", testInvoice(), lowRiskAnalysis(), &domain.SubmissionRequest{SubmitterID: "user-001"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	hash := resp.InvoiceHash

	// Payment requires approved status.
	if _, err := reg.ProcessPayment(ctx, "tenant-a", hash, "user-001"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before approval, got: %v", err)
	}

	if _, err := reg.UpdateStatus(ctx, "tenant-a", hash, "user-001", domain.EscrowApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	if _, err := reg.ProcessPayment(ctx, "tenant-a", hash, "other-user"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for non-submitter, got: %v", err)
	}

	rec, err := reg.ProcessPayment(ctx, "tenant-a", hash, "user-001")
	if err != nil {
		t.Fatalf("ProcessPayment failed: %v", err)
	}
	if rec.Status != domain.EscrowPaid {
		t.Errorf("status = %v, want paid", rec.Status)
	}

	time.Sleep(50 * time.Millisecond)
	if settlement == nil {
		t.Fatal("expected a settlement event")
	}
	if !settlement.Successful {
		t.Error("expected a successful settlement")
	}
	if settlement.Payee != "Acme Corp" {
		t.Errorf("settlement payee = %q, want Acme Corp", settlement.Payee)
	}

	// Paid is terminal; a second payment must fail.
	if _, err := reg.ProcessPayment(ctx, "tenant-a", hash, "user-001"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for double payment, got: %v", err)
	}
}

func TestRejectionPublishesFailedSettlement(t *testing.T) {
	reg, eventBus := newTestRegistry(t, 0)
	ctx := context.Background()

	var settlement *SettlementEvent
	eventBus.Subscribe(ctx, "tenant-a", domain.TopicPaymentSettled, func(ctx context.Context, msg *domain.Message) error {
		var ev SettlementEvent
		if err := json.Unmarshal(msg.Payload, &ev); err == nil {
			settlement = &ev
		}
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	resp, err := reg.Submit(ctx, "tenant-a", testInvoice(), lowRiskAnalysis(), &domain.SubmissionRequest{SubmitterID: "user-001"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := reg.UpdateStatus(ctx, "tenant-a", resp.InvoiceHash, "user-001", domain.EscrowRejected); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if settlement == nil {
		t.Fatal("expected a settlement event for a rejection")
	}
	if settlement.Successful {
		t.Error("rejection settlement should be unsuccessful")
	}
}

func TestListBySubmitter(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		inv := testInvoice()
		inv.Amount = float64(1000 + i)
		if _, err := reg.Submit(ctx, "tenant-a", inv, lowRiskAnalysis(), &domain.SubmissionRequest{SubmitterID: "user-001"}); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	inv := testInvoice()
	inv.Amount = 5
	if _, err := reg.Submit(ctx, "tenant-a", inv, lowRiskAnalysis(), &domain.SubmissionRequest{SubmitterID: "user-002"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	records, err := reg.ListBySubmitter(ctx, "tenant-a", "user-001")
	if err != nil {
		t.Fatalf("ListBySubmitter failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 records for user-001, got %d", len(records))
	}
}

func TestGetNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	_, err := reg.Get(context.Background(), "tenant-a", "deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}
