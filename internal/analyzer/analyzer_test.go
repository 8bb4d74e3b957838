package analyzer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/history"
	"github.com/opensource-finance/ibis/internal/risk"
)

// fakeRepo records what the pipeline persists. Unimplemented methods
// panic via the embedded nil interface, which keeps the fake honest.
type fakeRepo struct {
	domain.Repository

	mu          sync.Mutex
	invoices    []*domain.Invoice
	analyses    []*domain.RiskAnalysis
	payerRows   []*domain.Invoice
	reputations map[string]float64
}

func (f *fakeRepo) SaveInvoice(ctx context.Context, tenantID string, inv *domain.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, inv)
	return nil
}

func (f *fakeRepo) SaveAnalysis(ctx context.Context, tenantID string, a *domain.RiskAnalysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses = append(f.analyses, a)
	return nil
}

func (f *fakeRepo) GetPayerInvoices(ctx context.Context, tenantID, payerID string, limit int) ([]*domain.Invoice, error) {
	return f.payerRows, nil
}

func (f *fakeRepo) SaveReputation(ctx context.Context, tenantID, payee string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reputations == nil {
		f.reputations = make(map[string]float64)
	}
	f.reputations[payee] = score
	return nil
}

func (f *fakeRepo) ListReputations(ctx context.Context, tenantID string) (map[string]float64, error) {
	return f.reputations, nil
}

// fakeBus captures published payloads by topic.
type fakeBus struct {
	domain.EventBus

	mu        sync.Mutex
	published map[string][][]byte
}

func (f *fakeBus) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeBus) topicCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic])
}

func newTestService(repo *fakeRepo, bus *fakeBus) *Service {
	engine := risk.NewEngine()
	hist := history.NewService(repo, history.DefaultLimit)
	return NewService(engine, hist, repo, bus, slog.Default())
}

func TestAnalyzePersistsAndPublishes(t *testing.T) {
	repo := &fakeRepo{}
	bus := &fakeBus{}
	svc := newTestService(repo, bus)

	analysis, inv, err := svc.Analyze(context.Background(), "tenant-a", &domain.InvoiceRequest{
		PayerID:     "payer-001",
		Payee:       "Acme Corp",
		Amount:      1200,
		Date:        time.Now().UTC().Format("2006-01-02"),
		Description: "Monthly consulting services",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if inv.ID == "" || analysis.ID == "" {
		t.Error("expected generated identifiers")
	}
	if analysis.InvoiceID != inv.ID {
		t.Errorf("analysis.InvoiceID = %q, want %q", analysis.InvoiceID, inv.ID)
	}
	if analysis.TenantID != "tenant-a" {
		t.Errorf("analysis.TenantID = %q, want tenant-a", analysis.TenantID)
	}

	if len(repo.invoices) != 1 {
		t.Errorf("saved %d invoices, want 1", len(repo.invoices))
	}
	if len(repo.analyses) != 1 {
		t.Errorf("saved %d analyses, want 1", len(repo.analyses))
	}
	if bus.topicCount(domain.TopicAnalysisCompleted) != 1 {
		t.Error("expected one analysis.completed event")
	}

	var published domain.RiskAnalysis
	if err := json.Unmarshal(bus.published[domain.TopicAnalysisCompleted][0], &published); err != nil {
		t.Fatalf("published payload is not a RiskAnalysis: %v", err)
	}
	if published.RiskScore != analysis.RiskScore {
		t.Errorf("published score %d, want %d", published.RiskScore, analysis.RiskScore)
	}
}

func TestAnalyzeRequiresTenant(t *testing.T) {
	svc := newTestService(&fakeRepo{}, &fakeBus{})
	if _, _, err := svc.Analyze(context.Background(), "", &domain.InvoiceRequest{Payee: "Acme"}); err == nil {
		t.Error("expected error for missing tenant")
	}
}

func TestAnalyzeMergesStoredHistory(t *testing.T) {
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeRepo{
		payerRows: []*domain.Invoice{
			{Payee: "Acme Corp", Amount: 1000, Date: base, Description: "January retainer"},
			{Payee: "Acme Corp", Amount: 1100, Date: base.AddDate(0, 1, 0), Description: "February retainer"},
		},
	}
	bus := &fakeBus{}
	svc := newTestService(repo, bus)

	analysis, _, err := svc.Analyze(context.Background(), "tenant-a", &domain.InvoiceRequest{
		PayerID:     "payer-001",
		Payee:       "Acme Corp",
		Amount:      1050,
		Date:        time.Now().UTC().Format("2006-01-02"),
		Description: "March retainer invoice",
		History: []domain.HistoricalInvoice{
			{Payee: "Acme Corp", Amount: 1200, Date: base.AddDate(0, 2, 0), Description: "Supplemental"},
		},
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if analysis.Metadata.HistorySize != 3 {
		t.Errorf("HistorySize = %d, want 3 (stored plus inline)", analysis.Metadata.HistorySize)
	}
	if analysis.PayeeStanding != domain.PayeeStandingTrusted {
		t.Errorf("PayeeStanding = %q, want trusted", analysis.PayeeStanding)
	}
}

func TestAnalyzeAlertsOnHighRisk(t *testing.T) {
	repo := &fakeRepo{}
	bus := &fakeBus{}
	svc := newTestService(repo, bus)

	// Zero amount forces a critical level regardless of other factors.
	analysis, _, err := svc.Analyze(context.Background(), "tenant-a", &domain.InvoiceRequest{
		PayerID:     "payer-001",
		Payee:       "Shell Vendor",
		Amount:      0,
		Date:        time.Now().UTC().Format("2006-01-02"),
		Description: "Consulting",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if analysis.RiskLevel != domain.RiskLevelCritical {
		t.Fatalf("RiskLevel = %q, want critical", analysis.RiskLevel)
	}
	if bus.topicCount(domain.TopicAlert) != 1 {
		t.Error("expected an alert event for a critical analysis")
	}
}

func TestRecordOutcome(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo, &fakeBus{})

	score, err := svc.RecordOutcome(context.Background(), "tenant-a", "Acme Corp", true)
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if score != 60 {
		t.Errorf("score = %v, want 60 after one success from the default 50", score)
	}
	if repo.reputations["acme corp"] != 60 {
		t.Errorf("persisted reputation = %v, want 60", repo.reputations["acme corp"])
	}

	if _, err := svc.RecordOutcome(context.Background(), "tenant-a", "", true); err == nil {
		t.Error("expected error for empty payee")
	}
}

func TestLoadReputations(t *testing.T) {
	repo := &fakeRepo{reputations: map[string]float64{"acme corp": 20}}
	svc := newTestService(repo, &fakeBus{})

	if err := svc.LoadReputations(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("LoadReputations failed: %v", err)
	}
	if got := svc.Reputation("Acme Corp"); got != 20 {
		t.Errorf("Reputation = %v, want 20", got)
	}
}
