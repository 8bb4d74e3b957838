package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/ibis/internal/analyzer"
	"github.com/opensource-finance/ibis/internal/bus"
	"github.com/opensource-finance/ibis/internal/cache"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/escrow"
	"github.com/opensource-finance/ibis/internal/history"
	"github.com/opensource-finance/ibis/internal/policy"
	"github.com/opensource-finance/ibis/internal/repository"
	"github.com/opensource-finance/ibis/internal/risk"
)

// createTestServer wires a full server against SQLite and in-memory
// infrastructure.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine := risk.NewEngine()
	hist := history.NewService(repo, history.DefaultLimit)
	pipeline := analyzer.NewService(engine, hist, repo, eventBus, slog.Default())

	gates, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("failed to create gate engine: %v", err)
	}
	if err := gates.LoadGates(policy.DefaultGates()); err != nil {
		t.Fatalf("failed to load default gates: %v", err)
	}

	registry := escrow.NewRegistry(repo, lru, eventBus, gates, 0, slog.Default())

	return NewServer(cfg, repo, lru, eventBus, pipeline, registry, gates, "test-v1", domain.ModeInline, 50000)
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulAnalysis", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/analyze", domain.InvoiceRequest{
			PayerID:     "payer-001",
			Payee:       "Acme Corp",
			Amount:      1200.50,
			Currency:    "USD",
			Date:        time.Now().UTC().Format("2006-01-02"),
			Description: "Monthly consulting services",
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AnalysisResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.AnalysisID == "" {
			t.Error("expected analysisId in response")
		}
		if resp.InvoiceID == "" {
			t.Error("expected invoiceId in response")
		}
		if len(resp.Factors) != 5 {
			t.Errorf("expected 5 risk factors, got %d", len(resp.Factors))
		}
		if resp.RiskLevel == "" {
			t.Error("expected riskLevel in response")
		}
		if resp.Explanation == "" {
			t.Error("expected an explanation")
		}
	})

	t.Run("AnalysisRetrievable", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/analyze", domain.InvoiceRequest{
			PayerID:     "payer-002",
			Payee:       "Tech Solutions",
			Amount:      900,
			Date:        time.Now().UTC().Format("2006-01-02"),
			Description: "Quarterly license renewal",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("analyze failed: %d", rr.Code)
		}

		var resp domain.AnalysisResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)

		got := doJSON(t, server, http.MethodGet, "/analyses/"+resp.AnalysisID, nil)
		if got.Code != http.StatusOK {
			t.Errorf("expected stored analysis, got %d: %s", got.Code, got.Body.String())
		}

		gotInv := doJSON(t, server, http.MethodGet, "/invoices/"+resp.InvoiceID, nil)
		if gotInv.Code != http.StatusOK {
			t.Errorf("expected stored invoice, got %d: %s", gotInv.Code, gotInv.Body.String())
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownAnalysis", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/analyses/no-such-id", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestExtractEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("TextBody", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/extract", ExtractRequest{
			Text: "Invoice from: Acme Corp\nAmount due: $1,250.00\nDate: 2024-03-15",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.InvoiceRequest
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Amount != 1250 {
			t.Errorf("extracted amount = %v, want 1250", resp.Amount)
		}
	})

	t.Run("EmptyTextDefaults", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/extract", ExtractRequest{Text: ""})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp domain.InvoiceRequest
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Payee != "Unknown Payee" {
			t.Errorf("payee = %q, want the default", resp.Payee)
		}
	})

	t.Run("BadPDF", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewBufferString("not a pdf"))
		req.Header.Set("Content-Type", "application/pdf")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for a non-PDF body, got %d", rr.Code)
		}
	})
}

func TestCashFlowEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("ExplicitBalance", func(t *testing.T) {
		balance := 10000.0
		rr := doJSON(t, server, http.MethodPost, "/cashflow", CashFlowRequest{
			InvoiceAmount:  2500,
			CurrentBalance: &balance,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var sim domain.CashFlowSimulation
		if err := json.Unmarshal(rr.Body.Bytes(), &sim); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if sim.ProjectedBalance != 7500 {
			t.Errorf("projected balance = %v, want 7500", sim.ProjectedBalance)
		}
		if sim.Impact != 25 {
			t.Errorf("impact = %v, want 25", sim.Impact)
		}
	})

	t.Run("DefaultBalance", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cashflow", CashFlowRequest{
			InvoiceAmount: 5000,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var sim domain.CashFlowSimulation
		json.Unmarshal(rr.Body.Bytes(), &sim)
		if sim.CurrentBalance != 50000 {
			t.Errorf("expected the configured default balance, got %v", sim.CurrentBalance)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/cashflow", CashFlowRequest{
			InvoiceAmount: -1,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestReputationEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("DefaultScore", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/payees/Acme%20Corp/reputation", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]interface{}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["score"].(float64) != 50 {
			t.Errorf("default score = %v, want 50", resp["score"])
		}
	})

	t.Run("SuccessRaisesScore", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/payees/Acme%20Corp/reputation", ReputationUpdateRequest{
			Successful: true,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]interface{}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["score"].(float64) != 60 {
			t.Errorf("score = %v, want 60", resp["score"])
		}
	})
}

func TestEscrowEndpoints(t *testing.T) {
	server := createTestServer(t)

	submission := EscrowSubmissionRequest{
		Invoice: domain.InvoiceRequest{
			PayerID:     "payer-001",
			Payee:       "Acme Corp",
			Amount:      1500,
			Date:        time.Now().UTC().Format("2006-01-02"),
			Description: "Monthly consulting services",
		},
		SubmitterID: "user-001",
	}

	var hash string

	t.Run("Submit", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/escrow/invoices", submission)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.SubmissionResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.InvoiceHash == "" {
			t.Fatal("expected invoiceHash in response")
		}
		hash = resp.InvoiceHash
	})

	t.Run("Duplicate", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/escrow/invoices", submission)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for duplicate, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/escrow/invoices/"+hash, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var rec domain.EscrowInvoice
		json.Unmarshal(rr.Body.Bytes(), &rec)
		if rec.Status != domain.EscrowSubmitted {
			t.Errorf("status = %v, want submitted", rec.Status)
		}
	})

	t.Run("UnauthorizedTransition", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/escrow/invoices/"+hash+"/status", EscrowStatusRequest{
			Status:  "approved",
			ActorID: "someone-else",
		})
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ApproveAndPay", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/escrow/invoices/"+hash+"/status", EscrowStatusRequest{
			Status:  "approved",
			ActorID: "user-001",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("approve failed: %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodPost, "/escrow/invoices/"+hash+"/payment", EscrowPaymentRequest{
			ActorID: "user-001",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("payment failed: %d: %s", rr.Code, rr.Body.String())
		}

		var rec domain.EscrowInvoice
		json.Unmarshal(rr.Body.Bytes(), &rec)
		if rec.Status != domain.EscrowPaid {
			t.Errorf("status = %v, want paid", rec.Status)
		}
	})

	t.Run("TerminalTransition", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/escrow/invoices/"+hash+"/status", EscrowStatusRequest{
			Status:  "rejected",
			ActorID: "user-001",
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for terminal record, got %d", rr.Code)
		}
	})

	t.Run("ListBySubmitter", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/escrow/users/user-001/invoices", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("count = %d, want 1", resp.Count)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/escrow/invoices/deadbeef", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestGateEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("CreateGate", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policy/gates", domain.GateConfig{
			ID:         "gate-test-001",
			Name:       "Large amount confirm",
			Expression: "amount > 100000.0",
			Outcome:    domain.GateConfirm,
			Priority:   40,
			Enabled:    true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policy/gates", domain.GateConfig{
			ID:         "gate-bad",
			Name:       "Broken gate",
			Expression: "this is not CEL ((",
			Outcome:    domain.GateBlock,
			Enabled:    true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidOutcome", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/policy/gates", domain.GateConfig{
			ID:         "gate-bad-outcome",
			Name:       "Bad outcome",
			Expression: "risk_score > 10",
			Outcome:    "explode",
			Enabled:    true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListGates", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/policy/gates", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count < 1 {
			t.Errorf("expected at least one stored gate, got %d", resp.Count)
		}
	})

	t.Run("DeleteGate", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/policy/gates/gate-test-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodDelete, "/policy/gates/gate-test-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
