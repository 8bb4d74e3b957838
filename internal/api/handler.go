package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/ibis/internal/analyzer"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/escrow"
	"github.com/opensource-finance/ibis/internal/extract"
	"github.com/opensource-finance/ibis/internal/policy"
	"github.com/opensource-finance/ibis/internal/repository"
	"github.com/opensource-finance/ibis/internal/risk"
	"github.com/opensource-finance/ibis/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo           domain.Repository
	cache          domain.Cache
	bus            domain.EventBus
	pipeline       *analyzer.Service
	registry       *escrow.Registry
	gates          *policy.Engine
	version        string
	mode           domain.AnalysisMode
	defaultBalance float64
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, pipeline *analyzer.Service, registry *escrow.Registry, gates *policy.Engine, version string, mode domain.AnalysisMode, defaultBalance float64) *Handler {
	return &Handler{
		repo:           repo,
		cache:          cache,
		bus:            bus,
		pipeline:       pipeline,
		registry:       registry,
		gates:          gates,
		version:        version,
		mode:           mode,
		defaultBalance: defaultBalance,
	}
}

// Analyze handles POST /analyze requests.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.InvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Async mode hands the invoice to the worker pool; the analysis
	// arrives on the event bus.
	if h.mode == domain.ModeAsync {
		payload, _ := json.Marshal(worker.InvoiceMessage{
			TenantID: tenantID,
			Request:  req,
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicInvoiceReceived, payload); err != nil {
			slog.Error("failed to enqueue invoice", "tenant_id", tenantID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "failed to enqueue invoice",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "queued",
			"topic":  domain.TopicAnalysisCompleted,
		})
		return
	}

	analysis, _, err := h.pipeline.Analyze(ctx, tenantID, &req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, analysis.ToResponse())
}

// GetAnalysis retrieves an analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	analysisID := chi.URLParam(r, "id")

	analysis, err := h.repo.GetAnalysis(ctx, tenantID, analysisID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get analysis", "id", analysisID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "analysis not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// GetInvoice retrieves an invoice by ID.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	invoiceID := chi.URLParam(r, "id")

	inv, err := h.repo.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get invoice", "id", invoiceID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "invoice not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, inv)
}

// ListPayeeInvoices returns stored invoices addressed to a payee.
func (h *Handler) ListPayeeInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	payee := chi.URLParam(r, "payee")

	invoices, err := h.repo.GetPayeeInvoices(ctx, tenantID, payee, 100)
	if err != nil {
		slog.Error("failed to list payee invoices", "payee", payee, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list invoices",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payee":    payee,
		"invoices": invoices,
		"count":    len(invoices),
	})
}

// ExtractRequest is the JSON request body for POST /extract.
type ExtractRequest struct {
	Text string `json:"text"`
}

// Extract parses invoice fields from raw text or an uploaded PDF.
// Extraction is best-effort: missing fields come back with defaults
// rather than errors.
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "application/pdf"):
		data, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "failed to read request body",
			})
			return
		}
		req, err := extract.FromPDF(data)
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, extract.ErrNotPDF) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]string{
				"error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, req)

	case strings.HasPrefix(contentType, "application/json"):
		var body ExtractRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
		writeJSON(w, http.StatusOK, extract.FromText(body.Text))

	default:
		// Treat anything else as plain text.
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "failed to read request body",
			})
			return
		}
		writeJSON(w, http.StatusOK, extract.FromText(string(data)))
	}
}

// CashFlowRequest is the request body for POST /cashflow.
type CashFlowRequest struct {
	InvoiceAmount  float64  `json:"invoiceAmount"`
	CurrentBalance *float64 `json:"currentBalance,omitempty"`
}

// SimulateCashFlow projects the balance impact of paying an invoice.
func (h *Handler) SimulateCashFlow(w http.ResponseWriter, r *http.Request) {
	var req CashFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.InvoiceAmount < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invoiceAmount must not be negative",
		})
		return
	}

	balance := h.defaultBalance
	if req.CurrentBalance != nil {
		balance = *req.CurrentBalance
	}

	writeJSON(w, http.StatusOK, risk.SimulateCashFlow(req.InvoiceAmount, balance))
}

// GetReputation returns a payee's reputation score.
func (h *Handler) GetReputation(w http.ResponseWriter, r *http.Request) {
	payee := chi.URLParam(r, "payee")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payee": payee,
		"score": h.pipeline.Reputation(payee),
	})
}

// ReputationUpdateRequest is the request body for recording a payment
// outcome against a payee.
type ReputationUpdateRequest struct {
	Successful bool `json:"successful"`
}

// UpdateReputation records a payment outcome for a payee.
func (h *Handler) UpdateReputation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	payee := chi.URLParam(r, "payee")

	var req ReputationUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	score, err := h.pipeline.RecordOutcome(ctx, tenantID, payee, req.Successful)
	if err != nil {
		slog.Error("failed to update reputation", "payee", payee, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update reputation",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payee": payee,
		"score": score,
	})
}

// EscrowSubmissionRequest is the request body for POST /escrow/invoices.
// The invoice is scored before registration; the gate outcome decides
// whether the submission proceeds.
type EscrowSubmissionRequest struct {
	Invoice     domain.InvoiceRequest `json:"invoice"`
	SubmitterID string                `json:"submitterId"`
	Confirmed   bool                  `json:"confirmed"`
}

// SubmitEscrow handles POST /escrow/invoices.
func (h *Handler) SubmitEscrow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req EscrowSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.SubmitterID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "submitterId is required",
		})
		return
	}

	analysis, inv, err := h.pipeline.Analyze(ctx, tenantID, &req.Invoice)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	resp, err := h.registry.Submit(ctx, tenantID, inv, analysis, &domain.SubmissionRequest{
		InvoiceID:   inv.ID,
		SubmitterID: req.SubmitterID,
		Confirmed:   req.Confirmed,
	})
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// GetEscrowInvoice handles GET /escrow/invoices/{hash}.
func (h *Handler) GetEscrowInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	hash := chi.URLParam(r, "hash")

	rec, err := h.registry.Get(ctx, tenantID, hash)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// EscrowStatusRequest is the request body for a status transition.
type EscrowStatusRequest struct {
	Status  string `json:"status"`
	ActorID string `json:"actorId"`
}

// UpdateEscrowStatus handles PUT /escrow/invoices/{hash}/status.
func (h *Handler) UpdateEscrowStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	hash := chi.URLParam(r, "hash")

	var req EscrowStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	status, ok := parseEscrowStatus(req.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status must be one of: approved, rejected, paid",
		})
		return
	}

	rec, err := h.registry.UpdateStatus(ctx, tenantID, hash, req.ActorID, status)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// EscrowPaymentRequest is the request body for settling a payment.
type EscrowPaymentRequest struct {
	ActorID string `json:"actorId"`
}

// ProcessEscrowPayment handles POST /escrow/invoices/{hash}/payment.
func (h *Handler) ProcessEscrowPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	hash := chi.URLParam(r, "hash")

	var req EscrowPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rec, err := h.registry.ProcessPayment(ctx, tenantID, hash, req.ActorID)
	if err != nil {
		writeEscrowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListSubmitterInvoices handles GET /escrow/users/{submitter}/invoices.
func (h *Handler) ListSubmitterInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	submitterID := chi.URLParam(r, "submitter")

	records, err := h.registry.ListBySubmitter(ctx, tenantID, submitterID)
	if err != nil {
		slog.Error("failed to list escrow records", "submitter", submitterID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list escrow records",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"submitterId": submitterID,
		"invoices":    records,
		"count":       len(records),
	})
}

// GlobalTenantID is used for gates that apply to all tenants.
const GlobalTenantID = "*"

// ListGates returns all stored submission gates.
func (h *Handler) ListGates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	gates, err := h.repo.ListGateConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list gates", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list gates",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gates":  gates,
		"count":  len(gates),
		"loaded": h.gates.GatesCount(),
	})
}

// CreateGate creates a submission gate and loads it into the engine.
func (h *Handler) CreateGate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cfg domain.GateConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if cfg.ID == "" || cfg.Name == "" || cfg.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	switch cfg.Outcome {
	case domain.GateAllow, domain.GateConfirm, domain.GateBlock:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "outcome must be one of: allow, confirm, block",
		})
		return
	}

	if err := h.gates.ValidateGate(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveGateConfig(ctx, GlobalTenantID, &cfg); err != nil {
		slog.Error("failed to save gate", "id", cfg.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save gate",
		})
		return
	}

	if cfg.Enabled {
		if err := h.gates.LoadGate(&cfg); err != nil {
			slog.Error("failed to load gate into engine", "id", cfg.ID, "error", err)
		}
	}

	slog.Info("gate created", "id", cfg.ID, "name", cfg.Name, "outcome", cfg.Outcome)
	writeJSON(w, http.StatusCreated, &cfg)
}

// DeleteGate disables a gate and removes it from the engine.
func (h *Handler) DeleteGate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gateID := chi.URLParam(r, "id")

	if err := h.repo.DeleteGateConfig(ctx, GlobalTenantID, gateID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "gate not found",
			})
			return
		}
		slog.Error("failed to delete gate", "id", gateID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete gate",
		})
		return
	}

	h.gates.RemoveGate(gateID)

	slog.Info("gate deleted", "id", gateID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "gate deleted",
	})
}

// ReloadGates reloads all enabled gates from the database.
func (h *Handler) ReloadGates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configs, err := h.repo.ListGateConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list gates from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load gates from database",
		})
		return
	}

	if err := h.gates.LoadGates(configs); err != nil {
		slog.Error("failed to reload gates into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload gates: " + err.Error(),
		})
		return
	}

	slog.Info("gates reloaded from database", "count", h.gates.GatesCount())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "gates reloaded successfully",
		"count":   h.gates.GatesCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func parseEscrowStatus(s string) (domain.EscrowStatus, bool) {
	switch strings.ToLower(s) {
	case "approved":
		return domain.EscrowApproved, true
	case "rejected":
		return domain.EscrowRejected, true
	case "paid":
		return domain.EscrowPaid, true
	}
	return 0, false
}

// writeEscrowError maps registry errors to HTTP status codes.
func writeEscrowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrConfirmationRequired):
		status = http.StatusPreconditionRequired
	case errors.Is(err, escrow.ErrBlocked):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, escrow.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrNotAuthorized):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
