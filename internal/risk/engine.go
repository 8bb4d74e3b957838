// Package risk provides the weighted multi-factor invoice scoring engine.
package risk

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/ibis/internal/domain"
)

// EngineVersion is stamped into analysis metadata.
const EngineVersion = "1.0.0"

// Fixed category weights. They sum to 1.0; AnalyzeInvoice relies on
// that when clamping the weighted sum to the 0-100 scale.
const (
	weightAmount      = 0.30
	weightPayee       = 0.25
	weightDate        = 0.15
	weightDescription = 0.15
	weightPattern     = 0.15
)

// anomalyThreshold is the factor score above which a factor is
// surfaced as a named anomaly.
const anomalyThreshold = 50

// Risk level boundaries. Medium is inclusive of both ends.
const (
	levelLowBelow  = 40
	levelHighAbove = 70
)

// defaultReputation is assumed for payees with no recorded outcome.
const defaultReputation = 50

// Engine scores invoices against historical context. The reputation
// table is the only mutable state; scoring reads it, only
// UpdatePayeeReputation writes it.
type Engine struct {
	mu         sync.RWMutex
	reputation map[string]float64

	// nowFn is swapped in tests to pin date arithmetic.
	nowFn func() time.Time
}

// NewEngine creates a scoring engine with an empty reputation table.
func NewEngine() *Engine {
	return &Engine{
		reputation: make(map[string]float64),
		nowFn:      time.Now,
	}
}

// AnalyzeInvoice scores one invoice against its history. It never
// fails: malformed or boundary inputs are normalized and penalized,
// so every call yields a complete analysis.
func (e *Engine) AnalyzeInvoice(tenantID string, invoice *domain.Invoice, history []domain.HistoricalInvoice) *domain.RiskAnalysis {
	started := e.nowFn()
	now := started

	inv := *invoice
	inv.Normalize(now)

	factors := []domain.RiskFactor{
		e.analyzeAmount(&inv, history),
		e.analyzePayee(&inv, history),
		e.analyzeDate(&inv, now),
		e.analyzeDescription(&inv),
		e.analyzePatterns(&inv, history),
	}

	var total float64
	var anomalies []string
	for _, f := range factors {
		total += f.Impact()
		if f.Score > anomalyThreshold {
			anomalies = append(anomalies, f.Description)
		}
	}

	score := int(math.Round(math.Min(math.Max(total, 0), 100)))
	level := riskLevel(score)

	// Zero-amount invoices are forced critical regardless of the
	// weighted sum. A free invoice demanding escrow is never routine.
	if inv.Amount == 0 {
		level = domain.RiskLevelCritical
		if score < 85 {
			score = 85
		}
		anomalies = append([]string{"Zero-amount invoice - critical review required"}, anomalies...)
	}

	confidence := calculateConfidence(len(history), factors)
	standing := payeeStanding(&inv, history, e.lookupReputation(inv.Payee))

	return &domain.RiskAnalysis{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		InvoiceID:       inv.ID,
		Timestamp:       now,
		RiskScore:       score,
		RiskLevel:       level,
		Confidence:      confidence,
		PayeeStanding:   standing,
		Anomalies:       anomalies,
		Recommendations: recommendations(score, confidence),
		Explanation:     explanation(&inv, score, confidence, factors),
		Factors:         factors,
		Metadata: domain.AnalysisMetadata{
			HistorySize:   len(history),
			ProcessMs:     e.nowFn().Sub(started).Milliseconds(),
			EngineVersion: EngineVersion,
		},
	}
}

// UpdatePayeeReputation records a payment outcome for a payee.
// Success adds 10 capped at 100; failure subtracts 20 floored at 0.
// This is the engine's only state mutation.
func (e *Engine) UpdatePayeeReputation(payee string, successful bool) float64 {
	key := strings.ToLower(strings.TrimSpace(payee))

	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.reputation[key]
	if !ok {
		current = defaultReputation
	}
	if successful {
		current = math.Min(current+10, 100)
	} else {
		current = math.Max(current-20, 0)
	}
	e.reputation[key] = current
	return current
}

// Reputation returns the current reputation for a payee, or the
// default for payees with no recorded outcome.
func (e *Engine) Reputation(payee string) float64 {
	return e.lookupReputation(payee)
}

// SetReputation seeds the table, typically on startup from the
// repository.
func (e *Engine) SetReputation(payee string, score float64) {
	key := strings.ToLower(strings.TrimSpace(payee))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reputation[key] = math.Min(math.Max(score, 0), 100)
}

func (e *Engine) lookupReputation(payee string) float64 {
	key := strings.ToLower(strings.TrimSpace(payee))

	e.mu.RLock()
	defer e.mu.RUnlock()

	if rep, ok := e.reputation[key]; ok {
		return rep
	}
	return defaultReputation
}

func riskLevel(score int) string {
	switch {
	case score > levelHighAbove:
		return domain.RiskLevelHigh
	case score >= levelLowBelow:
		return domain.RiskLevelMedium
	default:
		return domain.RiskLevelLow
	}
}

// payeeStanding labels the payee's track record for the caller.
func payeeStanding(inv *domain.Invoice, history []domain.HistoricalInvoice, reputation float64) string {
	if inv.Payee == "" {
		return domain.PayeeStandingNew
	}
	if reputation < 30 {
		return domain.PayeeStandingPoor
	}
	count := payeeMatches(inv.Payee, history)
	switch {
	case count >= 2:
		return domain.PayeeStandingTrusted
	case count == 1:
		return domain.PayeeStandingKnown
	default:
		return domain.PayeeStandingNew
	}
}

func payeeMatches(payee string, history []domain.HistoricalInvoice) int {
	lower := strings.ToLower(payee)
	count := 0
	for _, h := range history {
		if strings.ToLower(h.Payee) == lower {
			count++
		}
	}
	return count
}

// calculateConfidence expresses how much evidence backed the score.
// History size drives the tiers; a tenth bonus applies when the
// factors agree strongly in either direction. Capped at 95 - the
// engine is never certain.
func calculateConfidence(historySize int, factors []domain.RiskFactor) int {
	confidence := 50

	switch {
	case historySize > 50:
		confidence += 45
	case historySize > 20:
		confidence += 30
	case historySize > 10:
		confidence += 20
	case historySize > 5:
		confidence += 10
	}

	var sum float64
	for _, f := range factors {
		sum += f.Score
	}
	avg := sum / float64(len(factors))
	if avg > 70 || avg < 30 {
		confidence += 10
	}

	if confidence > 95 {
		confidence = 95
	}
	return confidence
}

func recommendations(score, confidence int) []string {
	var recs []string

	switch {
	case score > 80:
		recs = append(recs,
			"REJECT: Critical risk - do not process",
			"Requires senior management approval",
			"Verify payee identity through multiple channels")
	case score > 60:
		recs = append(recs,
			"HIGH RISK: Extensive verification required",
			"Contact payee directly to confirm",
			"Request additional documentation")
	case score > 40:
		recs = append(recs,
			"MEDIUM RISK: Additional checks recommended",
			"Verify invoice details",
			"Review payment history")
	case score > 20:
		recs = append(recs,
			"LOW-MEDIUM RISK: Standard verification",
			"Proceed with normal approval process")
	default:
		recs = append(recs,
			"LOW RISK: Safe to process",
			"Standard approval sufficient")
	}

	if confidence < 60 {
		recs = append(recs, fmt.Sprintf("Confidence %d%% - limited historical data", confidence))
	}

	return recs
}

// explanation renders the deterministic per-factor breakdown shown to
// operators. Impact is score*weight, the factor's raw contribution on
// the same 0-100 scale as the overall score.
func explanation(inv *domain.Invoice, score, confidence int, factors []domain.RiskFactor) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Risk analysis for %s\n\n", payeeLabel(inv.Payee))
	fmt.Fprintf(&b, "Amount: %.2f %s\n", inv.Amount, inv.Currency)
	fmt.Fprintf(&b, "Overall Risk Score: %d/100\n", score)
	fmt.Fprintf(&b, "Analysis Confidence: %d%%\n\n", confidence)

	b.WriteString("Risk Factor Breakdown:\n")
	for _, f := range factors {
		fmt.Fprintf(&b, "- %s: %.0f/100 (Impact: %.1f)\n", f.Category, f.Score, f.Impact())
		fmt.Fprintf(&b, "  %s\n", f.Description)
	}

	b.WriteString("\nThis analysis is advisory only. Human review required for final approval.")
	return b.String()
}

func payeeLabel(payee string) string {
	if payee == "" {
		return "(missing payee)"
	}
	return payee
}
