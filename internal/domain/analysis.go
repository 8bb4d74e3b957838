package domain

import (
	"time"
)

// RiskFactor is one weighted dimension of an invoice risk assessment.
type RiskFactor struct {
	Category    string  `json:"category"`
	Score       float64 `json:"score"`  // 0-100
	Weight      float64 `json:"weight"` // 0-1, fixed per category
	Description string  `json:"description"`
}

// Impact is the factor's raw weighted contribution to the overall
// score, on the same 0-100 scale the score itself uses.
func (f RiskFactor) Impact() float64 {
	return f.Score * f.Weight
}

// RiskAnalysis is the complete scoring result for one invoice.
type RiskAnalysis struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	InvoiceID string    `json:"invoiceId"`
	Timestamp time.Time `json:"timestamp"`

	RiskScore       int          `json:"riskScore"`  // 0-100, rounded
	RiskLevel       string       `json:"riskLevel"`  // low, medium, high, critical
	Confidence      int          `json:"confidence"` // 0-95
	PayeeStanding   string       `json:"payeeStanding"`
	Anomalies       []string     `json:"anomalies"`
	Recommendations []string     `json:"recommendations"`
	Explanation     string       `json:"explanation"`
	Factors         []RiskFactor `json:"riskFactors"`

	// Processing metadata
	Metadata AnalysisMetadata `json:"metadata"`
}

// AnalysisMetadata contains processing information.
type AnalysisMetadata struct {
	TraceID       string `json:"traceId"`
	HistorySize   int    `json:"historySize"`
	ProcessMs     int64  `json:"processMs"`
	EngineVersion string `json:"engineVersion"`
}

// Risk level tiers. Critical is reserved for the zero-amount business
// rule and always outranks the arithmetic tiers.
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// Payee standing labels derived during payee analysis.
const (
	PayeeStandingNew     = "new"
	PayeeStandingKnown   = "known"
	PayeeStandingTrusted = "trusted"
	PayeeStandingPoor    = "poor"
)

// AnalysisResponse is the API response for an invoice analysis.
type AnalysisResponse struct {
	AnalysisID      string           `json:"analysisId"`
	InvoiceID       string           `json:"invoiceId"`
	TenantID        string           `json:"tenantId"`
	RiskScore       int              `json:"riskScore"`
	RiskLevel       string           `json:"riskLevel"`
	Confidence      int              `json:"confidence"`
	PayeeStanding   string           `json:"payeeStanding"`
	Anomalies       []string         `json:"anomalies,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Explanation     string           `json:"explanation"`
	Factors         []RiskFactor     `json:"riskFactors"`
	Gate            string           `json:"gate,omitempty"`
	Metadata        AnalysisMetadata `json:"metadata"`
}

// ToResponse converts a RiskAnalysis to an API response.
func (a *RiskAnalysis) ToResponse() *AnalysisResponse {
	return &AnalysisResponse{
		AnalysisID:      a.ID,
		InvoiceID:       a.InvoiceID,
		TenantID:        a.TenantID,
		RiskScore:       a.RiskScore,
		RiskLevel:       a.RiskLevel,
		Confidence:      a.Confidence,
		PayeeStanding:   a.PayeeStanding,
		Anomalies:       a.Anomalies,
		Recommendations: a.Recommendations,
		Explanation:     a.Explanation,
		Factors:         a.Factors,
		Metadata:        a.Metadata,
	}
}

// CashFlowSimulation projects the balance impact of paying an invoice.
type CashFlowSimulation struct {
	CurrentBalance   float64 `json:"currentBalance"`
	ProjectedBalance float64 `json:"projectedBalance"`
	Impact           float64 `json:"impact"` // percent of balance consumed
	Recommendation   string  `json:"recommendation"`
}
