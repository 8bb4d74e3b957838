package domain

import (
	"strings"
	"time"
)

// Invoice represents an invoice to be risk-scored.
type Invoice struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// PayerID identifies the paying party whose history provides
	// the scoring context.
	PayerID string `json:"payerId"`

	// Invoice fields fed to the scoring engine
	Payee       string    `json:"payee"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`

	// Temporal
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Normalize coerces boundary inputs into scoreable values. The engine
// never rejects an invoice, so malformed fields are defaulted here and
// penalized by the analyzers instead (empty payee, zero amount, and so
// on all carry elevated scores).
func (inv *Invoice) Normalize(now time.Time) {
	if inv.Amount < 0 {
		inv.Amount = 0
	}
	inv.Payee = strings.TrimSpace(inv.Payee)
	if inv.Date.IsZero() {
		inv.Date = now
	}
	if inv.Currency == "" {
		inv.Currency = "USD"
	}
}

// InvoiceRequest is the API request payload for invoice analysis.
type InvoiceRequest struct {
	PayerID     string                 `json:"payerId"`
	Payee       string                 `json:"payee"`
	Amount      float64                `json:"amount"`
	Currency    string                 `json:"currency,omitempty"`
	Date        string                 `json:"date"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// History allows the caller to ship scoring context inline.
	// It is merged with the history stored for the payer.
	History []HistoricalInvoice `json:"history,omitempty"`
}

// HistoricalInvoice is a prior invoice in the payer's scoring context.
// Caller-supplied sequences are assumed chronological.
type HistoricalInvoice struct {
	Amount      float64   `json:"amount"`
	Payee       string    `json:"payee"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
}

// dateLayouts are the accepted wire formats for invoice dates.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
}

// ParseInvoiceDate parses a wire-format date. A zero time is returned
// for unparseable input; Normalize defaults it rather than erroring.
func ParseInvoiceDate(s string) time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ToInvoice converts a request to an Invoice domain object.
func (r *InvoiceRequest) ToInvoice() *Invoice {
	now := time.Now().UTC()
	inv := &Invoice{
		PayerID:     r.PayerID,
		Payee:       r.Payee,
		Amount:      r.Amount,
		Currency:    r.Currency,
		Date:        ParseInvoiceDate(r.Date),
		Description: r.Description,
		CreatedAt:   now,
		Metadata:    r.Metadata,
	}
	inv.Normalize(now)
	return inv
}

// ToHistorical converts a stored invoice to a scoring-context entry.
func (inv *Invoice) ToHistorical() HistoricalInvoice {
	return HistoricalInvoice{
		Amount:      inv.Amount,
		Payee:       inv.Payee,
		Date:        inv.Date,
		Description: inv.Description,
	}
}
