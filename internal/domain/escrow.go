package domain

import "time"

// EscrowStatus is the lifecycle state of a registered invoice.
// Mirrors the on-chain registry's uint8 status codes.
type EscrowStatus int

const (
	EscrowSubmitted EscrowStatus = 0
	EscrowApproved  EscrowStatus = 1
	EscrowPaid      EscrowStatus = 2
	EscrowRejected  EscrowStatus = 3
)

// String returns the human-readable status name.
func (s EscrowStatus) String() string {
	switch s {
	case EscrowSubmitted:
		return "submitted"
	case EscrowApproved:
		return "approved"
	case EscrowPaid:
		return "paid"
	case EscrowRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowPaid || s == EscrowRejected
}

// EscrowInvoice is a registry record keyed by invoice hash.
// One submission per unique hash; status transitions are gated by
// submitter identity.
type EscrowInvoice struct {
	InvoiceHash string       `json:"invoiceHash"`
	TenantID    string       `json:"tenantId"`
	InvoiceID   string       `json:"invoiceId"`
	SubmitterID string       `json:"submitterId"`
	Payee       string       `json:"payee"`
	Amount      float64      `json:"amount"`
	RiskScore   int          `json:"riskScore"`
	Status      EscrowStatus `json:"status"`
	Metadata    string       `json:"metadata,omitempty"`
	SubmittedAt time.Time    `json:"submittedAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// SubmissionRequest is the API payload for registering an invoice.
type SubmissionRequest struct {
	InvoiceID   string `json:"invoiceId"`
	SubmitterID string `json:"submitterId"`
	Confirmed   bool   `json:"confirmed"`
}

// SubmissionResponse is the API response for a registration attempt.
type SubmissionResponse struct {
	InvoiceHash string `json:"invoiceHash"`
	Status      string `json:"status"`
	Gate        string `json:"gate"`
	RiskScore   int    `json:"riskScore"`
}
