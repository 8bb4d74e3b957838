package domain

// GateOutcome is the decision a submission gate produces.
type GateOutcome string

const (
	// GateAllow lets the submission proceed unattended.
	GateAllow GateOutcome = "allow"

	// GateConfirm requires an explicit operator confirmation before
	// the submission proceeds.
	GateConfirm GateOutcome = "confirm"

	// GateBlock rejects the submission outright.
	GateBlock GateOutcome = "block"
)

// GateConfig defines one submission gate. Gates are CEL expressions
// over the analysis result, evaluated in priority order; the first
// expression that evaluates true decides the outcome.
type GateConfig struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Expression  string      `json:"expression"`
	Outcome     GateOutcome `json:"outcome"`
	Priority    int         `json:"priority"`
	Enabled     bool        `json:"enabled"`
}

// GateResult records which gate decided a submission.
type GateResult struct {
	GateID  string      `json:"gateId"`
	Outcome GateOutcome `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
}
