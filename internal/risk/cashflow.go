package risk

import "github.com/opensource-finance/ibis/internal/domain"

// SimulateCashFlow projects the balance impact of paying an invoice.
// A non-positive balance cannot be consumed proportionally, so impact
// is pinned to 100 in that case.
func SimulateCashFlow(invoiceAmount, currentBalance float64) *domain.CashFlowSimulation {
	projected := currentBalance - invoiceAmount

	impact := 100.0
	if currentBalance > 0 {
		impact = invoiceAmount / currentBalance * 100
	}

	var recommendation string
	switch {
	case projected < 0:
		recommendation = "CRITICAL: Payment will result in negative balance"
	case projected < currentBalance*0.1:
		recommendation = "WARNING: Less than 10% balance remaining"
	case impact > 50:
		recommendation = "CAUTION: Payment represents more than 50% of balance"
	case impact > 25:
		recommendation = "MODERATE: Consider cash flow impact"
	default:
		recommendation = "LOW IMPACT: Payment within safe range"
	}

	return &domain.CashFlowSimulation{
		CurrentBalance:   currentBalance,
		ProjectedBalance: projected,
		Impact:           impact,
		Recommendation:   recommendation,
	}
}
