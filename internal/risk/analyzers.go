package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
)

// Factor category labels, fixed per analyzer.
const (
	CategoryAmount      = "Amount Risk"
	CategoryPayee       = "Payee Risk"
	CategoryDate        = "Date Risk"
	CategoryDescription = "Description Risk"
	CategoryPattern     = "Pattern Analysis"
)

// fraudKeywords are matched case-insensitively as substrings of the
// invoice description.
var fraudKeywords = []string{"urgent", "immediate", "wire", "bitcoin", "gift card"}

// analyzeAmount scores the invoice amount against absolute thresholds
// and, when history exists, its z-score over the historical amounts.
func (e *Engine) analyzeAmount(inv *domain.Invoice, history []domain.HistoricalInvoice) domain.RiskFactor {
	var score float64
	var description string

	if inv.Amount > 10000 {
		score = 80
		description = fmt.Sprintf("Very large amount: %.2f", inv.Amount)
	} else if inv.Amount > 5000 {
		score = 50
		description = fmt.Sprintf("Large amount: %.2f", inv.Amount)
	}

	if len(history) > 0 {
		var sum float64
		for _, h := range history {
			sum += h.Amount
		}
		mean := sum / float64(len(history))

		var sqSum float64
		for _, h := range history {
			d := h.Amount - mean
			sqSum += d * d
		}
		stdDev := math.Sqrt(sqSum / float64(len(history)))
		if stdDev == 0 {
			stdDev = 1
		}
		z := math.Abs(inv.Amount-mean) / stdDev

		if z > 3 {
			score = math.Max(score, 90)
			description = fmt.Sprintf("Amount is %.1f standard deviations from the historical average", z)
		} else if z > 2 {
			score = math.Max(score, 60)
			description = "Amount significantly higher than historical average"
		}
	}

	if description == "" {
		description = "Amount within normal range"
	}

	return domain.RiskFactor{
		Category:    CategoryAmount,
		Score:       score,
		Weight:      weightAmount,
		Description: description,
	}
}

// analyzePayee scores the payee's identity and track record.
func (e *Engine) analyzePayee(inv *domain.Invoice, history []domain.HistoricalInvoice) domain.RiskFactor {
	factor := func(score float64, description string) domain.RiskFactor {
		return domain.RiskFactor{
			Category:    CategoryPayee,
			Score:       score,
			Weight:      weightPayee,
			Description: description,
		}
	}

	if inv.Payee == "" {
		return factor(75, "Missing payee identity")
	}

	if len(history) == 0 {
		return factor(60, "New payee - no transaction history")
	}

	count := payeeMatches(inv.Payee, history)
	if count == 0 {
		return factor(60, "New payee - first transaction")
	}

	if e.lookupReputation(inv.Payee) < 30 {
		return factor(80, "Payee has poor reputation history")
	}

	if count > 5 {
		return factor(10, "Trusted payee - multiple successful transactions")
	}
	if count >= 2 {
		return factor(25, "Trusted payee - consistent transaction history")
	}

	return factor(30, "Known payee with limited history")
}

// analyzeDate scores the invoice date's age, with future dates flagged
// hardest. Weekend dates carry a separate sub-score; the final score
// is the max of the two signals.
func (e *Engine) analyzeDate(inv *domain.Invoice, now time.Time) domain.RiskFactor {
	daysDiff := now.Sub(inv.Date).Hours() / 24

	var score float64
	var description string

	switch {
	case daysDiff < 0:
		score = 90
		description = "Future date detected - possible fraud"
	case daysDiff > 180:
		score = 70
		description = fmt.Sprintf("Invoice is %.0f days old", daysDiff)
	case daysDiff > 90:
		score = 40
		description = fmt.Sprintf("Invoice is %.0f days old", daysDiff)
	default:
		score = 10
		description = "Recent invoice date"
	}

	if wd := inv.Date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		if score < 55 {
			score = 55
			description = "Invoice dated on a weekend"
		}
	}

	return domain.RiskFactor{
		Category:    CategoryDate,
		Score:       score,
		Weight:      weightDate,
		Description: description,
	}
}

// analyzeDescription scores the description text. The fraud-keyword
// check outranks the length checks.
func (e *Engine) analyzeDescription(inv *domain.Invoice) domain.RiskFactor {
	factor := func(score float64, description string) domain.RiskFactor {
		return domain.RiskFactor{
			Category:    CategoryDescription,
			Score:       score,
			Weight:      weightDescription,
			Description: description,
		}
	}

	desc := strings.ToLower(inv.Description)

	var matched []string
	for _, kw := range fraudKeywords {
		if strings.Contains(desc, kw) {
			matched = append(matched, kw)
		}
	}
	if len(matched) > 0 {
		return factor(85, fmt.Sprintf("Possible fraud keywords detected: %s", strings.Join(matched, ", ")))
	}

	if len(desc) < 5 {
		return factor(70, "Very vague description")
	}
	if len(desc) < 10 {
		return factor(40, "Brief description")
	}

	return factor(10, "Detailed description provided")
}

// analyzePatterns scans the recent history window for repetitive
// amounts and unusually dense submission cadence.
func (e *Engine) analyzePatterns(inv *domain.Invoice, history []domain.HistoricalInvoice) domain.RiskFactor {
	factor := func(score float64, description string) domain.RiskFactor {
		return domain.RiskFactor{
			Category:    CategoryPattern,
			Score:       score,
			Weight:      weightPattern,
			Description: description,
		}
	}

	if len(history) < 3 {
		return factor(20, "Insufficient history for pattern analysis")
	}

	recent := history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	if inv.Amount > 0 {
		similar := 0
		for _, h := range recent {
			if math.Abs(h.Amount-inv.Amount)/inv.Amount < 0.1 {
				similar++
			}
		}
		if similar > 3 {
			return factor(60, "Repetitive amount pattern detected")
		}
	}

	var gapSum float64
	for i := 1; i < len(recent); i++ {
		gapSum += recent[i].Date.Sub(recent[i-1].Date).Hours() / 24
	}
	avgGap := gapSum / float64(len(recent)-1)
	if avgGap < 1 {
		return factor(50, "Unusually frequent invoices")
	}

	return factor(15, "Normal transaction patterns")
}
