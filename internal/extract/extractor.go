// Package extract pulls best-effort invoice fields out of raw document
// text. Extraction is intentionally lossy: every field falls back to a
// sentinel default, and FromText never fails.
package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/ibis/internal/domain"
)

// Sentinel defaults for fields no pattern matched.
const (
	DefaultPayee       = "Unknown Payee"
	DefaultDescription = "Invoice Payment"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)

	// Currency-prefixed or bare figures with optional thousands
	// separators. The largest figure on the document is taken as the
	// invoice amount.
	amountRe = regexp.MustCompile(`(?:\$|USD|€|EUR|£|GBP)?\s*(\d{1,3}(?:,\d{3})*(?:\.\d{2})?)`)

	payeeRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:pay\s+to|payee|vendor|supplier):\s*([^\n\r,]+)`),
		regexp.MustCompile(`(?i)(?:bill\s+to|invoice\s+to):\s*([^\n\r,]+)`),
	}

	dateRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:date|invoice\s+date|due\s+date):\s*(\d{4}-\d{2}-\d{2}|\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`),
		regexp.MustCompile(`(\d{4}-\d{2}-\d{2}|\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`),
	}

	descriptionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:description|item|service):\s*([^\n\r]+)`),
		regexp.MustCompile(`(?i)(?:invoice\s+#|inv\s+#|reference):\s*([^\n\r\s]+)`),
	}

	extractDateLayouts = []string{
		"2006-01-02",
		"1/2/2006",
		"1-2-2006",
		"1/2/06",
		"1-2-06",
	}
)

// FromText extracts a complete, possibly-defaulted invoice request
// from raw text. Unparseable input yields the sentinel defaults
// rather than an error.
func FromText(text string) *domain.InvoiceRequest {
	clean := strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))

	return &domain.InvoiceRequest{
		Amount:      extractAmount(clean),
		Payee:       extractPayee(clean),
		Date:        extractDate(clean),
		Description: extractDescription(clean),
	}
}

// extractAmount returns the largest currency figure in the text.
// Decimal arithmetic avoids float drift on documents with many
// figures close in magnitude.
func extractAmount(text string) float64 {
	matches := amountRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0
	}

	max := decimal.Zero
	for _, m := range matches {
		raw := strings.ReplaceAll(m[1], ",", "")
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		if d.GreaterThan(max) {
			max = d
		}
	}

	f, _ := max.Float64()
	return f
}

func extractPayee(text string) string {
	for _, re := range payeeRes {
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			if payee := strings.TrimSpace(m[1]); payee != "" {
				return payee
			}
		}
	}
	return DefaultPayee
}

// extractDate returns the first parseable date in wire format
// (2006-01-02), defaulting to today.
func extractDate(text string) string {
	for _, re := range dateRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			for _, layout := range extractDateLayouts {
				if t, err := time.Parse(layout, m[1]); err == nil {
					return t.Format("2006-01-02")
				}
			}
		}
	}
	return time.Now().UTC().Format("2006-01-02")
}

func extractDescription(text string) string {
	for _, re := range descriptionRes {
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			if desc := strings.TrimSpace(m[1]); desc != "" {
				return desc
			}
		}
	}
	return DefaultDescription
}
