package extract

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/opensource-finance/ibis/internal/domain"
)

// ErrNotPDF is returned when the uploaded bytes are not a PDF.
var ErrNotPDF = fmt.Errorf("not a PDF document")

// FromPDF extracts invoice fields from a PDF document. Unlike
// FromText, opening a broken or non-PDF file is a real error the
// caller can surface; once the text is out, extraction itself still
// never fails.
func FromPDF(data []byte) (*domain.InvoiceRequest, error) {
	if mime := http.DetectContentType(data); mime != "application/pdf" {
		return nil, ErrNotPDF
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString(" ")
	}

	return FromText(b.String()), nil
}
