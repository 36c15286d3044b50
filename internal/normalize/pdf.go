package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/winefact/winefact/internal/research"
)

// normalizePDF extracts plain text page by page. Producer tech sheets are
// short; pages that fail text extraction are skipped rather than failing
// the whole document.
func (n *Normalizer) normalizePDF(doc research.FetchedDocument) (research.NormalizedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(doc.Body), int64(len(doc.Body)))
	if err != nil {
		return research.NormalizedDocument{}, &research.NormalizeError{URL: doc.SourceURL, Err: err}
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}

	text := collapseWhitespace(b.String())
	if text == "" {
		return research.NormalizedDocument{}, &research.NormalizeError{
			URL: doc.SourceURL,
			Err: fmt.Errorf("no extractable text in PDF"),
		}
	}
	return research.NormalizedDocument{
		SourceURL: doc.SourceURL,
		Text:      n.truncate(text, nil),
	}, nil
}
