// Package normalize converts raw fetched content (HTML or PDF) into clean,
// bounded text suitable for LLM structuring.
package normalize

import (
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/winefact/winefact/internal/research"
)

// bytesPerToken is the deterministic character budget per token. Real
// tokenizers average a bit above this for English prose, so erring low keeps
// the prompt inside the model window.
const bytesPerToken = 4

// Normalizer implements research.Normalizer. Output is deterministic: the
// same raw input and budget always yield the same text.
type Normalizer struct {
	tokenBudget int
}

func New(tokenBudget int) *Normalizer {
	if tokenBudget <= 0 {
		tokenBudget = 6000
	}
	return &Normalizer{tokenBudget: tokenBudget}
}

// Normalize dispatches on content type. Tabular data on the page is pulled
// out separately because product facts (vintage, price, region) live in spec
// tables far more often than in prose.
func (n *Normalizer) Normalize(doc research.FetchedDocument) (research.NormalizedDocument, error) {
	ct := strings.ToLower(doc.ContentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return n.normalizePDF(doc)
	case strings.Contains(ct, "html") || strings.Contains(ct, "xml") || ct == "":
		return n.normalizeHTML(doc)
	default:
		return research.NormalizedDocument{}, &research.NormalizeError{
			URL: doc.SourceURL,
			Err: fmt.Errorf("unsupported content type %q", doc.ContentType),
		}
	}
}

func (n *Normalizer) normalizeHTML(doc research.FetchedDocument) (research.NormalizedDocument, error) {
	pageURL, err := url.Parse(doc.SourceURL)
	if err != nil {
		return research.NormalizedDocument{}, &research.NormalizeError{URL: doc.SourceURL, Err: err}
	}

	tables := extractTables(doc.Body)

	article, err := readability.FromReader(strings.NewReader(string(doc.Body)), pageURL)
	if err != nil {
		return research.NormalizedDocument{}, &research.NormalizeError{URL: doc.SourceURL, Err: err}
	}

	var b strings.Builder
	if article.Title != "" {
		b.WriteString("# ")
		b.WriteString(article.Title)
		b.WriteString("\n\n")
	}
	b.WriteString(collapseWhitespace(article.TextContent))
	for _, t := range tables {
		b.WriteString("\n\n")
		b.WriteString(t)
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return research.NormalizedDocument{}, &research.NormalizeError{
			URL: doc.SourceURL,
			Err: fmt.Errorf("no readable content"),
		}
	}
	text = n.truncate(text, tables)

	return research.NormalizedDocument{
		SourceURL: doc.SourceURL,
		Text:      text,
		Hints:     tableHints(tables),
	}, nil
}

// truncate enforces the token budget deterministically. Tables are kept in
// full whenever they fit: when the budget forces a cut, prose is trimmed
// first and the tables re-appended after it.
func (n *Normalizer) truncate(text string, tables []string) string {
	budget := n.tokenBudget * bytesPerToken
	if len(text) <= budget {
		return text
	}

	tableText := strings.TrimSpace(strings.Join(tables, "\n\n"))
	if tableText == "" || len(tableText) >= budget {
		return cutAtBoundary(text, budget)
	}

	prose := text
	for _, t := range tables {
		prose = strings.Replace(prose, t, "", 1)
	}
	prose = strings.TrimSpace(prose)
	proseBudget := budget - len(tableText) - 2
	if proseBudget < 0 {
		proseBudget = 0
	}
	return strings.TrimSpace(cutAtBoundary(prose, proseBudget) + "\n\n" + tableText)
}

// cutAtBoundary truncates to at most n bytes, backing up to the last line
// break in the final 10% so rows and sentences are not split mid-way.
func cutAtBoundary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > n-n/10 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

// collapseWhitespace normalizes runs of blank lines and intra-line spacing
// left behind by readability extraction.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, ln := range lines {
		ln = strings.TrimSpace(strings.Join(strings.Fields(ln), " "))
		if ln == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// tableHints surfaces the header row of each extracted table so the
// extraction prompt can point the model at structured regions.
func tableHints(tables []string) []string {
	var hints []string
	for _, t := range tables {
		if i := strings.IndexByte(t, '\n'); i > 0 {
			hints = append(hints, "table: "+strings.Trim(t[:i], "| "))
		}
	}
	return hints
}
