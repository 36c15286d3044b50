// Package extract drives the LLM structuring step: one normalized document
// in, a set of validated (field, value, confidence) records out.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/winefact/winefact/internal/research"
	"github.com/winefact/winefact/internal/telemetry"
	"github.com/winefact/winefact/provider"
)

// maxAttempts bounds calls per document: one initial attempt plus two
// retries on malformed output.
const maxAttempts = 3

// Extractor implements research.Extractor on top of an LLM provider. All
// calls pass through a shared rate limiter so parallel documents cannot
// blow the provider's quota.
type Extractor struct {
	llm     provider.Provider
	limiter *rate.Limiter
	logger  *log.Logger
}

func New(llm provider.Provider, callsPerSecond float64, logger *log.Logger) *Extractor {
	if callsPerSecond <= 0 {
		callsPerSecond = 2
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags)
	}
	return &Extractor{
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), 1),
		logger:  logger,
	}
}

// proposedFact is the shape the model is instructed to emit per field.
type proposedFact struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Extract prompts the model for the requested fields and decodes its output
// strictly. Malformed output is retried with the parse failure appended to
// the prompt; after maxAttempts the document is abandoned.
func (e *Extractor) Extract(ctx context.Context, subject research.Subject, fields []string, doc research.NormalizedDocument) ([]research.ExtractionRecord, error) {
	prompt := buildPrompt(subject, fields, doc)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		raw, err := e.llm.Structure(ctx, prompt)
		telemetry.LLMLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.LLMCalls.WithLabelValues("error").Inc()
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		facts, err := decodeFacts(raw, fields)
		if err != nil {
			telemetry.LLMCalls.WithLabelValues("malformed").Inc()
			e.logger.Printf("attempt %d/%d for %s: %v", attempt, maxAttempts, doc.SourceURL, err)
			lastErr = err
			prompt = prompt + "\n\nYour previous response was rejected: " + err.Error() +
				"\nRespond again with ONLY the JSON object described above."
			continue
		}

		telemetry.LLMCalls.WithLabelValues("ok").Inc()
		return toRecords(subject, doc, facts), nil
	}
	return nil, &research.ExtractionError{URL: doc.SourceURL, Attempts: maxAttempts, Err: lastErr}
}

func buildPrompt(subject research.Subject, fields []string, doc research.NormalizedDocument) string {
	var b strings.Builder
	b.WriteString("Extract facts about the following product from the document below.\n\n")
	b.WriteString("PRODUCT: ")
	b.WriteString(subject.Name)
	b.WriteString("\n")
	for k, v := range subject.Attrs {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(k), v)
	}
	b.WriteString("\nFIELDS TO EXTRACT: ")
	b.WriteString(strings.Join(fields, ", "))
	b.WriteString("\n\nRESPONSE FORMAT:\n")
	b.WriteString("{\n  \"<field>\": {\"value\": \"<string>\", \"confidence\": <0.0-1.0>}\n}\n")
	b.WriteString("Include a field ONLY if the document states it for this exact product. ")
	b.WriteString("Omit fields the document does not answer. Never guess. ")
	b.WriteString("Confidence reflects how directly the document supports the value.\n")
	if len(doc.Hints) > 0 {
		b.WriteString("\nSTRUCTURED REGIONS IN THE DOCUMENT:\n")
		for _, h := range doc.Hints {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nDOCUMENT:\n")
	b.WriteString(doc.Text)
	return b.String()
}

// decodeFacts decodes untrusted model output strictly: the payload must be
// a JSON object keyed by requested field names, nothing else.
func decodeFacts(raw string, fields []string) (map[string]proposedFact, error) {
	payload := stripFences(raw)
	if payload == "" {
		return nil, fmt.Errorf("empty response")
	}

	var loose map[string]proposedFact
	if err := json.Unmarshal([]byte(payload), &loose); err != nil {
		return nil, fmt.Errorf("response is not a JSON object of facts: %w", err)
	}

	allowed := make(map[string]bool, len(fields))
	for _, f := range fields {
		allowed[f] = true
	}
	facts := make(map[string]proposedFact, len(loose))
	for field, fact := range loose {
		if !allowed[field] {
			return nil, fmt.Errorf("unknown field %q in response", field)
		}
		if strings.TrimSpace(fact.Value) == "" {
			continue
		}
		facts[field] = fact
	}
	return facts, nil
}

// stripFences tolerates the one formatting sin models commit despite
// instructions: wrapping the JSON in a markdown code fence.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func toRecords(subject research.Subject, doc research.NormalizedDocument, facts map[string]proposedFact) []research.ExtractionRecord {
	now := time.Now().UTC()
	records := make([]research.ExtractionRecord, 0, len(facts))
	for field, fact := range facts {
		records = append(records, research.ExtractionRecord{
			SubjectID:   subject.ID,
			Field:       field,
			Value:       strings.TrimSpace(fact.Value),
			Confidence:  fact.Confidence,
			SourceURL:   doc.SourceURL,
			ExtractedAt: now,
		})
	}
	return records
}
