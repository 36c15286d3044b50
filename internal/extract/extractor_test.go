package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/winefact/winefact/internal/research"
)

type llmStub struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (s *llmStub) Structure(_ context.Context, prompt string) (string, error) {
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

func (s *llmStub) CreateEmbedding(_ context.Context, _ []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

var testDoc = research.NormalizedDocument{
	SourceURL: "https://example.com/wine",
	Text:      "Chateau X 2015 is from Saint-Julien, Bordeaux.",
}

var testSubject = research.Subject{ID: "wine-1", Name: "Chateau X 2015"}

func TestExtractHappyPath(t *testing.T) {
	llm := &llmStub{responses: []string{
		`{"region": {"value": "Saint-Julien, Bordeaux", "confidence": 0.9}}`,
	}}
	recs, err := New(llm, 1000, nil).Extract(context.Background(), testSubject, []string{"region", "vintage"}, testDoc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Field != "region" || rec.Value != "Saint-Julien, Bordeaux" || rec.Confidence != 0.9 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.SubjectID != testSubject.ID || rec.SourceURL != testDoc.SourceURL {
		t.Fatalf("record missing provenance %+v", rec)
	}
}

func TestExtractRetriesMalformedThenSucceeds(t *testing.T) {
	llm := &llmStub{responses: []string{
		`this is not json`,
		"```json\n{\"region\": {\"value\": \"Bordeaux\", \"confidence\": 0.8}}\n```",
	}}
	recs, err := New(llm, 1000, nil).Extract(context.Background(), testSubject, []string{"region"}, testDoc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if llm.calls != 2 {
		t.Fatalf("made %d calls, want 2", llm.calls)
	}
	if len(recs) != 1 || recs[0].Value != "Bordeaux" {
		t.Fatalf("unexpected records %+v", recs)
	}
	// Retry prompt carries the rejection back to the model.
	if len(llm.prompts) < 2 || llm.prompts[1] == llm.prompts[0] {
		t.Fatal("retry prompt did not include the rejection")
	}
}

func TestExtractGivesUpAfterMaxAttempts(t *testing.T) {
	llm := &llmStub{responses: []string{`bad`, `worse`, `still bad`}}
	_, err := New(llm, 1000, nil).Extract(context.Background(), testSubject, []string{"region"}, testDoc)
	var ee *research.ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want ExtractionError", err)
	}
	if ee.Attempts != maxAttempts {
		t.Fatalf("attempts = %d, want %d", ee.Attempts, maxAttempts)
	}
	if llm.calls != maxAttempts {
		t.Fatalf("made %d calls, want %d", llm.calls, maxAttempts)
	}
}

func TestExtractRejectsUnknownFields(t *testing.T) {
	llm := &llmStub{responses: []string{
		`{"tasting_notes": {"value": "plummy", "confidence": 0.9}}`,
		`{"tasting_notes": {"value": "plummy", "confidence": 0.9}}`,
		`{"tasting_notes": {"value": "plummy", "confidence": 0.9}}`,
	}}
	_, err := New(llm, 1000, nil).Extract(context.Background(), testSubject, []string{"region"}, testDoc)
	if err == nil {
		t.Fatal("expected error for hallucinated field")
	}
}

func TestExtractSkipsEmptyValues(t *testing.T) {
	llm := &llmStub{responses: []string{
		`{"region": {"value": "  ", "confidence": 0.5}, "vintage": {"value": "2015", "confidence": 0.9}}`,
	}}
	recs, err := New(llm, 1000, nil).Extract(context.Background(), testSubject, []string{"region", "vintage"}, testDoc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(recs) != 1 || recs[0].Field != "vintage" {
		t.Fatalf("expected only the vintage record, got %+v", recs)
	}
}

func TestValidatorFieldSchema(t *testing.T) {
	v := NewValidator()
	base := research.ExtractionRecord{
		SubjectID:  "s",
		Confidence: 0.8,
		SourceURL:  "https://example.com",
	}

	valid := base
	valid.Field = FieldRegion
	valid.Value = "Bordeaux"
	if err := v.Validate(valid); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	unknown := base
	unknown.Field = "aroma"
	unknown.Value = "cherries"
	if err := v.Validate(unknown); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidatorVintageRange(t *testing.T) {
	v := NewValidator()
	rec := research.ExtractionRecord{
		SubjectID: "s", Field: FieldVintage, Confidence: 0.8,
		SourceURL: "https://example.com",
	}

	rec.Value = "2015"
	if err := v.Validate(rec); err != nil {
		t.Fatalf("plausible vintage rejected: %v", err)
	}
	rec.Value = "1850"
	if err := v.Validate(rec); err == nil {
		t.Fatal("implausible vintage accepted")
	}
	nextCentury := time.Now().AddDate(5, 0, 0).Format("2006")
	rec.Value = nextCentury
	if err := v.Validate(rec); err == nil {
		t.Fatal("future vintage accepted")
	}
	rec.Value = "two thousand fifteen"
	if err := v.Validate(rec); err == nil {
		t.Fatal("non-numeric vintage accepted")
	}
}

func TestValidatorPriceAndConfidence(t *testing.T) {
	v := NewValidator()
	rec := research.ExtractionRecord{
		SubjectID: "s", Field: FieldAveragePrice, Confidence: 0.8,
		SourceURL: "https://example.com",
	}

	rec.Value = "$45.99"
	if err := v.Validate(rec); err != nil {
		t.Fatalf("currency-prefixed price rejected: %v", err)
	}
	rec.Value = "-10"
	if err := v.Validate(rec); err == nil {
		t.Fatal("negative price accepted")
	}

	rec.Value = "45"
	rec.Confidence = 1.5
	if err := v.Validate(rec); err == nil {
		t.Fatal("confidence above 1 accepted")
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
	}
	for _, c := range cases {
		if got := stripFences(c.in); got != c.want {
			t.Errorf("stripFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
