package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/winefact/winefact/internal/research"
)

// embedderStub hashes nothing: it returns fixed vectors, and can be toggled
// to fail to simulate a provider outage.
type embedderStub struct {
	fail  bool
	calls int
}

func (e *embedderStub) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("embedding service unavailable")
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		// Deterministic toy embedding so similarity is stable in tests.
		v := make([]float32, 4)
		for j, r := range text {
			v[j%4] += float32(r)
		}
		vecs[i] = v
	}
	return vecs, nil
}

func record(id, field, value, source string, conf float64) research.ExtractionRecord {
	return research.ExtractionRecord{
		ID:          id,
		SubjectID:   "wine-1",
		Field:       field,
		Value:       value,
		Confidence:  conf,
		SourceURL:   source,
		FetchedAt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		ExtractedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpsertIdempotent(t *testing.T) {
	m := NewMemory(&embedderStub{}, nil)
	ctx := context.Background()

	rec := record("r1", "region", "Bordeaux", "https://a.example", 0.8)
	for i := 0; i < 3; i++ {
		if err := m.Upsert(ctx, []research.ExtractionRecord{rec}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	all, err := m.GetAll(ctx, "wine-1")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("repeated upsert produced %d fields, want 1", len(all))
	}
}

func TestUpsertSameKeyOverwrites(t *testing.T) {
	m := NewMemory(&embedderStub{}, nil)
	ctx := context.Background()

	first := record("r1", "region", "Bordeaux", "https://a.example", 0.6)
	if err := m.Upsert(ctx, []research.ExtractionRecord{first}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second := record("r2", "region", "Burgundy", "https://a.example", 0.9)
	if err := m.Upsert(ctx, []research.ExtractionRecord{second}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := m.Get(ctx, "wine-1", "region")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Value != "Burgundy" {
		t.Fatalf("value = %q, want overwritten Burgundy", got.Value)
	}
	// The natural key kept its original record ID.
	if got.ID != "r1" {
		t.Fatalf("record ID = %q, want stable r1", got.ID)
	}
}

func TestGetResolvesConflictAcrossSources(t *testing.T) {
	m := NewMemory(&embedderStub{}, nil)
	ctx := context.Background()

	recs := []research.ExtractionRecord{
		record("r1", "region", "Bordeaux", "https://a.example", 0.6),
		record("r2", "region", "Burgundy", "https://b.example", 0.9),
	}
	if err := m.Upsert(ctx, recs); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := m.Get(ctx, "wine-1", "region")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ID != "r2" {
		t.Fatalf("winner = %q, want higher-confidence r2", got.ID)
	}
}

func TestEmbeddingOutageQueuesAndFlushes(t *testing.T) {
	emb := &embedderStub{fail: true}
	m := NewMemory(emb, nil)
	ctx := context.Background()

	rec := record("r1", "region", "Bordeaux", "https://a.example", 0.8)
	if err := m.Upsert(ctx, []research.ExtractionRecord{rec}); err != nil {
		t.Fatalf("upsert during outage must still succeed: %v", err)
	}
	if m.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want 1", m.QueueDepth())
	}
	// Record is durable and readable despite the missing embedding.
	if _, ok, _ := m.Get(ctx, "wine-1", "region"); !ok {
		t.Fatal("record not readable during embedding outage")
	}

	emb.fail = false
	if err := m.FlushEmbeddingQueue(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if m.QueueDepth() != 0 {
		t.Fatalf("queue depth after flush = %d, want 0", m.QueueDepth())
	}
}

func TestFlushKeepsQueueOnRepeatedFailure(t *testing.T) {
	emb := &embedderStub{fail: true}
	m := NewMemory(emb, nil)
	ctx := context.Background()

	_ = m.Upsert(ctx, []research.ExtractionRecord{record("r1", "region", "Bordeaux", "https://a.example", 0.8)})
	if err := m.FlushEmbeddingQueue(ctx); err == nil {
		t.Fatal("expected flush error while embedder is down")
	}
	if m.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want entry retained for retry", m.QueueDepth())
	}
}

func TestSearchExactBeforeSemantic(t *testing.T) {
	m := NewMemory(&embedderStub{}, nil)
	ctx := context.Background()

	recs := []research.ExtractionRecord{
		record("r1", "region", "Saint-Julien, Bordeaux", "https://a.example", 0.9),
		record("r2", "description", "A structured left-bank claret", "https://a.example", 0.7),
		record("r3", "grape_variety", "Cabernet Sauvignon", "https://a.example", 0.8),
	}
	if err := m.Upsert(ctx, recs); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := m.Search(ctx, "wine-1", "Bordeaux", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].ID != "r1" {
		t.Fatalf("first result = %q, want the exact match r1", results[0].ID)
	}
	seen := map[string]int{}
	for _, r := range results {
		seen[r.ID]++
		if seen[r.ID] > 1 {
			t.Fatalf("record %q returned twice", r.ID)
		}
	}
}

func TestSearchDegradesWithoutEmbeddings(t *testing.T) {
	emb := &embedderStub{fail: true}
	m := NewMemory(emb, nil)
	ctx := context.Background()

	_ = m.Upsert(ctx, []research.ExtractionRecord{
		record("r1", "region", "Saint-Julien, Bordeaux", "https://a.example", 0.9),
	})

	results, err := m.Search(ctx, "wine-1", "Bordeaux", 5)
	if err != nil {
		t.Fatalf("search must not fail when embedder is down: %v", err)
	}
	if len(results) != 1 || results[0].ID != "r1" {
		t.Fatalf("exact leg should still serve results, got %+v", results)
	}
}

func TestLatestCompletedRun(t *testing.T) {
	m := NewMemory(&embedderStub{}, nil)
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	_ = m.SaveRun(ctx, research.PipelineRun{ID: "run-1", SubjectID: "wine-1", State: research.StateSucceeded, CompletedAt: &old})
	_ = m.SaveRun(ctx, research.PipelineRun{ID: "run-2", SubjectID: "wine-1", State: research.StatePartial, CompletedAt: &recent})
	_ = m.SaveRun(ctx, research.PipelineRun{ID: "run-3", SubjectID: "wine-1", State: research.StateFetching})

	run, ok, err := m.LatestCompletedRun(ctx, "wine-1")
	if err != nil || !ok {
		t.Fatalf("latest run: ok=%v err=%v", ok, err)
	}
	if run.ID != "run-2" {
		t.Fatalf("latest run = %q, want run-2", run.ID)
	}
}

func TestStaleSubjects(t *testing.T) {
	m := NewMemory(&embedderStub{}, nil)
	ctx := context.Background()

	_ = m.SaveSubject(ctx, research.Subject{ID: "fresh", Name: "Fresh Wine"})
	_ = m.SaveSubject(ctx, research.Subject{ID: "stale", Name: "Stale Wine"})

	now := time.Now().UTC()
	old := now.Add(-60 * 24 * time.Hour)
	_ = m.SaveRun(ctx, research.PipelineRun{ID: "r1", SubjectID: "fresh", CompletedAt: &now})
	_ = m.SaveRun(ctx, research.PipelineRun{ID: "r2", SubjectID: "stale", CompletedAt: &old})

	subs, err := m.StaleSubjects(ctx, now.Add(-30*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("stale subjects: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "stale" {
		t.Fatalf("stale set = %+v, want only the stale subject", subs)
	}
}

func TestEncodeDecodeVectorLiteral(t *testing.T) {
	in := []float32{0.25, -1, 3.5}
	lit, err := encodeVectorLiteral(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeVectorLiteral(lit)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("round trip [%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatal("empty vector accepted")
	}
}
