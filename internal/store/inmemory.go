package store

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/winefact/winefact/internal/research"
	"github.com/winefact/winefact/internal/telemetry"
)

// Memory is the in-process FactStore used for development and tests. It
// mirrors the Postgres store's semantics: idempotent upserts on
// (subject_id, field, source_url), read-time conflict resolution, and an
// embedding retry queue.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]research.ExtractionRecord // keyed by natural key
	byID     map[string]string                    // record ID -> natural key
	vectors  map[string][]float32                 // record ID -> embedding
	queue    []string                             // record IDs awaiting embedding
	subjects map[string]research.Subject
	runs     map[string]research.PipelineRun
	embedder embedder
	logger   *log.Logger
}

// embedder is the slice of provider.Provider the store needs; narrowed so
// tests can hand in a two-line stub.
type embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

func NewMemory(embedder embedder, logger *log.Logger) *Memory {
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	return &Memory{
		records:  map[string]research.ExtractionRecord{},
		byID:     map[string]string{},
		vectors:  map[string][]float32{},
		subjects: map[string]research.Subject{},
		runs:     map[string]research.PipelineRun{},
		embedder: embedder,
		logger:   logger,
	}
}

func naturalKey(rec research.ExtractionRecord) string {
	return rec.SubjectID + "\x00" + rec.Field + "\x00" + rec.SourceURL
}

func (m *Memory) SaveSubject(_ context.Context, sub research.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[sub.ID] = sub
	return nil
}

func (m *Memory) GetSubject(_ context.Context, id string) (research.Subject, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subjects[id]
	return sub, ok, nil
}

func (m *Memory) Upsert(ctx context.Context, records []research.ExtractionRecord) error {
	ids := make([]string, len(records))
	m.mu.Lock()
	for i, rec := range records {
		key := naturalKey(rec)
		if prev, ok := m.records[key]; ok {
			// Keep the original ID so embeddings stay attached.
			rec.ID = prev.ID
		}
		m.records[key] = rec
		m.byID[rec.ID] = key
		ids[i] = rec.ID
		telemetry.RecordsUpserted.Inc()
	}
	m.mu.Unlock()
	m.embedOrEnqueue(ctx, ids, records)
	return nil
}

func (m *Memory) embedOrEnqueue(ctx context.Context, ids []string, records []research.ExtractionRecord) {
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = embeddingText(rec)
	}
	vecs, err := m.embedder.CreateEmbedding(ctx, texts)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || len(vecs) != len(ids) {
		m.logger.Printf("embedding batch failed, queueing %d records: %v", len(ids), err)
		m.queue = append(m.queue, ids...)
		telemetry.EmbeddingQueueDepth.Set(float64(len(m.queue)))
		return
	}
	for i, id := range ids {
		m.vectors[id] = vecs[i]
	}
}

// FlushEmbeddingQueue retries every queued embedding once.
func (m *Memory) FlushEmbeddingQueue(ctx context.Context) error {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	texts := make([]string, 0, len(pending))
	ids := make([]string, 0, len(pending))
	m.mu.RLock()
	for _, id := range pending {
		key, ok := m.byID[id]
		if !ok {
			continue
		}
		ids = append(ids, id)
		texts = append(texts, embeddingText(m.records[key]))
	}
	m.mu.RUnlock()

	vecs, err := m.embedder.CreateEmbedding(ctx, texts)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || len(vecs) != len(ids) {
		m.queue = append(m.queue, ids...)
		telemetry.EmbeddingQueueDepth.Set(float64(len(m.queue)))
		return err
	}
	for i, id := range ids {
		m.vectors[id] = vecs[i]
	}
	telemetry.EmbeddingQueueDepth.Set(float64(len(m.queue)))
	return nil
}

// QueueDepth reports how many records still await embedding.
func (m *Memory) QueueDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

func (m *Memory) Get(_ context.Context, subjectID, field string) (research.ExtractionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best research.ExtractionRecord
	found := false
	for _, rec := range m.records {
		if rec.SubjectID != subjectID || rec.Field != field {
			continue
		}
		if !found {
			best, found = rec, true
		} else {
			best = research.Best(best, rec)
		}
	}
	return best, found, nil
}

func (m *Memory) GetAll(_ context.Context, subjectID string) (map[string]research.ExtractionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []research.ExtractionRecord
	for _, rec := range m.records {
		if rec.SubjectID == subjectID {
			all = append(all, rec)
		}
	}
	return research.BestPerField(all), nil
}

func (m *Memory) Search(ctx context.Context, subjectID, text string, k int) ([]research.ExtractionRecord, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.RLock()
	var subjectRecs []research.ExtractionRecord
	for _, rec := range m.records {
		if rec.SubjectID == subjectID {
			subjectRecs = append(subjectRecs, rec)
		}
	}
	m.mu.RUnlock()

	lower := strings.ToLower(text)
	var exact []research.ExtractionRecord
	for _, rec := range subjectRecs {
		if strings.Contains(strings.ToLower(rec.Value), lower) || rec.Field == text {
			exact = append(exact, rec)
		}
	}
	sort.Slice(exact, func(i, j int) bool {
		if exact[i].Confidence != exact[j].Confidence {
			return exact[i].Confidence > exact[j].Confidence
		}
		return exact[i].FetchedAt.After(exact[j].FetchedAt)
	})

	seen := map[string]bool{}
	out := make([]research.ExtractionRecord, 0, k)
	for _, rec := range exact {
		if len(out) == k {
			return out, nil
		}
		seen[rec.ID] = true
		out = append(out, rec)
	}

	for _, rec := range m.semantic(ctx, subjectRecs, text, k) {
		if len(out) == k {
			break
		}
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) semantic(ctx context.Context, recs []research.ExtractionRecord, text string, k int) []research.ExtractionRecord {
	vecs, err := m.embedder.CreateEmbedding(ctx, []string{text})
	if err != nil || len(vecs) != 1 {
		return nil
	}
	query := vecs[0]

	type scored struct {
		rec  research.ExtractionRecord
		dist float64
	}
	var candidates []scored
	m.mu.RLock()
	for _, rec := range recs {
		vec, ok := m.vectors[rec.ID]
		if !ok {
			continue
		}
		candidates = append(candidates, scored{rec: rec, dist: cosineDistance(query, vec)})
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]research.ExtractionRecord, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func (m *Memory) SaveRun(_ context.Context, run research.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) LatestCompletedRun(_ context.Context, subjectID string) (research.PipelineRun, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest research.PipelineRun
	found := false
	for _, run := range m.runs {
		if run.SubjectID != subjectID || run.CompletedAt == nil {
			continue
		}
		if !found || run.CompletedAt.After(*latest.CompletedAt) {
			latest, found = run, true
		}
	}
	return latest, found, nil
}

func (m *Memory) StaleSubjects(_ context.Context, cutoff time.Time, limit int) ([]research.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var subs []research.Subject
	for id, sub := range m.subjects {
		latest := time.Time{}
		for _, run := range m.runs {
			if run.SubjectID == id && run.CompletedAt != nil && run.CompletedAt.After(latest) {
				latest = *run.CompletedAt
			}
		}
		if latest.Before(cutoff) {
			subs = append(subs, sub)
			if len(subs) == limit {
				break
			}
		}
	}
	return subs, nil
}
