// Package store persists extraction records, their embeddings, and pipeline
// run bookkeeping in Postgres (pgvector), with an in-memory keyword index
// for degraded-mode search.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/winefact/winefact/internal/research"
	"github.com/winefact/winefact/internal/telemetry"
	"github.com/winefact/winefact/provider"
)

// Store implements research.FactStore on Postgres. Writes are idempotent:
// the natural key is (subject_id, field, source_url), and re-running a
// pipeline overwrites rather than duplicates.
type Store struct {
	DB       *sql.DB
	embedder provider.Provider
	keyword  *keywordIndex
	logger   *log.Logger
}

func NewWithDSN(ctx context.Context, dsn string, embedder provider.Provider, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	kw, err := newKeywordIndex()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	return &Store{DB: db, embedder: embedder, keyword: kw, logger: logger}, nil
}

// SaveSubject registers or refreshes a subject.
func (s *Store) SaveSubject(ctx context.Context, sub research.Subject) error {
	attrs, err := json.Marshal(sub.Attrs)
	if err != nil {
		return &research.StoreError{Op: "save_subject", Err: err}
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO subjects (id, name, attrs, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, attrs = EXCLUDED.attrs
`, sub.ID, sub.Name, attrs, sub.CreatedAt)
	if err != nil {
		return &research.StoreError{Op: "save_subject", Err: err}
	}
	return nil
}

func (s *Store) GetSubject(ctx context.Context, id string) (research.Subject, bool, error) {
	var (
		sub   research.Subject
		attrs []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, name, attrs, created_at FROM subjects WHERE id = $1
`, id).Scan(&sub.ID, &sub.Name, &attrs, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return research.Subject{}, false, nil
	}
	if err != nil {
		return research.Subject{}, false, &research.StoreError{Op: "get_subject", Err: err}
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &sub.Attrs); err != nil {
			return research.Subject{}, false, &research.StoreError{Op: "get_subject", Err: err}
		}
	}
	return sub, true, nil
}

// Upsert writes validated records and schedules their embeddings. A record
// whose embedding call fails still lands durably; the embedding goes to the
// retry queue instead of blocking the pipeline.
func (s *Store) Upsert(ctx context.Context, records []research.ExtractionRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	for i, rec := range records {
		err := s.DB.QueryRowContext(ctx, `
INSERT INTO extraction_records
  (id, subject_id, field, value, confidence, source_url, source_rank, fetched_at, extracted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (subject_id, field, source_url) DO UPDATE SET
  value = EXCLUDED.value,
  confidence = EXCLUDED.confidence,
  source_rank = EXCLUDED.source_rank,
  fetched_at = EXCLUDED.fetched_at,
  extracted_at = EXCLUDED.extracted_at
RETURNING id
`, rec.ID, rec.SubjectID, rec.Field, rec.Value, rec.Confidence, rec.SourceURL,
			rec.SourceRank, rec.FetchedAt, rec.ExtractedAt).Scan(&ids[i])
		if err != nil {
			return &research.StoreError{Op: "upsert", Err: err}
		}
		rec.ID = ids[i]
		if err := s.keyword.Index(rec); err != nil {
			s.logger.Printf("keyword index %s: %v", rec.ID, err)
		}
		telemetry.RecordsUpserted.Inc()
	}
	s.embedOrEnqueue(ctx, ids, records)
	return nil
}

// embedOrEnqueue tries a batch embedding call for the just-written records.
// Any failure routes every record to the retry queue; the write itself has
// already succeeded.
func (s *Store) embedOrEnqueue(ctx context.Context, ids []string, records []research.ExtractionRecord) {
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = embeddingText(rec)
	}
	vecs, err := s.embedder.CreateEmbedding(ctx, texts)
	if err != nil || len(vecs) != len(ids) {
		if err == nil {
			err = fmt.Errorf("expected %d vectors, got %d", len(ids), len(vecs))
		}
		s.logger.Printf("embedding batch failed, queueing %d records: %v", len(ids), err)
		for _, id := range ids {
			s.enqueueEmbedding(ctx, id)
		}
		return
	}
	for i, id := range ids {
		if err := s.saveEmbedding(ctx, id, vecs[i]); err != nil {
			s.logger.Printf("saving embedding %s: %v", id, err)
			s.enqueueEmbedding(ctx, id)
		}
	}
}

func embeddingText(rec research.ExtractionRecord) string {
	return rec.Field + ": " + rec.Value
}

func (s *Store) saveEmbedding(ctx context.Context, recordID string, vec []float32) error {
	lit, err := encodeVectorLiteral(vec)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO record_embeddings (record_id, embedding, created_at)
VALUES ($1,$2::vector,NOW())
ON CONFLICT (record_id) DO UPDATE SET embedding = EXCLUDED.embedding, created_at = NOW()
`, recordID, lit)
	return err
}

func (s *Store) enqueueEmbedding(ctx context.Context, recordID string) {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO embedding_queue (record_id, enqueued_at, attempts)
VALUES ($1,NOW(),0)
ON CONFLICT (record_id) DO NOTHING
`, recordID)
	if err != nil {
		s.logger.Printf("enqueue embedding %s: %v", recordID, err)
	}
}

const recordColumns = `id, subject_id, field, value, confidence, source_url, source_rank, fetched_at, extracted_at`

func scanRecord(row interface{ Scan(...any) error }) (research.ExtractionRecord, error) {
	var rec research.ExtractionRecord
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.Field, &rec.Value, &rec.Confidence,
		&rec.SourceURL, &rec.SourceRank, &rec.FetchedAt, &rec.ExtractedAt)
	return rec, err
}

// Get returns the winning record for a subject+field. All stored candidates
// are considered; conflict resolution happens here, at read time.
func (s *Store) Get(ctx context.Context, subjectID, field string) (research.ExtractionRecord, bool, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+recordColumns+` FROM extraction_records
WHERE subject_id = $1 AND field = $2
`, subjectID, field)
	if err != nil {
		return research.ExtractionRecord{}, false, &research.StoreError{Op: "get", Err: err}
	}
	defer rows.Close()

	var best research.ExtractionRecord
	found := false
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return research.ExtractionRecord{}, false, &research.StoreError{Op: "get", Err: err}
		}
		if !found {
			best, found = rec, true
		} else {
			best = research.Best(best, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return research.ExtractionRecord{}, false, &research.StoreError{Op: "get", Err: err}
	}
	return best, found, nil
}

// GetAll returns the winning record for every field stored for a subject.
func (s *Store) GetAll(ctx context.Context, subjectID string) (map[string]research.ExtractionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+recordColumns+` FROM extraction_records WHERE subject_id = $1
`, subjectID)
	if err != nil {
		return nil, &research.StoreError{Op: "get_all", Err: err}
	}
	defer rows.Close()

	var all []research.ExtractionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &research.StoreError{Op: "get_all", Err: err}
		}
		all = append(all, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &research.StoreError{Op: "get_all", Err: err}
	}
	return research.BestPerField(all), nil
}

// Search merges exact value matches with semantic neighbors, exact matches
// first, deduplicated by record ID. When the embedder is down the semantic
// leg degrades to the keyword index instead of failing the search.
func (s *Store) Search(ctx context.Context, subjectID, text string, k int) ([]research.ExtractionRecord, error) {
	if k <= 0 {
		k = 10
	}
	exact, err := s.exactSearch(ctx, subjectID, text, k)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(exact))
	out := make([]research.ExtractionRecord, 0, k)
	for _, rec := range exact {
		if len(out) == k {
			return out, nil
		}
		seen[rec.ID] = true
		out = append(out, rec)
	}

	semantic, err := s.semanticSearch(ctx, subjectID, text, k)
	if err != nil {
		s.logger.Printf("semantic search degraded to keyword: %v", err)
		semantic, err = s.keywordSearch(ctx, subjectID, text, k)
		if err != nil {
			return out, nil
		}
	}
	for _, rec := range semantic {
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

func (s *Store) exactSearch(ctx context.Context, subjectID, text string, k int) ([]research.ExtractionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+recordColumns+` FROM extraction_records
WHERE subject_id = $1 AND (value ILIKE '%' || $2 || '%' OR field = $2)
ORDER BY confidence DESC, fetched_at DESC
LIMIT $3
`, subjectID, text, k)
	if err != nil {
		return nil, &research.StoreError{Op: "search", Err: err}
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) semanticSearch(ctx context.Context, subjectID, text string, k int) ([]research.ExtractionRecord, error) {
	vecs, err := s.embedder.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d", len(vecs))
	}
	lit, err := encodeVectorLiteral(vecs[0])
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+recordColumns+` FROM extraction_records r
JOIN record_embeddings e ON e.record_id = r.id
WHERE r.subject_id = $1
ORDER BY e.embedding <=> $2::vector
LIMIT $3
`, subjectID, lit, k)
	if err != nil {
		return nil, &research.StoreError{Op: "search", Err: err}
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) keywordSearch(ctx context.Context, subjectID, text string, k int) ([]research.ExtractionRecord, error) {
	ids, err := s.keyword.Query(text, k*3)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	var out []research.ExtractionRecord
	for _, id := range ids {
		row := s.DB.QueryRowContext(ctx, `
SELECT `+recordColumns+` FROM extraction_records WHERE id = $1 AND subject_id = $2
`, id, subjectID)
		rec, err := scanRecord(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, &research.StoreError{Op: "search", Err: err}
		}
		out = append(out, rec)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func collectRecords(rows *sql.Rows) ([]research.ExtractionRecord, error) {
	var out []research.ExtractionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &research.StoreError{Op: "search", Err: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRun persists terminal (and intermediate, on crash-recovery paths) run
// bookkeeping.
func (s *Store) SaveRun(ctx context.Context, run research.PipelineRun) error {
	fields, err := json.Marshal(run.Fields)
	if err != nil {
		return &research.StoreError{Op: "save_run", Err: err}
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO pipeline_runs (id, subject_id, fields, state, attempts, started_at, completed_at, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  state = EXCLUDED.state,
  attempts = EXCLUDED.attempts,
  completed_at = EXCLUDED.completed_at,
  error = EXCLUDED.error
`, run.ID, run.SubjectID, fields, string(run.State), run.Attempts, run.StartedAt, run.CompletedAt, run.Error)
	if err != nil {
		return &research.StoreError{Op: "save_run", Err: err}
	}
	return nil
}

// LatestCompletedRun returns the most recent terminal run for a subject, if
// any. Retrieval uses it to decide whether stored facts are fresh enough.
func (s *Store) LatestCompletedRun(ctx context.Context, subjectID string) (research.PipelineRun, bool, error) {
	var (
		run    research.PipelineRun
		fields []byte
		state  string
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, subject_id, fields, state, attempts, started_at, completed_at, COALESCE(error, '')
FROM pipeline_runs
WHERE subject_id = $1 AND completed_at IS NOT NULL
ORDER BY completed_at DESC
LIMIT 1
`, subjectID).Scan(&run.ID, &run.SubjectID, &fields, &state, &run.Attempts,
		&run.StartedAt, &run.CompletedAt, &run.Error)
	if err == sql.ErrNoRows {
		return research.PipelineRun{}, false, nil
	}
	if err != nil {
		return research.PipelineRun{}, false, &research.StoreError{Op: "latest_run", Err: err}
	}
	run.State = research.RunState(state)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &run.Fields); err != nil {
			return research.PipelineRun{}, false, &research.StoreError{Op: "latest_run", Err: err}
		}
	}
	return run, true, nil
}

// StaleSubjects lists subjects whose newest completed run is older than the
// cutoff (or that never completed a run). The refresh scheduler drains this.
func (s *Store) StaleSubjects(ctx context.Context, cutoff time.Time, limit int) ([]research.Subject, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT s.id, s.name, s.attrs, s.created_at
FROM subjects s
LEFT JOIN LATERAL (
  SELECT completed_at FROM pipeline_runs
  WHERE subject_id = s.id AND completed_at IS NOT NULL
  ORDER BY completed_at DESC LIMIT 1
) r ON TRUE
WHERE r.completed_at IS NULL OR r.completed_at < $1
LIMIT $2
`, cutoff, limit)
	if err != nil {
		return nil, &research.StoreError{Op: "stale_subjects", Err: err}
	}
	defer rows.Close()

	var subs []research.Subject
	for rows.Next() {
		var (
			sub   research.Subject
			attrs []byte
		)
		if err := rows.Scan(&sub.ID, &sub.Name, &attrs, &sub.CreatedAt); err != nil {
			return nil, &research.StoreError{Op: "stale_subjects", Err: err}
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &sub.Attrs); err != nil {
				return nil, &research.StoreError{Op: "stale_subjects", Err: err}
			}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
