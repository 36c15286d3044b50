package store

import (
	"context"
	"time"

	"github.com/winefact/winefact/internal/research"
	"github.com/winefact/winefact/internal/telemetry"
)

// queueBatch bounds how many queued records one flush attempt embeds.
const queueBatch = 64

// maxEmbedAttempts drops a queue entry after repeated provider rejections;
// the record itself stays searchable through the exact and keyword paths.
const maxEmbedAttempts = 10

// RunEmbeddingWorker periodically drains the embedding retry queue until the
// context is cancelled. Meant to run as a long-lived goroutine next to the
// HTTP server.
func (s *Store) RunEmbeddingWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FlushEmbeddingQueue(ctx); err != nil {
				s.logger.Printf("embedding queue flush: %v", err)
			}
		}
	}
}

// FlushEmbeddingQueue attempts one batch of queued embeddings. Entries that
// embed successfully leave the queue; failures stay with an attempt bump.
func (s *Store) FlushEmbeddingQueue(ctx context.Context) error {
	rows, err := s.DB.QueryContext(ctx, `
SELECT q.record_id, r.field, r.value, q.attempts
FROM embedding_queue q
JOIN extraction_records r ON r.id = q.record_id
ORDER BY q.enqueued_at
LIMIT $1
`, queueBatch)
	if err != nil {
		return &research.StoreError{Op: "queue_flush", Err: err}
	}
	type entry struct {
		id       string
		text     string
		attempts int
	}
	var entries []entry
	for rows.Next() {
		var (
			e     entry
			field string
			value string
		)
		if err := rows.Scan(&e.id, &field, &value, &e.attempts); err != nil {
			rows.Close()
			return &research.StoreError{Op: "queue_flush", Err: err}
		}
		e.text = field + ": " + value
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return &research.StoreError{Op: "queue_flush", Err: err}
	}
	s.updateQueueDepth(ctx)
	if len(entries) == 0 {
		return nil
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.text
	}
	vecs, err := s.embedder.CreateEmbedding(ctx, texts)
	if err != nil || len(vecs) != len(entries) {
		for _, e := range entries {
			s.bumpOrDrop(ctx, e.id, e.attempts)
		}
		if err != nil {
			return &research.StoreError{Op: "queue_flush", Err: err}
		}
		return nil
	}

	for i, e := range entries {
		if err := s.saveEmbedding(ctx, e.id, vecs[i]); err != nil {
			s.logger.Printf("saving queued embedding %s: %v", e.id, err)
			s.bumpOrDrop(ctx, e.id, e.attempts)
			continue
		}
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM embedding_queue WHERE record_id = $1`, e.id); err != nil {
			s.logger.Printf("dequeue %s: %v", e.id, err)
		}
	}
	s.updateQueueDepth(ctx)
	return nil
}

func (s *Store) bumpOrDrop(ctx context.Context, recordID string, attempts int) {
	if attempts+1 >= maxEmbedAttempts {
		s.logger.Printf("dropping embedding for %s after %d attempts", recordID, attempts+1)
		_, _ = s.DB.ExecContext(ctx, `DELETE FROM embedding_queue WHERE record_id = $1`, recordID)
		return
	}
	_, _ = s.DB.ExecContext(ctx, `UPDATE embedding_queue SET attempts = attempts + 1 WHERE record_id = $1`, recordID)
}

func (s *Store) updateQueueDepth(ctx context.Context) {
	var depth int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_queue`).Scan(&depth); err == nil {
		telemetry.EmbeddingQueueDepth.Set(float64(depth))
	}
}
