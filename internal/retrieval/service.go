// Package retrieval answers fact questions from the store, kicking off a
// fresh pipeline run when stored knowledge is missing or stale.
package retrieval

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/winefact/winefact/internal/research"
)

// FactReader is the read-plus-bookkeeping slice of the store the service
// needs. Both the Postgres and in-memory stores satisfy it.
type FactReader interface {
	SaveSubject(ctx context.Context, sub research.Subject) error
	GetSubject(ctx context.Context, id string) (research.Subject, bool, error)
	Get(ctx context.Context, subjectID, field string) (research.ExtractionRecord, bool, error)
	GetAll(ctx context.Context, subjectID string) (map[string]research.ExtractionRecord, error)
	Search(ctx context.Context, subjectID, text string, k int) ([]research.ExtractionRecord, error)
	LatestCompletedRun(ctx context.Context, subjectID string) (research.PipelineRun, bool, error)
	StaleSubjects(ctx context.Context, cutoff time.Time, limit int) ([]research.Subject, error)
}

// Runner executes one research pipeline run. In production it is the
// orchestrator.
type Runner interface {
	Run(ctx context.Context, subject research.Subject, fields []string) (research.RunResult, error)
}

// Answer is what a retrieval query returns: the per-field winning records,
// whether they came straight from the store or a fresh run, and per-field
// failure reasons for anything still missing.
type Answer struct {
	Subject research.Subject                      `json:"subject"`
	Records map[string]research.ExtractionRecord `json:"records"`
	Missing map[string]string                     `json:"missing,omitempty"`
	Fresh   bool                                  `json:"fresh"`
	RunID   string                                `json:"run_id,omitempty"`
}

// flight is one in-progress pipeline run that concurrent callers for the
// same subject wait on instead of launching their own. It carries only run
// bookkeeping; facts are always re-read from the store afterwards.
type flight struct {
	done    chan struct{}
	missing map[string]string
	runID   string
	err     error
}

// Service serves fact queries. At most one pipeline run is in flight per
// subject; concurrent askers share its outcome.
type Service struct {
	store     FactReader
	runner    Runner
	freshness time.Duration
	logger    *log.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

func New(store FactReader, runner Runner, freshness time.Duration, logger *log.Logger) *Service {
	if freshness <= 0 {
		freshness = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Service{
		store:     store,
		runner:    runner,
		freshness: freshness,
		logger:    logger,
		inflight:  map[string]*flight{},
	}
}

// Answer returns facts for the subject's requested fields. Stored facts are
// served as long as the subject's newest completed run is within the
// freshness window and covers every requested field; otherwise a pipeline
// run fills the gaps.
func (s *Service) Answer(ctx context.Context, subject research.Subject, fields []string) (Answer, error) {
	if err := s.store.SaveSubject(ctx, subject); err != nil {
		return Answer{}, err
	}

	stored, err := s.store.GetAll(ctx, subject.ID)
	if err != nil {
		return Answer{}, err
	}
	missing := missingFields(stored, fields)
	fresh := s.runFresh(ctx, subject.ID)
	if fresh && len(missing) == 0 {
		return Answer{
			Subject: subject,
			Records: pick(stored, fields),
			Fresh:   false,
		}, nil
	}

	// A fresh subject with gaps re-extracts only the missing fields; a
	// stale subject refreshes everything it was asked for.
	need := fields
	if fresh {
		need = missing
	}

	fl, leader := s.join(subject.ID)
	if leader {
		s.lead(ctx, fl, subject, need)
	}
	select {
	case <-fl.done:
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
	if fl.err != nil {
		// A failed run can still leave usable older facts behind.
		if len(stored) > 0 {
			return Answer{
				Subject: subject,
				Records: pick(stored, fields),
				Missing: fl.missing,
				Fresh:   false,
				RunID:   fl.runID,
			}, nil
		}
		return Answer{}, fl.err
	}

	// The run has upserted whatever it found. Answering from the store,
	// not the run result, makes the per-field winner a pure read-time
	// decision across old and new sources alike.
	latest, err := s.store.GetAll(ctx, subject.ID)
	if err != nil {
		return Answer{}, err
	}
	return Answer{
		Subject: subject,
		Records: pick(latest, fields),
		Missing: stillMissing(latest, fields, fl.missing),
		Fresh:   true,
		RunID:   fl.runID,
	}, nil
}

// Search runs a free-text query over the subject's stored facts.
func (s *Service) Search(ctx context.Context, subjectID, text string, k int) ([]research.ExtractionRecord, error) {
	return s.store.Search(ctx, subjectID, text, k)
}

// join returns the subject's in-flight run, creating it if absent. The
// second return reports whether the caller became the leader and must
// execute the run.
func (s *Service) join(subjectID string) (*flight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.inflight[subjectID]; ok {
		return fl, false
	}
	fl := &flight{done: make(chan struct{})}
	s.inflight[subjectID] = fl
	return fl, true
}

// lead executes the run and publishes its outcome to everyone waiting. The
// run uses a background context: the leader's own request being cancelled
// must not abort work other callers are waiting on.
func (s *Service) lead(ctx context.Context, fl *flight, subject research.Subject, fields []string) {
	runCtx := context.WithoutCancel(ctx)
	result, err := s.runner.Run(runCtx, subject, fields)
	fl.missing = result.Missing
	fl.runID = result.Run.ID
	fl.err = err

	s.mu.Lock()
	delete(s.inflight, subject.ID)
	s.mu.Unlock()
	close(fl.done)
}

// runFresh reports whether the subject's latest completed run is inside the
// freshness window.
func (s *Service) runFresh(ctx context.Context, subjectID string) bool {
	run, ok, err := s.store.LatestCompletedRun(ctx, subjectID)
	if err != nil || !ok {
		return false
	}
	return time.Since(*run.CompletedAt) <= s.freshness
}

func missingFields(stored map[string]research.ExtractionRecord, fields []string) []string {
	var missing []string
	for _, f := range fields {
		if _, ok := stored[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// stillMissing reports the requested fields the store cannot answer even
// after the run, keeping the run's per-field failure reasons. A field the
// run missed but an older record covers is not missing.
func stillMissing(latest map[string]research.ExtractionRecord, fields []string, runMissing map[string]string) map[string]string {
	var out map[string]string
	for _, f := range fields {
		if _, ok := latest[f]; ok {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		if reason, ok := runMissing[f]; ok {
			out[f] = reason
		} else {
			out[f] = "not_refreshed"
		}
	}
	return out
}

func pick(stored map[string]research.ExtractionRecord, fields []string) map[string]research.ExtractionRecord {
	out := make(map[string]research.ExtractionRecord, len(fields))
	for _, f := range fields {
		if rec, ok := stored[f]; ok {
			out[f] = rec
		}
	}
	return out
}
