package research

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/winefact/winefact/internal/telemetry"
)

// Discoverer finds candidate source URLs for a subject.
type Discoverer interface {
	Discover(ctx context.Context, subject Subject) ([]SourceCandidate, error)
}

// Fetcher retrieves raw page content for one candidate. It handles its own
// lightweight-then-browser retry internally; the orchestrator never retries
// a candidate.
type Fetcher interface {
	Fetch(ctx context.Context, candidate SourceCandidate) (FetchedDocument, error)
}

// Normalizer converts raw content into clean, bounded text.
type Normalizer interface {
	Normalize(doc FetchedDocument) (NormalizedDocument, error)
}

// Extractor drives the LLM structuring step for one normalized document.
// Returned records carry subject, source URL, field, value and confidence;
// the orchestrator stamps provenance (rank, fetch time) afterwards.
type Extractor interface {
	Extract(ctx context.Context, subject Subject, fields []string, doc NormalizedDocument) ([]ExtractionRecord, error)
}

// Validator checks a proposed record against the field schema and
// range/type policy.
type Validator interface {
	Validate(rec ExtractionRecord) error
}

// FactStore persists validated records and run bookkeeping.
type FactStore interface {
	Upsert(ctx context.Context, records []ExtractionRecord) error
	Get(ctx context.Context, subjectID, field string) (ExtractionRecord, bool, error)
	Search(ctx context.Context, subjectID, text string, k int) ([]ExtractionRecord, error)
	SaveRun(ctx context.Context, run PipelineRun) error
}

// RunResult is what a completed (terminal) run hands back to the caller.
// PARTIAL and SUCCEEDED both carry records; Missing explains, per absent
// field, the best-known failure kind.
type RunResult struct {
	Run     PipelineRun
	Records map[string]ExtractionRecord
	Missing map[string]string
}

// Orchestrator coordinates discovery, fetching, normalization, extraction,
// validation and storage for one subject run.
type Orchestrator struct {
	discoverer Discoverer
	fetcher    Fetcher
	normalizer Normalizer
	extractor  Extractor
	validator  Validator
	store      FactStore
	logger     *log.Logger

	// fetchLimit caps concurrent fetch+normalize tasks. The browser pool
	// inside the fetcher enforces its own, lower cap.
	fetchLimit int
}

func NewOrchestrator(d Discoverer, f Fetcher, n Normalizer, e Extractor, v Validator, s FactStore, fetchLimit int, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	if fetchLimit <= 0 {
		fetchLimit = 16
	}
	return &Orchestrator{
		discoverer: d,
		fetcher:    f,
		normalizer: n,
		extractor:  e,
		validator:  v,
		store:      s,
		logger:     logger,
		fetchLimit: fetchLimit,
	}
}

// fetchedDoc pairs a normalized document with its candidate's provenance.
type fetchedDoc struct {
	doc       NormalizedDocument
	candidate SourceCandidate
	fetchedAt time.Time
}

// Run executes the full pipeline for the subject and requested fields. The
// returned error is non-nil only for FAILED runs; PARTIAL runs return data
// plus a populated Missing map.
func (o *Orchestrator) Run(ctx context.Context, subject Subject, fields []string) (RunResult, error) {
	run := PipelineRun{
		ID:        uuid.NewString(),
		SubjectID: subject.ID,
		Fields:    append([]string(nil), fields...),
		State:     StateDiscovering,
		Attempts:  1,
		StartedAt: time.Now().UTC(),
	}
	o.logger.Printf("run %s: researching %q fields=%v", run.ID, subject.Name, fields)

	result, err := o.execute(ctx, &run, subject, fields)
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err != nil {
		run.State = StateFailed
		run.Error = err.Error()
	}
	telemetry.RunsTotal.WithLabelValues(string(run.State)).Inc()
	if serr := o.store.SaveRun(ctx, run); serr != nil {
		o.logger.Printf("run %s: saving run state: %v", run.ID, serr)
	}
	result.Run = run
	return result, err
}

func (o *Orchestrator) execute(ctx context.Context, run *PipelineRun, subject Subject, fields []string) (RunResult, error) {
	result := RunResult{Records: map[string]ExtractionRecord{}, Missing: map[string]string{}}

	// DISCOVERING
	candidates, err := o.discoverer.Discover(ctx, subject)
	if err != nil {
		return result, &RunError{Kind: KindDiscovery, Err: err}
	}
	if len(candidates) == 0 {
		run.State, _ = Transition(run.State, EvNoCandidates)
		return result, &RunError{Kind: KindDiscovery, Err: ErrNoSourcesFound}
	}
	if run.State, err = Transition(run.State, EvCandidatesFound); err != nil {
		return result, err
	}

	// FETCHING + NORMALIZING, per candidate, bounded and independent. A
	// candidate that fails either step is dropped from the run.
	docs, dropReasons := o.fetchAll(ctx, candidates)
	if len(docs) == 0 {
		run.State, _ = Transition(run.State, EvAllFetchesFailed)
		return result, &RunError{Kind: KindFetch, Err: ErrAllFetchesFailed}
	}
	if run.State, err = Transition(run.State, EvDocumentsFetched); err != nil {
		return result, err
	}
	if run.State, err = Transition(run.State, EvDocsNormalized); err != nil {
		return result, err
	}

	// EXTRACTING
	var proposed []ExtractionRecord
	for _, fd := range docs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		recs, err := o.extractor.Extract(ctx, subject, fields, fd.doc)
		if err != nil {
			o.logger.Printf("run %s: dropping document %s: %v", run.ID, fd.candidate.URL, err)
			dropReasons[string(KindExtraction)]++
			continue
		}
		for i := range recs {
			recs[i].SourceRank = fd.candidate.Rank
			recs[i].FetchedAt = fd.fetchedAt
			if recs[i].ExtractedAt.IsZero() {
				recs[i].ExtractedAt = time.Now().UTC()
			}
			if recs[i].ID == "" {
				recs[i].ID = uuid.NewString()
			}
		}
		proposed = append(proposed, recs...)
	}
	if len(proposed) == 0 {
		run.State, _ = Transition(run.State, EvNoFieldsFilled)
		o.fillMissing(result.Missing, fields, nil, dropReasons)
		return result, &RunError{Kind: KindExtraction, Err: ErrNoValidRecords}
	}
	if run.State, err = Transition(run.State, EvRecordsProposed); err != nil {
		return result, err
	}

	// VALIDATING: invalid records are discarded, never retried. A different
	// source document is the compensating action, not the same prompt again.
	valid := proposed[:0]
	for _, rec := range proposed {
		if verr := o.validator.Validate(rec); verr != nil {
			o.logger.Printf("run %s: discarding record %s=%q: %v", run.ID, rec.Field, rec.Value, verr)
			dropReasons[string(KindValidation)]++
			continue
		}
		valid = append(valid, rec)
	}
	if len(valid) == 0 {
		run.State, _ = Transition(run.State, EvNoFieldsFilled)
		o.fillMissing(result.Missing, fields, nil, dropReasons)
		return result, &RunError{Kind: KindValidation, Err: ErrNoValidRecords}
	}
	if run.State, err = Transition(run.State, EvRecordsValidated); err != nil {
		return result, err
	}

	// STORING: upsert everything that validated, in completion order.
	// Conflict resolution happens at read time, not at write time.
	if err := o.store.Upsert(ctx, valid); err != nil {
		return result, &RunError{Kind: KindStore, Err: err}
	}

	best := BestPerField(valid)
	covered := 0
	for _, f := range fields {
		if rec, ok := best[f]; ok {
			result.Records[f] = rec
			covered++
		}
	}
	o.fillMissing(result.Missing, fields, best, dropReasons)

	switch {
	case covered == len(fields):
		run.State, _ = Transition(run.State, EvAllFieldsFilled)
	case covered > 0:
		run.State, _ = Transition(run.State, EvSomeFieldsFilled)
	default:
		run.State, _ = Transition(run.State, EvNoFieldsFilled)
		return result, &RunError{Kind: KindExtraction, Err: ErrNoValidRecords}
	}
	o.logger.Printf("run %s: %s (%d/%d fields)", run.ID, run.State, covered, len(fields))
	return result, nil
}

// fetchAll runs fetch+normalize for every candidate concurrently under the
// fetch cap. Failures are absorbed: the candidate is dropped and the reason
// tallied for missing-field reporting.
func (o *Orchestrator) fetchAll(ctx context.Context, candidates []SourceCandidate) ([]fetchedDoc, map[string]int) {
	var (
		mu      sync.Mutex
		docs    []fetchedDoc
		reasons = map[string]int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fetchLimit)
	for _, cand := range candidates {
		g.Go(func() error {
			fetched, err := o.fetcher.Fetch(gctx, cand)
			if err != nil {
				o.logger.Printf("dropping candidate %s: %v", cand.URL, err)
				mu.Lock()
				reasons[string(KindFetch)]++
				mu.Unlock()
				return nil
			}
			norm, err := o.normalizer.Normalize(fetched)
			if err != nil {
				o.logger.Printf("dropping candidate %s: %v", cand.URL, err)
				mu.Lock()
				reasons[string(KindNormalize)]++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			docs = append(docs, fetchedDoc{doc: norm, candidate: cand, fetchedAt: fetched.FetchedAt})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return docs, reasons
}

// fillMissing records, for each requested field without a winner, the
// best-known failure kind that explains its absence.
func (o *Orchestrator) fillMissing(missing map[string]string, fields []string, best map[string]ExtractionRecord, reasons map[string]int) {
	reason := dominantReason(reasons)
	for _, f := range fields {
		if _, ok := best[f]; ok {
			continue
		}
		missing[f] = reason
	}
}

// reasonNotFound marks fields no stage dropped: every document came back
// clean, the sources just never stated the field.
const reasonNotFound = "not_found_in_sources"

func dominantReason(reasons map[string]int) string {
	order := []string{
		string(KindFetch),
		string(KindNormalize),
		string(KindExtraction),
		string(KindValidation),
	}
	top, topN := "", 0
	for _, k := range order {
		if reasons[k] > topN {
			top, topN = k, reasons[k]
		}
	}
	if topN == 0 {
		return reasonNotFound
	}
	return top
}
