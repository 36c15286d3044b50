package research

import (
	"errors"
	"fmt"
)

// ErrorKind classifies where in the pipeline a failure originated. It is the
// only failure detail surfaced to callers; underlying collaborator errors
// stay wrapped behind it.
type ErrorKind string

const (
	KindDiscovery  ErrorKind = "discovery"
	KindFetch      ErrorKind = "fetch"
	KindNormalize  ErrorKind = "normalize"
	KindExtraction ErrorKind = "extraction"
	KindValidation ErrorKind = "validation"
	KindStore      ErrorKind = "store"
)

// Run-level errors. Component-local failures (one candidate's fetch, one
// document's extraction) are absorbed and logged; these surface only when
// the run as a whole cannot proceed.
var (
	ErrNoSourcesFound        = errors.New("no sources found for subject")
	ErrAllSourcesUnavailable = errors.New("all search providers unavailable")
	ErrAllFetchesFailed      = errors.New("all candidate fetches failed")
	ErrNoValidRecords        = errors.New("no valid records extracted")
)

// RunError is the typed failure a terminal FAILED run surfaces to callers.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *RunError) Unwrap() error { return e.Err }

// FetchError describes a failed fetch of one candidate.
type FetchError struct {
	URL    string
	Reason string // timeout, blocked, malformed
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Reason, e.Err)
}
func (e *FetchError) Unwrap() error { return e.Err }

// NormalizeError describes unparseable fetched content.
type NormalizeError struct {
	URL string
	Err error
}

func (e *NormalizeError) Error() string { return fmt.Sprintf("normalize %s: %v", e.URL, e.Err) }
func (e *NormalizeError) Unwrap() error { return e.Err }

// ExtractionError describes an LLM structuring failure after retries.
type ExtractionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}
func (e *ExtractionError) Unwrap() error { return e.Err }

// StoreError describes a persistence backend failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
