package research

import "fmt"

// RunState is the explicit pipeline state for a subject run.
type RunState string

const (
	StateDiscovering RunState = "discovering"
	StateFetching    RunState = "fetching"
	StateNormalizing RunState = "normalizing"
	StateExtracting  RunState = "extracting"
	StateValidating  RunState = "validating"
	StateStoring     RunState = "storing"
	StateSucceeded   RunState = "succeeded"
	StatePartial     RunState = "partial"
	StateFailed      RunState = "failed"
)

// Terminal reports whether a state is final. Terminal runs are never mutated.
func (s RunState) Terminal() bool {
	switch s {
	case StateSucceeded, StatePartial, StateFailed:
		return true
	}
	return false
}

// Event drives run state transitions.
type Event string

const (
	EvCandidatesFound  Event = "candidates_found"
	EvNoCandidates     Event = "no_candidates"
	EvDocumentsFetched Event = "documents_fetched"
	EvAllFetchesFailed Event = "all_fetches_failed"
	EvDocsNormalized   Event = "docs_normalized"
	EvRecordsProposed  Event = "records_proposed"
	EvRecordsValidated Event = "records_validated"
	EvAllFieldsFilled  Event = "all_fields_filled"
	EvSomeFieldsFilled Event = "some_fields_filled"
	EvNoFieldsFilled   Event = "no_fields_filled"
)

var transitions = map[RunState]map[Event]RunState{
	StateDiscovering: {
		EvCandidatesFound: StateFetching,
		EvNoCandidates:    StateFailed,
	},
	StateFetching: {
		EvDocumentsFetched: StateNormalizing,
		EvAllFetchesFailed: StateFailed,
	},
	StateNormalizing: {
		EvDocsNormalized:   StateExtracting,
		EvAllFetchesFailed: StateFailed,
	},
	StateExtracting: {
		EvRecordsProposed: StateValidating,
		EvNoFieldsFilled:  StateFailed,
	},
	StateValidating: {
		EvRecordsValidated: StateStoring,
		EvNoFieldsFilled:   StateFailed,
	},
	StateStoring: {
		EvAllFieldsFilled:  StateSucceeded,
		EvSomeFieldsFilled: StatePartial,
		EvNoFieldsFilled:   StateFailed,
	},
}

// Transition is the pure state-transition function for pipeline runs.
// Illegal transitions (including any transition out of a terminal state)
// return an error and leave the caller's state untouched.
func Transition(s RunState, ev Event) (RunState, error) {
	if s.Terminal() {
		return s, fmt.Errorf("run already terminal in state %q", s)
	}
	next, ok := transitions[s][ev]
	if !ok {
		return s, fmt.Errorf("illegal transition: %q on %q", ev, s)
	}
	return next, nil
}
