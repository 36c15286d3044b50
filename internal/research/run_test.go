package research

import (
	"testing"
	"time"
)

func TestTransitionHappyPath(t *testing.T) {
	steps := []struct {
		ev   Event
		want RunState
	}{
		{EvCandidatesFound, StateFetching},
		{EvDocumentsFetched, StateNormalizing},
		{EvDocsNormalized, StateExtracting},
		{EvRecordsProposed, StateValidating},
		{EvRecordsValidated, StateStoring},
		{EvAllFieldsFilled, StateSucceeded},
	}
	s := StateDiscovering
	for _, step := range steps {
		next, err := Transition(s, step.ev)
		if err != nil {
			t.Fatalf("transition %q on %q: %v", step.ev, s, err)
		}
		if next != step.want {
			t.Fatalf("transition %q on %q = %q, want %q", step.ev, s, next, step.want)
		}
		s = next
	}
	if !s.Terminal() {
		t.Fatalf("expected terminal state, got %q", s)
	}
}

func TestTransitionIllegal(t *testing.T) {
	if _, err := Transition(StateDiscovering, EvRecordsValidated); err == nil {
		t.Fatal("expected error for illegal transition")
	}
}

func TestTransitionOutOfTerminal(t *testing.T) {
	for _, s := range []RunState{StateSucceeded, StatePartial, StateFailed} {
		if _, err := Transition(s, EvCandidatesFound); err == nil {
			t.Fatalf("expected error transitioning out of terminal state %q", s)
		}
	}
}

func TestBestPrefersConfidence(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	low := ExtractionRecord{ID: "a", Confidence: 0.6, FetchedAt: newer, SourceRank: 0}
	high := ExtractionRecord{ID: "b", Confidence: 0.9, FetchedAt: older, SourceRank: 5}

	if got := Best(low, high); got.ID != "b" {
		t.Fatalf("Best picked %q, want higher-confidence record", got.ID)
	}
	if got := Best(high, low); got.ID != "b" {
		t.Fatalf("Best is order-dependent: picked %q", got.ID)
	}
}

func TestBestTieBreaks(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	a := ExtractionRecord{ID: "a", Confidence: 0.8, FetchedAt: older, SourceRank: 0}
	b := ExtractionRecord{ID: "b", Confidence: 0.8, FetchedAt: newer, SourceRank: 3}
	if got := Best(a, b); got.ID != "b" {
		t.Fatalf("equal confidence should prefer later fetch, got %q", got.ID)
	}

	c := ExtractionRecord{ID: "c", Confidence: 0.8, FetchedAt: newer, SourceRank: 1}
	d := ExtractionRecord{ID: "d", Confidence: 0.8, FetchedAt: newer, SourceRank: 2}
	if got := Best(d, c); got.ID != "c" {
		t.Fatalf("full tie should prefer lower source rank, got %q", got.ID)
	}
}

func TestBestPerField(t *testing.T) {
	now := time.Now().UTC()
	records := []ExtractionRecord{
		{ID: "1", Field: "region", Value: "Bordeaux", Confidence: 0.6, FetchedAt: now},
		{ID: "2", Field: "region", Value: "Burgundy", Confidence: 0.9, FetchedAt: now},
		{ID: "3", Field: "vintage", Value: "2015", Confidence: 0.7, FetchedAt: now},
	}
	best := BestPerField(records)
	if len(best) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(best))
	}
	if best["region"].ID != "2" {
		t.Fatalf("region winner = %q, want record 2", best["region"].ID)
	}
	if best["vintage"].ID != "3" {
		t.Fatalf("vintage winner = %q, want record 3", best["vintage"].ID)
	}
}
