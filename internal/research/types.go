package research

import (
	"time"
)

// Subject is the entity being researched. It is immutable once a pipeline
// run starts; disambiguating attributes (e.g. vintage, country) ride along
// as free-form key/values.
type Subject struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SourceCandidate is a URL believed to contain information about a Subject.
type SourceCandidate struct {
	URL          string    `json:"url"`
	Provider     string    `json:"provider"`
	Rank         int       `json:"rank"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// FetchMethod records which fetch path produced a document.
type FetchMethod string

const (
	MethodLightweight FetchMethod = "lightweight"
	MethodBrowser     FetchMethod = "browser"
)

// FetchedDocument is the raw result of fetching one candidate. It is
// transient: never persisted beyond the pipeline run.
type FetchedDocument struct {
	SourceURL   string
	Body        []byte
	ContentType string
	Method      FetchMethod
	FetchedAt   time.Time
	Status      int
}

// NormalizedDocument is clean, LLM-consumable text derived from a
// FetchedDocument. Discarded after extraction.
type NormalizedDocument struct {
	SourceURL string
	Text      string
	Hints     []string
}

// ExtractionRecord is the durable unit of knowledge: a single (field, value)
// fact with provenance and confidence. Every record traces to exactly one
// source URL and one subject.
type ExtractionRecord struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	Field       string    `json:"field"`
	Value       string    `json:"value"`
	Confidence  float64   `json:"confidence"`
	SourceURL   string    `json:"source_url"`
	SourceRank  int       `json:"source_rank"`
	FetchedAt   time.Time `json:"fetched_at"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// EmbeddingEntry is the semantic vector for one ExtractionRecord.
type EmbeddingEntry struct {
	RecordID  string
	Vector    []float32
	Namespace string
}

// PipelineRun tracks one end-to-end attempt to fill requested fields for a
// subject. A run is never mutated after reaching a terminal state.
type PipelineRun struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subject_id"`
	Fields      []string   `json:"fields"`
	State       RunState   `json:"state"`
	Attempts    int        `json:"attempts"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Best returns the winner between two records for the same subject+field.
// Higher confidence wins; ties break by source recency (latest fetched_at),
// then by discovery rank (lower is better).
func Best(a, b ExtractionRecord) ExtractionRecord {
	if b.Confidence != a.Confidence {
		if b.Confidence > a.Confidence {
			return b
		}
		return a
	}
	if !b.FetchedAt.Equal(a.FetchedAt) {
		if b.FetchedAt.After(a.FetchedAt) {
			return b
		}
		return a
	}
	if b.SourceRank < a.SourceRank {
		return b
	}
	return a
}

// BestPerField reduces a record set to the winning record for each field.
func BestPerField(records []ExtractionRecord) map[string]ExtractionRecord {
	best := make(map[string]ExtractionRecord, len(records))
	for _, rec := range records {
		if cur, ok := best[rec.Field]; ok {
			best[rec.Field] = Best(cur, rec)
		} else {
			best[rec.Field] = rec
		}
	}
	return best
}
