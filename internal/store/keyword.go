package store

import (
	"github.com/blevesearch/bleve"

	"github.com/winefact/winefact/internal/research"
)

// keywordIndex is an in-memory bleve index over record values. It backs
// exact/keyword search and keeps retrieval usable while embeddings are
// degraded or still queued.
type keywordIndex struct {
	idx bleve.Index
}

type keywordDoc struct {
	SubjectID string `json:"subject_id"`
	Field     string `json:"field"`
	Value     string `json:"value"`
}

func newKeywordIndex() (*keywordIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &keywordIndex{idx: idx}, nil
}

func (k *keywordIndex) Index(rec research.ExtractionRecord) error {
	return k.idx.Index(rec.ID, keywordDoc{
		SubjectID: rec.SubjectID,
		Field:     rec.Field,
		Value:     rec.Value,
	})
}

// Query returns record IDs matching the query text, best first.
func (k *keywordIndex) Query(q string, limit int) ([]string, error) {
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	res, err := k.idx.Search(req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}
