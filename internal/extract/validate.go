package extract

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/winefact/winefact/internal/research"
)

// Known fact fields for wine subjects and their value policies.
const (
	FieldName         = "name"
	FieldRegion       = "region"
	FieldOrigin       = "origin"
	FieldProducer     = "producer"
	FieldVintage      = "vintage"
	FieldGrapeVariety = "grape_variety"
	FieldWineType     = "wine_type"
	FieldWineStyle    = "wine_style"
	FieldAveragePrice = "average_price"
	FieldImage        = "image"
	FieldDescription  = "description"
)

var knownFields = map[string]bool{
	FieldName:         true,
	FieldRegion:       true,
	FieldOrigin:       true,
	FieldProducer:     true,
	FieldVintage:      true,
	FieldGrapeVariety: true,
	FieldWineType:     true,
	FieldWineStyle:    true,
	FieldAveragePrice: true,
	FieldImage:        true,
	FieldDescription:  true,
}

// KnownFields returns the field schema in a stable order.
func KnownFields() []string {
	return []string{
		FieldName, FieldRegion, FieldOrigin, FieldProducer, FieldVintage,
		FieldGrapeVariety, FieldWineType, FieldWineStyle, FieldAveragePrice,
		FieldImage, FieldDescription,
	}
}

// maxValueLen keeps free-text fields bounded; anything longer is extraction
// noise, not a fact.
const maxValueLen = 2000

// Validator enforces the field schema and per-field range policy. It
// implements research.Validator. Rejection is final: a record that fails
// here is discarded, never repaired.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) Validate(rec research.ExtractionRecord) error {
	if !knownFields[rec.Field] {
		return fmt.Errorf("unknown field %q", rec.Field)
	}
	if strings.TrimSpace(rec.Value) == "" {
		return fmt.Errorf("empty value")
	}
	if len(rec.Value) > maxValueLen {
		return fmt.Errorf("value exceeds %d bytes", maxValueLen)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", rec.Confidence)
	}
	if rec.SourceURL == "" {
		return fmt.Errorf("missing source URL")
	}

	switch rec.Field {
	case FieldVintage:
		year, err := strconv.Atoi(strings.TrimSpace(rec.Value))
		if err != nil {
			return fmt.Errorf("vintage %q is not a year", rec.Value)
		}
		if year < 1900 || year > time.Now().Year()+1 {
			return fmt.Errorf("vintage %d out of plausible range", year)
		}
	case FieldAveragePrice:
		price, err := strconv.ParseFloat(strings.TrimLeft(strings.TrimSpace(rec.Value), "$€£"), 64)
		if err != nil {
			return fmt.Errorf("price %q is not numeric", rec.Value)
		}
		if price <= 0 {
			return fmt.Errorf("price must be positive, got %v", price)
		}
	case FieldImage:
		u, err := url.Parse(rec.Value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("image %q is not an http(s) URL", rec.Value)
		}
	}
	return nil
}
