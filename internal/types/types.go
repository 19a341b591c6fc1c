// Package types defines the data shared by the record store, the cloud
// store, and the reconciliation engine.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Status is the study progress of a single topic.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusStudying   Status = "studying"
	StatusFinished   Status = "finished"
	StatusReview1    Status = "review1"
	StatusReview2    Status = "review2"
	StatusQuestions  Status = "questions"
)

// statusCycle is the advance order; the last entry wraps to the first.
var statusCycle = []Status{
	StatusNotStarted,
	StatusStudying,
	StatusFinished,
	StatusReview1,
	StatusReview2,
	StatusQuestions,
}

// Statuses returns every status in cycle order.
func Statuses() []Status {
	out := make([]Status, len(statusCycle))
	copy(out, statusCycle)
	return out
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	for _, known := range statusCycle {
		if s == known {
			return true
		}
	}
	return false
}

// Normalize maps empty or unknown values to StatusNotStarted.
func (s Status) Normalize() Status {
	if s.IsValid() {
		return s
	}
	return StatusNotStarted
}

// Next returns the status that follows s in the study cycle.
func (s Status) Next() Status {
	cur := s.Normalize()
	for i, known := range statusCycle {
		if known == cur {
			return statusCycle[(i+1)%len(statusCycle)]
		}
	}
	return StatusStudying
}

// ParseStatus validates user supplied status text.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown status %q (want one of %v)", v, statusCycle)
	}
	return s, nil
}

// NormalizeID converts an entity id that may arrive as a JSON number or a
// string into its canonical string form. Integral numbers lose any
// fractional zero ("1.0" -> "1").
func NormalizeID(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", fmt.Errorf("id is required")
	case string:
		s := strings.TrimSpace(id)
		if s == "" {
			return "", fmt.Errorf("id is required")
		}
		return s, nil
	case json.Number:
		return normalizeNumber(string(id))
	case float64:
		return formatFloat(id), nil
	case float32:
		return formatFloat(float64(id)), nil
	case int:
		return strconv.Itoa(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case int32:
		return strconv.FormatInt(int64(id), 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", v)
	}
}

func normalizeNumber(s string) (string, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("invalid numeric id %q: %w", s, err)
	}
	return formatFloat(f), nil
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ExtractID reads and normalizes the "id" field of a JSON object.
func ExtractID(raw json.RawMessage) (string, error) {
	var probe struct {
		ID any `json:"id"`
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&probe); err != nil {
		return "", fmt.Errorf("entity is not a JSON object: %w", err)
	}
	return NormalizeID(probe.ID)
}

// Record is one entity of a collection as stored locally and remotely.
// Data is always a JSON object whose "id" equals ID.
type Record struct {
	Collection string          `json:"collection,omitempty"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Validate checks if the Record has valid field values.
func (r *Record) Validate() error {
	if r.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	if !json.Valid(r.Data) || strings.TrimSpace(string(r.Data))[0] != '{' {
		return fmt.Errorf("data for %s/%s must be a JSON object", r.Collection, r.ID)
	}
	return nil
}

// NewRecord builds a record from an entity value. The entity's "id" field
// is rewritten to the canonical id so that data and key never disagree.
func NewRecord(collection string, entity any) (Record, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s entity: %w", collection, err)
	}
	return RecordFromJSON(collection, raw)
}

// RecordFromJSON builds a record from a raw JSON entity.
func RecordFromJSON(collection string, raw json.RawMessage) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("%s entity is not a JSON object: %w", collection, err)
	}
	id, err := ExtractID(raw)
	if err != nil {
		return Record{}, fmt.Errorf("invalid %s entity: %w", collection, err)
	}
	idJSON, _ := json.Marshal(id)
	fields["id"] = idJSON
	data, err := json.Marshal(fields)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s entity: %w", collection, err)
	}
	return Record{
		Collection: collection,
		ID:         id,
		Data:       data,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}
