package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MediaAttachment is an image attached to a topic. Either Data (inline
// payload) or URL (external reference) is set.
type MediaAttachment struct {
	ID          string    `json:"id"`
	Data        []byte    `json:"data,omitempty"`
	URL         string    `json:"url,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UnmarshalJSON accepts numeric ids and epoch-millisecond timestamps as
// written by older clients.
func (m *MediaAttachment) UnmarshalJSON(data []byte) error {
	var p struct {
		ID          any             `json:"id"`
		Data        []byte          `json:"data"`
		URL         string          `json:"url"`
		ContentType string          `json:"contentType"`
		Caption     string          `json:"caption"`
		CreatedAt   json.RawMessage `json:"createdAt"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	id, err := NormalizeID(p.ID)
	if err != nil {
		return fmt.Errorf("invalid image: %w", err)
	}
	*m = MediaAttachment{
		ID:          id,
		Data:        p.Data,
		URL:         p.URL,
		ContentType: p.ContentType,
		Caption:     p.Caption,
		CreatedAt:   parseTimestamp(p.CreatedAt),
	}
	return nil
}

// TopicState is the mutable progress record of one topic, stored in the
// topics collection. Fields this type does not know about are kept in
// Extra and written back unchanged.
type TopicState struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Note        string            `json:"note,omitempty"`
	Images      []MediaAttachment `json:"images"`
	LastUpdated time.Time         `json:"lastUpdated"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownTopicFields are the JSON keys decoded into typed TopicState fields.
var knownTopicFields = map[string]bool{
	"id":          true,
	"status":      true,
	"note":        true,
	"images":      true,
	"lastUpdated": true,
}

// NewTopicState returns the default state for a topic: not started, no
// images.
func NewTopicState(id string, now time.Time) TopicState {
	return TopicState{
		ID:          id,
		Status:      StatusNotStarted,
		Images:      []MediaAttachment{},
		LastUpdated: now.UTC(),
	}
}

// SetDefaults applies default values for omitted fields.
func (t *TopicState) SetDefaults() {
	t.Status = t.Status.Normalize()
	if t.Images == nil {
		t.Images = []MediaAttachment{}
	}
}

// UnmarshalJSON decodes the typed fields, normalizes the id, and keeps
// every other key in Extra.
func (t *TopicState) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	type plain struct {
		Status      Status            `json:"status"`
		Note        string            `json:"note"`
		Images      []MediaAttachment `json:"images"`
		LastUpdated json.RawMessage   `json:"lastUpdated"`
	}
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	id, err := ExtractID(data)
	if err != nil {
		return fmt.Errorf("invalid topic state: %w", err)
	}

	t.ID = id
	t.Status = p.Status
	t.Note = p.Note
	t.Images = p.Images
	t.LastUpdated = parseTimestamp(p.LastUpdated)
	t.Extra = nil
	for k, v := range fields {
		if knownTopicFields[k] {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]json.RawMessage)
		}
		t.Extra[k] = v
	}
	return nil
}

// MarshalJSON writes the typed fields plus Extra. Keys are sorted so the
// output is stable.
func (t TopicState) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(t.Extra)+5)
	for k, v := range t.Extra {
		if !knownTopicFields[k] {
			fields[k] = v
		}
	}

	images := t.Images
	if images == nil {
		images = []MediaAttachment{}
	}
	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		fields[key] = b
		return nil
	}
	if err := set("id", t.ID); err != nil {
		return nil, err
	}
	if err := set("status", t.Status.Normalize()); err != nil {
		return nil, err
	}
	if t.Note != "" {
		if err := set("note", t.Note); err != nil {
			return nil, err
		}
	}
	if err := set("images", images); err != nil {
		return nil, err
	}
	if err := set("lastUpdated", t.LastUpdated.UTC()); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FindImage returns the index of the attachment with the given id, or -1.
func (t *TopicState) FindImage(imageID string) int {
	for i, img := range t.Images {
		if img.ID == imageID {
			return i
		}
	}
	return -1
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds, the two
// shapes legacy data uses. Anything else yields the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC()
		}
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}
