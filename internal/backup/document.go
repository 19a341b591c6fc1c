// Package backup exports every backup collection into one versioned JSON
// document and restores such documents, or the oldest bare-array export,
// back into the Record Store.
//
// Document format:
//
//	{
//	  "metadata": {"version": "2.0", "appName": "...", "exportedAt": "..."},
//	  "data": {"topics": [...], "articles": [...], ...}
//	}
//
// The legacy format is a bare array of topic objects and is read as
// {"topics": <array>}.
package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Version is stamped into every exported document.
const Version = "2.0"

// ErrUnrecognizedFormat is returned by Parse when the input is neither a
// versioned document nor a legacy topic array.
var ErrUnrecognizedFormat = errors.New("unrecognized backup format")

// Metadata describes an export.
type Metadata struct {
	Version    string    `json:"version"`
	AppName    string    `json:"appName,omitempty"`
	ExportedAt time.Time `json:"exportedAt"`
}

// Collection is one named entity list. Entities keep document order.
type Collection struct {
	Name     string
	Entities []json.RawMessage
}

// Document is a parsed or produced backup. Collections keep the order of
// the data object's keys.
type Document struct {
	Metadata    Metadata
	Collections []Collection

	// Legacy is set when the document was read from a bare topic array.
	Legacy bool

	// Ignored lists data keys whose value was not an array.
	Ignored []string
}

// Collection returns the entities for name.
func (d *Document) Collection(name string) ([]json.RawMessage, bool) {
	for _, c := range d.Collections {
		if c.Name == name {
			return c.Entities, true
		}
	}
	return nil, false
}

// MarshalJSON writes the versioned format with data keys in collection
// order.
func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	buf.WriteString(`{"metadata":`)
	buf.Write(meta)
	buf.WriteString(`,"data":{`)
	for i, c := range d.Collections {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(c.Name)
		buf.Write(name)
		buf.WriteByte(':')
		entities := c.Entities
		if entities == nil {
			entities = []json.RawMessage{}
		}
		list, err := json.Marshal(entities)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", c.Name, err)
		}
		buf.Write(list)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

// WriteTo writes the document as indented JSON.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return 0, fmt.Errorf("failed to indent document: %w", err)
	}
	buf.WriteByte('\n')
	return buf.WriteTo(w)
}

// WriteFile writes the document to path atomically via a temp file.
func (d *Document) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	var buf bytes.Buffer
	if _, err := d.WriteTo(&buf); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Parse reads a backup. A versioned object with a "data" object is tried
// first, then a bare array; anything else fails with ErrUnrecognizedFormat.
// Parse performs no writes.
func Parse(r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnrecognizedFormat)
	}

	switch raw[0] {
	case '{':
		return parseVersioned(raw)
	case '[':
		return parseLegacy(raw)
	default:
		return nil, fmt.Errorf("%w: top-level value is neither an object nor an array", ErrUnrecognizedFormat)
	}
}

func parseLegacy(raw []byte) (*Document, error) {
	var entities []json.RawMessage
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}
	return &Document{
		Collections: []Collection{{Name: "topics", Entities: entities}},
		Legacy:      true,
	}, nil
}

func parseVersioned(raw []byte) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}

	data, ok := top["data"]
	data = bytes.TrimSpace(data)
	if !ok || len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: missing data object", ErrUnrecognizedFormat)
	}

	doc := &Document{}
	if meta, ok := top["metadata"]; ok {
		if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("%w: invalid metadata: %v", ErrUnrecognizedFormat, err)
		}
	}

	if err := decodeOrderedData(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}
	return doc, nil
}

// decodeOrderedData walks the data object token by token so collections
// keep their document order.
func decodeOrderedData(data []byte, doc *Document) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
		value = bytes.TrimSpace(value)
		if len(value) == 0 || value[0] != '[' {
			doc.Ignored = append(doc.Ignored, name)
			continue
		}

		var entities []json.RawMessage
		if err := json.Unmarshal(value, &entities); err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
		doc.Collections = append(doc.Collections, Collection{Name: name, Entities: entities})
	}
	return nil
}
