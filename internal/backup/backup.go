package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/studytrack/internal/types"
)

// Reader reads whole collections. *store.DB satisfies it.
type Reader interface {
	All(ctx context.Context, collection string) ([]types.Record, error)
}

// Writer upserts a batch of records in one transaction. *store.DB
// satisfies it.
type Writer interface {
	PutMany(ctx context.Context, recs []types.Record) error
}

// CollectionError reports the collection an import stopped at. Collections
// before it remain committed.
type CollectionError struct {
	Collection string
	Err        error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("import of %s failed: %v", e.Collection, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

// ImportResult summarises the outcome of an import.
type ImportResult struct {
	Imported map[string]int `json:"imported"`
	Skipped  []string       `json:"skipped,omitempty"`
	Legacy   bool           `json:"legacy"`
	Version  string         `json:"version,omitempty"`
}

// Total returns the number of entities written.
func (r *ImportResult) Total() int {
	n := 0
	for _, c := range r.Imported {
		n += c
	}
	return n
}

// Export reads every backup collection concurrently and assembles a
// document. Any read failure aborts the export and no document is
// returned.
func Export(ctx context.Context, r Reader, appName string) (*Document, error) {
	collections := make([]Collection, len(types.BackupCollections))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range types.BackupCollections {
		g.Go(func() error {
			recs, err := r.All(gctx, name)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			entities := make([]json.RawMessage, 0, len(recs))
			for _, rec := range recs {
				entities = append(entities, rec.Data)
			}
			collections[i] = Collection{Name: name, Entities: entities}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("export aborted: %w", err)
	}

	return &Document{
		Metadata: Metadata{
			Version:    Version,
			AppName:    appName,
			ExportedAt: time.Now().UTC(),
		},
		Collections: collections,
	}, nil
}

// Import writes every known collection of doc in document order, one
// transaction per collection, upserting by canonical id. Unknown
// collection names are skipped. On failure the returned result covers the
// collections committed so far and the error is a *CollectionError.
func Import(ctx context.Context, w Writer, doc *Document) (*ImportResult, error) {
	result := &ImportResult{
		Imported: make(map[string]int),
		Legacy:   doc.Legacy,
		Version:  doc.Metadata.Version,
	}
	result.Skipped = append(result.Skipped, doc.Ignored...)

	for _, c := range doc.Collections {
		if !types.IsBackupCollection(c.Name) {
			result.Skipped = append(result.Skipped, c.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, &CollectionError{Collection: c.Name, Err: err}
		}

		recs := make([]types.Record, 0, len(c.Entities))
		for i, entity := range c.Entities {
			rec, err := types.RecordFromJSON(c.Name, entity)
			if err != nil {
				return result, &CollectionError{Collection: c.Name, Err: fmt.Errorf("entity %d: %w", i, err)}
			}
			recs = append(recs, rec)
		}

		if err := w.PutMany(ctx, recs); err != nil {
			return result, &CollectionError{Collection: c.Name, Err: err}
		}
		result.Imported[c.Name] = len(recs)
	}
	return result, nil
}
