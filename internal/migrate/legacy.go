// Package migrate moves progress out of the legacy single-blob format into
// per-topic records.
//
// The legacy blob is one JSON document stored in the Record Store key/value
// table under LegacyKey: an array of groups with progress fields inline on
// every topic. Migration writes one TopicState per topic and archives the
// blob under a timestamped key in the same transaction, so a later start
// sees no blob and does nothing.
package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Mschirtzinger/studytrack/internal/store"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

const (
	// LegacyKey is the key/value slot holding the legacy blob.
	LegacyKey = "legacy.studyData"

	// ArchivePrefix prefixes the keys migrated blobs are archived under.
	ArchivePrefix = LegacyKey + ".migrated."

	archiveTimeFormat = "20060102T150405.000000000Z"
)

// legacyGroup is the top-level element of the legacy blob.
type legacyGroup struct {
	ID       any             `json:"id"`
	Title    string          `json:"title"`
	Subjects []legacySubject `json:"subjects"`
}

type legacySubject struct {
	ID     any               `json:"id"`
	Title  string            `json:"title"`
	Topics []json.RawMessage `json:"topics"`
}

// staticTopicFields come from the curriculum and are not progress.
var staticTopicFields = map[string]bool{
	"title": true,
}

// Result contains statistics about a migration run.
type Result struct {
	Skipped        bool // no legacy blob present
	TopicsMigrated int
	ArchivedKey    string
	Topics         []types.Record // records written, for pushing upstream
	Errors         []string
}

// Migrator converts the legacy blob into topic records.
type Migrator struct {
	db     *store.DB
	logger *log.Logger

	// Now stamps lastUpdated for topics that carry none. Defaults to
	// time.Now.
	Now func() time.Time
}

// New creates a Migrator for the given store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, logger *log.Logger) *Migrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Migrator{
		db:     db,
		logger: logger,
		Now:    time.Now,
	}
}

// ParseLegacy flattens a legacy blob into topic states in blob order.
// Status defaults to not-started and images to an empty list.
func ParseLegacy(data []byte, now time.Time) ([]types.TopicState, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var groups []legacyGroup
	if err := dec.Decode(&groups); err != nil {
		return nil, fmt.Errorf("invalid legacy blob: %w", err)
	}

	var states []types.TopicState
	for gi, g := range groups {
		for si, s := range g.Subjects {
			for ti, raw := range s.Topics {
				state, err := legacyTopicState(raw, now)
				if err != nil {
					return nil, fmt.Errorf("group %d subject %d topic %d: %w", gi, si, ti, err)
				}
				states = append(states, state)
			}
		}
	}
	return states, nil
}

func legacyTopicState(raw json.RawMessage, now time.Time) (types.TopicState, error) {
	var state types.TopicState
	if err := json.Unmarshal(raw, &state); err != nil {
		return types.TopicState{}, err
	}
	for k := range state.Extra {
		if staticTopicFields[k] {
			delete(state.Extra, k)
		}
	}
	if len(state.Extra) == 0 {
		state.Extra = nil
	}
	state.SetDefaults()
	if state.LastUpdated.IsZero() {
		state.LastUpdated = now.UTC()
	}
	return state, nil
}

// Migrate performs the legacy blob migration.
//
// When no blob is present the run is a no-op with Result.Skipped set. A
// parse or write failure leaves the blob in its slot and is returned as an
// error, so the migration is retried on the next start. Topic upserts, the
// archive write, and the slot removal commit together.
func (m *Migrator) Migrate(ctx context.Context) (*Result, error) {
	result := &Result{}

	blob, err := m.db.GetValue(ctx, LegacyKey)
	if errors.Is(err, store.ErrNotFound) {
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy blob: %w", err)
	}

	now := m.Now()
	states, err := ParseLegacy([]byte(blob), now)
	if err != nil {
		m.logger.Printf("WARNING: Legacy blob left in place: %v", err)
		result.Errors = append(result.Errors, err.Error())
		return result, fmt.Errorf("failed to parse legacy blob: %w", err)
	}

	recs := make([]types.Record, 0, len(states))
	for _, st := range states {
		rec, err := types.NewRecord(types.CollectionTopics, st)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result, fmt.Errorf("failed to convert topic %s: %w", st.ID, err)
		}
		recs = append(recs, rec)
	}

	archiveKey := ArchivePrefix + now.UTC().Format(archiveTimeFormat)
	err = m.db.WithTx(ctx, func(tx *store.Tx) error {
		for _, rec := range recs {
			if err := tx.Put(ctx, rec); err != nil {
				return err
			}
		}
		if err := tx.SetValue(ctx, archiveKey, blob); err != nil {
			return err
		}
		return tx.DeleteValue(ctx, LegacyKey)
	})
	if err != nil {
		m.logger.Printf("WARNING: Legacy migration rolled back: %v", err)
		result.Errors = append(result.Errors, err.Error())
		return result, fmt.Errorf("failed to write migrated topics: %w", err)
	}

	result.TopicsMigrated = len(recs)
	result.ArchivedKey = archiveKey
	result.Topics = recs
	m.logger.Printf("Migrated %d topics from legacy blob (archived as %s)", len(recs), archiveKey)
	return result, nil
}

// Archives lists the keys of previously migrated blobs, oldest first.
func (m *Migrator) Archives(ctx context.Context) ([]string, error) {
	return m.db.KeysWithPrefix(ctx, ArchivePrefix)
}
