package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mschirtzinger/studytrack/internal/store"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

const legacyBlob = `[
  {"id": 1, "title": "Basic Sciences", "subjects": [
    {"id": 10, "title": "Anatomy", "topics": [
      {"id": 1, "title": "Upper Limb", "status": "finished", "note": "done twice"},
      {"id": 2.0, "title": "Lower Limb"},
      {"id": "3", "title": "Thorax", "status": "review1", "color": "red",
       "images": [{"id": 5, "caption": "diagram", "createdAt": 1700000000000}]}
    ]}
  ]}
]`

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func newTestMigrator(db *store.DB, now time.Time) *Migrator {
	m := New(db, log.New(io.Discard, "", 0))
	m.Now = func() time.Time { return now }
	return m
}

func topicStates(t *testing.T, db *store.DB) map[string]types.TopicState {
	t.Helper()
	recs, err := db.All(context.Background(), types.CollectionTopics)
	if err != nil {
		t.Fatalf("failed to read topics: %v", err)
	}
	out := make(map[string]types.TopicState, len(recs))
	for _, rec := range recs {
		var st types.TopicState
		if err := json.Unmarshal(rec.Data, &st); err != nil {
			t.Fatalf("failed to decode topic %s: %v", rec.ID, err)
		}
		out[st.ID] = st
	}
	return out
}

func TestParseLegacy(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	states, err := ParseLegacy([]byte(legacyBlob), now)
	if err != nil {
		t.Fatalf("ParseLegacy failed: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 states, got %d", len(states))
	}

	if states[0].ID != "1" || states[0].Status != types.StatusFinished || states[0].Note != "done twice" {
		t.Errorf("unexpected first state: %+v", states[0])
	}
	if states[1].ID != "2" || states[1].Status != types.StatusNotStarted {
		t.Errorf("numeric id 2.0 not normalized or status not defaulted: %+v", states[1])
	}
	if states[1].Images == nil || len(states[1].Images) != 0 {
		t.Errorf("images should default to empty, got %v", states[1].Images)
	}
	if !states[1].LastUpdated.Equal(now) {
		t.Errorf("lastUpdated = %v, want %v", states[1].LastUpdated, now)
	}
	if _, ok := states[0].Extra["title"]; ok {
		t.Error("static title carried into state")
	}
	if string(states[2].Extra["color"]) != `"red"` {
		t.Errorf("unknown field lost: %v", states[2].Extra)
	}
	if len(states[2].Images) != 1 || states[2].Images[0].ID != "5" || states[2].Images[0].Caption != "diagram" {
		t.Errorf("images not migrated: %+v", states[2].Images)
	}
}

func TestParseLegacy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"not json", `{invalid`},
		{"object", `{"groups": []}`},
		{"topic without id", `[{"subjects":[{"topics":[{"title":"x"}]}]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseLegacy([]byte(tt.blob), time.Now()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMigrate_NoBlob(t *testing.T) {
	db := setupTestDB(t)
	result, err := newTestMigrator(db, time.Now()).Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if !result.Skipped || result.TopicsMigrated != 0 {
		t.Errorf("expected skipped no-op, got %+v", result)
	}
	if n, _ := db.Count(context.Background(), types.CollectionTopics); n != 0 {
		t.Errorf("no-op migration wrote %d topics", n)
	}
}

func TestMigrate_ArchivesBlob(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := db.SetValue(ctx, LegacyKey, legacyBlob); err != nil {
		t.Fatal(err)
	}

	m := newTestMigrator(db, now)
	result, err := m.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if result.TopicsMigrated != 3 || len(result.Topics) != 3 {
		t.Errorf("expected 3 topics migrated, got %+v", result)
	}

	if _, err := db.GetValue(ctx, LegacyKey); !errors.Is(err, store.ErrNotFound) {
		t.Error("legacy slot should be empty after migration")
	}
	archived, err := db.GetValue(ctx, result.ArchivedKey)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if archived != legacyBlob {
		t.Error("archived blob differs from original")
	}
	if !strings.HasPrefix(result.ArchivedKey, ArchivePrefix) {
		t.Errorf("archive key %q lacks prefix", result.ArchivedKey)
	}
	archives, err := m.Archives(ctx)
	if err != nil || len(archives) != 1 {
		t.Errorf("Archives() = %v, %v", archives, err)
	}

	// Next start sees no blob.
	again, err := m.Migrate(ctx)
	if err != nil || !again.Skipped {
		t.Errorf("second run should be a no-op, got %+v, %v", again, err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestMigrator(db, now)

	if err := db.SetValue(ctx, LegacyKey, legacyBlob); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	first := topicStates(t, db)

	// Restore the same blob, as if the archive step had been lost.
	if err := db.SetValue(ctx, LegacyKey, legacyBlob); err != nil {
		t.Fatal(err)
	}
	m.Now = func() time.Time { return now.Add(time.Second) }
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	second := topicStates(t, db)

	if len(first) != len(second) {
		t.Fatalf("topic count changed: %d -> %d", len(first), len(second))
	}
	for id, a := range first {
		b := second[id]
		if a.Status != b.Status || a.Note != b.Note || len(a.Images) != len(b.Images) {
			t.Errorf("topic %s changed: %+v -> %+v", id, a, b)
		}
	}
}

func TestMigrate_ParseFailureKeepsBlob(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.SetValue(ctx, LegacyKey, `{not a blob`); err != nil {
		t.Fatal(err)
	}

	result, err := newTestMigrator(db, time.Now()).Migrate(ctx)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if result == nil || len(result.Errors) != 1 {
		t.Errorf("expected error in result, got %+v", result)
	}
	if v, err := db.GetValue(ctx, LegacyKey); err != nil || v != `{not a blob` {
		t.Error("blob must stay in its slot after a failed migration")
	}
	if n, _ := db.Count(ctx, types.CollectionTopics); n != 0 {
		t.Errorf("failed migration wrote %d topics", n)
	}
}

func TestMigrate_CanceledLeavesBlob(t *testing.T) {
	db := setupTestDB(t)
	if err := db.SetValue(context.Background(), LegacyKey, legacyBlob); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestMigrator(db, time.Now()).Migrate(ctx); err == nil {
		t.Fatal("expected error from canceled context")
	}

	bg := context.Background()
	if _, err := db.GetValue(bg, LegacyKey); err != nil {
		t.Errorf("blob should remain after cancellation: %v", err)
	}
	if keys, _ := db.KeysWithPrefix(bg, ArchivePrefix); len(keys) != 0 {
		t.Errorf("unexpected archive after cancellation: %v", keys)
	}
}

func TestLoadLegacyFile(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "study.json")
	if err := os.WriteFile(path, []byte(legacyBlob), 0600); err != nil {
		t.Fatal(err)
	}

	result, err := LoadLegacyFile(ctx, db, LoadOptions{From: path, Backup: true})
	if err != nil {
		t.Fatalf("LoadLegacyFile failed: %v", err)
	}
	if result.Topics != 3 {
		t.Errorf("Topics = %d, want 3", result.Topics)
	}
	if _, err := os.Stat(result.BackupCreated); err != nil {
		t.Errorf("backup not created: %v", err)
	}
	if v, err := db.GetValue(ctx, LegacyKey); err != nil || v != legacyBlob {
		t.Error("blob not placed in legacy slot")
	}
}

func TestLoadLegacyFile_DryRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "study.json")
	if err := os.WriteFile(path, []byte(legacyBlob), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadLegacyFile(ctx, db, LoadOptions{From: path, DryRun: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetValue(ctx, LegacyKey); !errors.Is(err, store.ErrNotFound) {
		t.Error("dry run wrote the legacy slot")
	}
}

func TestLoadLegacyFile_Invalid(t *testing.T) {
	db := setupTestDB(t)
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"foo":1}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLegacyFile(context.Background(), db, LoadOptions{From: path}); err == nil {
		t.Error("expected error for invalid legacy file")
	}
	if _, err := LoadLegacyFile(context.Background(), db, LoadOptions{From: "/nonexistent.json"}); err == nil {
		t.Error("expected error for missing file")
	}
}
