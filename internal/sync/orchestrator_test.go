package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/Mschirtzinger/studytrack/internal/cloud"
	"github.com/Mschirtzinger/studytrack/internal/migrate"
	"github.com/Mschirtzinger/studytrack/internal/reconcile"
	"github.com/Mschirtzinger/studytrack/internal/store"
	"github.com/Mschirtzinger/studytrack/internal/taxonomy"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

var quiet = log.New(io.Discard, "", 0)

// fakeCloud is an in-memory cloud.Backend.
type fakeCloud struct {
	mu           gosync.Mutex
	data         map[string][]types.Record
	session      cloud.Session
	sessions     int
	pulls        map[string]int
	pushes       map[string]int
	authErr      error
	pullErr      error
	subscribeErr error
	feeds        map[string]chan cloud.Change
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		data:   make(map[string][]types.Record),
		pulls:  make(map[string]int),
		pushes: make(map[string]int),
		feeds:  make(map[string]chan cloud.Change),
	}
}

func (f *fakeCloud) AnonymousSession(ctx context.Context) (cloud.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authErr != nil {
		return cloud.Session{}, f.authErr
	}
	f.sessions++
	return cloud.Session{UserID: "user-1", Token: "token-1", CreatedAt: time.Now()}, nil
}

func (f *fakeCloud) SetSession(s cloud.Session) {
	f.mu.Lock()
	f.session = s
	f.mu.Unlock()
}

func (f *fakeCloud) Pull(ctx context.Context, collection string) ([]types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls[collection]++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	out := make([]types.Record, len(f.data[collection]))
	copy(out, f.data[collection])
	return out, nil
}

func (f *fakeCloud) Push(ctx context.Context, collection string, recs []types.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes[collection] += len(recs)
	f.data[collection] = append(f.data[collection], recs...)
	return nil
}

func (f *fakeCloud) Subscribe(ctx context.Context, collection string) (<-chan cloud.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	ch := make(chan cloud.Change, 8)
	snapshot := make([]types.Record, len(f.data[collection]))
	copy(snapshot, f.data[collection])
	ch <- cloud.Change{Collection: collection, Records: snapshot, Snapshot: true}
	f.feeds[collection] = ch
	return ch, nil
}

func (f *fakeCloud) feed(collection string) chan cloud.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeds[collection]
}

func (f *fakeCloud) pushCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes[collection]
}

func (f *fakeCloud) pullCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls[collection]
}

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

func testTaxonomy(t *testing.T) *taxonomy.Taxonomy {
	t.Helper()
	tax, err := taxonomy.Parse([]byte(`
groups:
  - id: g
    title: Group
    subjects:
      - id: s
        title: Subject
        topics:
          - {id: "1", title: One}
          - {id: "2", title: Two}
          - {id: "3", title: Three}
`))
	if err != nil {
		t.Fatalf("failed to parse taxonomy: %v", err)
	}
	return tax
}

func newTestOrchestrator(t *testing.T, db *store.DB, backend cloud.Backend) *Orchestrator {
	t.Helper()
	cfg := Config{
		Store:        db,
		Taxonomy:     testTaxonomy(t),
		Timeout:      time.Second,
		PollInterval: 20 * time.Millisecond,
		Logger:       quiet,
		Cloud:        backend,
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func topicRecord(t *testing.T, id string, status types.Status) types.Record {
	t.Helper()
	st := types.NewTopicState(id, time.Now())
	st.Status = status
	rec, err := types.NewRecord(types.CollectionTopics, st)
	if err != nil {
		t.Fatalf("failed to build record: %v", err)
	}
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func topicStatus(view reconcile.MergedTaxonomy, id string) types.Status {
	topic, _ := view.Topic(id)
	return topic.Status
}

func TestNew_RequiresStoreAndTaxonomy(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := New(Config{Store: setupTestDB(t)}); err == nil {
		t.Error("expected error without taxonomy")
	}
}

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseBootstrapping, PhaseCloudPull, true},
		{PhaseBootstrapping, PhaseSeeding, false},
		{PhaseCloudPull, PhaseMigrating, true},
		{PhaseCloudPull, PhaseSeeding, false},
		{PhaseMigrating, PhaseSeeding, true},
		{PhaseMigrating, PhaseReconciled, true},
		{PhaseSeeding, PhaseReconciled, true},
		{PhaseSeeding, PhaseMigrating, false},
		{PhaseReconciled, PhaseIdle, true},
		{PhaseIdle, PhaseCloudPull, true},
		{PhaseIdle, PhaseReconciled, true},
		{PhaseIdle, PhaseSeeding, false},
		{PhaseIdle, PhaseMigrating, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := tt.from.validateTransitionTo(tt.to)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected transition to be rejected")
			}
		})
	}
}

func TestStart_LocalOnlySeedsFreshStore(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOrchestrator(t, db, nil)

	report, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !report.LocalOnly {
		t.Error("expected local-only run")
	}
	if report.Seeded != 3 {
		t.Errorf("expected 3 seeded topics, got %d", report.Seeded)
	}
	if o.Phase() != PhaseIdle {
		t.Errorf("expected Idle, got %v", o.Phase())
	}
	if o.Mode() != ModeLocalOnly {
		t.Errorf("expected local-only mode, got %s", o.Mode())
	}

	view, ok := o.View()
	if !ok {
		t.Fatal("expected a published view")
	}
	for _, topic := range view.Topics() {
		if topic.Status != types.StatusNotStarted || !topic.HasState {
			t.Errorf("topic %s: status=%s hasState=%v", topic.ID, topic.Status, topic.HasState)
		}
	}

	if _, err := o.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStart_SeedsOnlyWhenEmpty(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	if err := db.Put(ctx, topicRecord(t, "2", types.StatusFinished)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	o := newTestOrchestrator(t, db, nil)
	report, err := o.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if report.Seeded != 0 {
		t.Errorf("expected no seeding, got %d", report.Seeded)
	}
	count, _ := db.Count(ctx, types.CollectionTopics)
	if count != 1 {
		t.Errorf("expected store untouched with 1 topic, got %d", count)
	}

	// Topics without state still appear with defaults.
	view, _ := o.View()
	if len(view.Topics()) != 3 {
		t.Errorf("expected 3 merged topics, got %d", len(view.Topics()))
	}
	if got := topicStatus(view, "2"); got != types.StatusFinished {
		t.Errorf("topic 2: expected finished, got %s", got)
	}
}

func TestStart_OrphanTopicBlocksSeeding(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	if err := db.Put(ctx, topicRecord(t, "orphan-42", types.StatusFinished)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	o := newTestOrchestrator(t, db, nil)
	report, err := o.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if report.Seeded != 0 {
		t.Errorf("expected no seeding, got %d", report.Seeded)
	}
	count, _ := db.Count(ctx, types.CollectionTopics)
	if count != 1 {
		t.Errorf("expected store untouched with 1 topic, got %d", count)
	}

	view, _ := o.View()
	if len(view.Topics()) != 3 {
		t.Errorf("expected 3 merged topics, got %d", len(view.Topics()))
	}
	if _, ok := view.Topic("orphan-42"); ok {
		t.Error("orphan topic should not appear in the merged view")
	}
}

func TestStart_PullsBeforeSeeding(t *testing.T) {
	db := setupTestDB(t)
	fc := newFakeCloud()
	fc.data[types.CollectionTopics] = []types.Record{topicRecord(t, "1", types.StatusReview2)}

	o := newTestOrchestrator(t, db, fc)
	report, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if report.Seeded != 0 {
		t.Errorf("cloud topics should suppress seeding, seeded %d", report.Seeded)
	}
	if report.Pulled[types.CollectionTopics] != 1 {
		t.Errorf("expected 1 pulled topic, got %d", report.Pulled[types.CollectionTopics])
	}
	if fc.pushCount(types.CollectionTopics) != 0 {
		t.Errorf("expected no pushes, got %d", fc.pushCount(types.CollectionTopics))
	}
	for _, name := range types.SyncedCollections {
		if fc.pullCount(name) != 1 {
			t.Errorf("expected one pull of %s, got %d", name, fc.pullCount(name))
		}
	}

	view, _ := o.View()
	if got := topicStatus(view, "1"); got != types.StatusReview2 {
		t.Errorf("topic 1: expected review2, got %s", got)
	}
}

func TestStart_SeedsAndPushesWhenCloudEmpty(t *testing.T) {
	db := setupTestDB(t)
	fc := newFakeCloud()

	o := newTestOrchestrator(t, db, fc)
	report, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if report.Seeded != 3 {
		t.Errorf("expected 3 seeded, got %d", report.Seeded)
	}
	if fc.pushCount(types.CollectionTopics) != 3 {
		t.Errorf("expected seeds pushed, got %d", fc.pushCount(types.CollectionTopics))
	}
	if report.LocalOnly {
		t.Error("expected cloud run")
	}

	raw, err := db.GetValue(context.Background(), SessionKey)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	var sess cloud.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.UserID != "user-1" {
		t.Errorf("unexpected persisted session %q (%v)", raw, err)
	}
}

func TestStart_ReusesPersistedSession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	data, _ := json.Marshal(cloud.Session{UserID: "existing", Token: "tok"})
	if err := db.SetValue(ctx, SessionKey, string(data)); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	fc := newFakeCloud()
	o := newTestOrchestrator(t, db, fc)
	report, err := o.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !report.SessionReused {
		t.Error("expected persisted session reuse")
	}
	if fc.sessions != 0 {
		t.Errorf("expected no new session, created %d", fc.sessions)
	}
	if fc.session.UserID != "existing" {
		t.Errorf("backend got session %q", fc.session.UserID)
	}
}

func TestStart_AuthFailureRunsLocalOnly(t *testing.T) {
	db := setupTestDB(t)
	fc := newFakeCloud()
	fc.authErr = cloud.ErrNetworkFailure

	o := newTestOrchestrator(t, db, fc)
	report, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !report.LocalOnly || o.CloudEnabled() {
		t.Error("expected local-only after sign-in failure")
	}
	if report.Seeded != 3 {
		t.Errorf("expected local seeding, got %d", report.Seeded)
	}
	if fc.pullCount(types.CollectionTopics) != 0 {
		t.Error("no pull expected without a session")
	}
}

func TestStart_RejectedSessionIsForgotten(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	data, _ := json.Marshal(cloud.Session{UserID: "stale", Token: "tok"})
	if err := db.SetValue(ctx, SessionKey, string(data)); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	fc := newFakeCloud()
	fc.pullErr = &cloud.OpError{Op: "pull", Err: cloud.ErrUnauthorized}

	o := newTestOrchestrator(t, db, fc)
	report, err := o.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !report.LocalOnly {
		t.Error("expected local-only after unauthorized pull")
	}
	if _, err := db.GetValue(ctx, SessionKey); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected session cleared, got %v", err)
	}
	if len(report.PullErrors) != 1 {
		t.Errorf("expected pulling to stop after first rejection, got %v", report.PullErrors)
	}
}

func TestStart_PullFailureStillSeeds(t *testing.T) {
	db := setupTestDB(t)
	fc := newFakeCloud()
	fc.pullErr = cloud.ErrNetworkFailure

	o := newTestOrchestrator(t, db, fc)
	report, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(report.PullErrors) != len(types.SyncedCollections) {
		t.Errorf("expected every pull to fail, got %d", len(report.PullErrors))
	}
	if report.Seeded != 3 {
		t.Errorf("expected seeding, got %d", report.Seeded)
	}
}

func TestStart_MigratesLegacyInsteadOfSeeding(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	blob := `[{"id":"g","subjects":[{"id":"s","topics":[{"id":2,"title":"Two","status":"review1"}]}]}]`
	if err := db.SetValue(ctx, migrate.LegacyKey, blob); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	fc := newFakeCloud()
	o := newTestOrchestrator(t, db, fc)
	report, err := o.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if report.Migration == nil || report.Migration.TopicsMigrated != 1 {
		t.Fatalf("expected one migrated topic, got %+v", report.Migration)
	}
	if report.Seeded != 0 {
		t.Errorf("migration should suppress seeding, seeded %d", report.Seeded)
	}
	if fc.pushCount(types.CollectionTopics) != 1 {
		t.Errorf("expected migrated topic pushed, got %d", fc.pushCount(types.CollectionTopics))
	}

	view, _ := o.View()
	if got := topicStatus(view, "2"); got != types.StatusReview1 {
		t.Errorf("topic 2: expected review1, got %s", got)
	}
	if topic, _ := view.Topic("1"); topic.HasState {
		t.Error("topic 1 should have no stored state")
	}
}

func TestStart_BadLegacyBlobDoesNotBlockStartup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	if err := db.SetValue(ctx, migrate.LegacyKey, "{not json"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	o := newTestOrchestrator(t, db, nil)
	report, err := o.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if report.MigrationErr == nil {
		t.Error("expected migration error in report")
	}
	if _, err := db.GetValue(ctx, migrate.LegacyKey); err != nil {
		t.Errorf("legacy blob should remain: %v", err)
	}
	if report.Seeded != 3 {
		t.Errorf("expected seeding, got %d", report.Seeded)
	}
}

func TestStart_CanceledContext(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOrchestrator(t, db, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	count, _ := db.Count(context.Background(), types.CollectionTopics)
	if count != 0 {
		t.Errorf("expected nothing seeded, got %d", count)
	}
}

// cancelingCloud cancels the startup context during the pull.
type cancelingCloud struct {
	*fakeCloud
	cancel context.CancelFunc
}

func (c *cancelingCloud) Pull(ctx context.Context, collection string) ([]types.Record, error) {
	c.cancel()
	return c.fakeCloud.Pull(ctx, collection)
}

func TestStart_RetryAfterFailedStep(t *testing.T) {
	db := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newTestOrchestrator(t, db, &cancelingCloud{fakeCloud: newFakeCloud(), cancel: cancel})
	if _, err := o.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := o.Phase(); got != PhaseBootstrapping {
		t.Fatalf("expected phase Bootstrapping after failure, got %v", got)
	}

	report, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("retried Start failed: %v", err)
	}
	if report.Seeded != 3 {
		t.Errorf("expected 3 seeded topics, got %d", report.Seeded)
	}
	if got := o.Phase(); got != PhaseIdle {
		t.Errorf("expected phase Idle, got %v", got)
	}
}

func TestRefresh_RequiresStart(t *testing.T) {
	o := newTestOrchestrator(t, setupTestDB(t), nil)
	if _, err := o.Refresh(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := o.Run(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted from Run, got %v", err)
	}
}

func TestSubscribe_ReceivesLatestView(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOrchestrator(t, db, nil)
	ctx := context.Background()

	views, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := db.Put(ctx, topicRecord(t, "3", types.StatusStudying)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := o.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Two publishes, one slot: only the newest remains.
	view := <-views
	if got := topicStatus(view, "3"); got != types.StatusStudying {
		t.Errorf("expected latest view, topic 3 is %s", got)
	}
	select {
	case <-views:
		t.Error("expected stale view to be dropped")
	default:
	}

	late, unsubscribeLate := o.Subscribe()
	defer unsubscribeLate()
	select {
	case <-late:
	default:
		t.Error("late subscriber should get the current view")
	}
}

func TestRun_LocalNotifyReconciles(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOrchestrator(t, db, nil)
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	if err := db.Put(context.Background(), topicRecord(t, "1", types.StatusQuestions)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	o.Notify(Local)

	waitFor(t, "reconciled view", func() bool {
		view, _ := o.View()
		return topicStatus(view, "1") == types.StatusQuestions
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRun_LiveFeedAppliesRemoteChanges(t *testing.T) {
	db := setupTestDB(t)
	fc := newFakeCloud()
	fc.data[types.CollectionTopics] = []types.Record{topicRecord(t, "1", types.StatusStudying)}

	o := newTestOrchestrator(t, db, fc)
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	waitFor(t, "live mode", func() bool { return o.Mode() == ModeLive })

	fc.feed(types.CollectionTopics) <- cloud.Change{
		Collection: types.CollectionTopics,
		Records:    []types.Record{topicRecord(t, "2", types.StatusFinished)},
	}
	waitFor(t, "remote change", func() bool {
		view, _ := o.View()
		return topicStatus(view, "2") == types.StatusFinished
	})

	// Dropped feed degrades to polling.
	close(fc.feed(types.CollectionTopics))
	waitFor(t, "polling mode", func() bool { return o.Mode() == ModePolling })
}

func TestRun_SubscribeFailureFallsBackToPolling(t *testing.T) {
	db := setupTestDB(t)
	fc := newFakeCloud()
	fc.subscribeErr = cloud.ErrNetworkFailure

	o := newTestOrchestrator(t, db, fc)
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, ok := o.View(); !ok {
		t.Fatal("first view must not depend on the live feed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	fc.mu.Lock()
	fc.data[types.CollectionTopics] = append(fc.data[types.CollectionTopics], topicRecord(t, "3", types.StatusReview1))
	fc.mu.Unlock()

	waitFor(t, "polled change", func() bool {
		view, _ := o.View()
		return topicStatus(view, "3") == types.StatusReview1
	})
	if o.Mode() != ModePolling {
		t.Errorf("expected polling mode, got %s", o.Mode())
	}
}

func TestWatchHistory_LiveFeed(t *testing.T) {
	db := setupTestDB(t)
	fc := newFakeCloud()
	s1, _ := types.RecordFromJSON(types.CollectionStudySessions, json.RawMessage(`{"id":"s1","minutes":30}`))
	fc.data[types.CollectionStudySessions] = []types.Record{s1}

	o := newTestOrchestrator(t, db, fc)
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, err := o.WatchHistory(ctx)
	if err != nil {
		t.Fatalf("WatchHistory failed: %v", err)
	}
	if !h.Live() {
		t.Error("expected live history")
	}
	if len(h.Records()) != 1 {
		t.Fatalf("expected 1 record, got %d", len(h.Records()))
	}

	s2, _ := types.RecordFromJSON(types.CollectionStudySessions, json.RawMessage(`{"id":"s2","minutes":45}`))
	fc.feed(types.CollectionStudySessions) <- cloud.Change{Collection: types.CollectionStudySessions, Records: []types.Record{s2}}

	select {
	case recs := <-h.Updates():
		if len(recs) != 2 || recs[1].ID != "s2" {
			t.Errorf("unexpected update %+v", recs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
	}

	if _, err := db.Get(context.Background(), types.CollectionStudySessions, "s2"); err != nil {
		t.Errorf("remote session not stored locally: %v", err)
	}
}

func TestWatchHistory_FallsBackToPull(t *testing.T) {
	db := setupTestDB(t)
	fc := newFakeCloud()
	fc.subscribeErr = cloud.ErrNetworkFailure

	o := newTestOrchestrator(t, db, fc)
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s1, _ := types.RecordFromJSON(types.CollectionStudySessions, json.RawMessage(`{"id":"s1"}`))
	fc.mu.Lock()
	fc.data[types.CollectionStudySessions] = []types.Record{s1}
	fc.mu.Unlock()

	h, err := o.WatchHistory(context.Background())
	if err != nil {
		t.Fatalf("WatchHistory failed: %v", err)
	}
	if h.Live() {
		t.Error("expected non-live history")
	}
	if len(h.Records()) != 1 {
		t.Errorf("expected pulled record, got %d", len(h.Records()))
	}
	if _, ok := <-h.Updates(); ok {
		t.Error("updates should be closed")
	}
}

func TestWatchHistory_LocalOnly(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	s1, _ := types.RecordFromJSON(types.CollectionStudySessions, json.RawMessage(`{"id":"local"}`))
	if err := db.Put(ctx, s1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	o := newTestOrchestrator(t, db, nil)
	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h, err := o.WatchHistory(ctx)
	if err != nil {
		t.Fatalf("WatchHistory failed: %v", err)
	}
	recs := h.Records()
	if len(recs) != 1 || recs[0].ID != "local" {
		t.Errorf("unexpected records %+v", recs)
	}

	s2, _ := types.RecordFromJSON(types.CollectionStudySessions, json.RawMessage(`{"id":"later"}`))
	_ = db.Put(ctx, s2)
	recs, err = h.LoadNow(ctx)
	if err != nil || len(recs) != 2 {
		t.Errorf("LoadNow: %d records, err %v", len(recs), err)
	}
}
