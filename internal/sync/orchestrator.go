// Package sync sequences startup (identity, cloud pull, legacy migration,
// seeding, reconciliation) and keeps the merged view current afterwards.
//
// Startup steps run strictly in order so migration and seeding never see a
// local copy older than the cloud's. Once idle, the orchestrator re-runs
// reconciliation on local notifications and re-pulls on remote ones. The
// live topics feed degrades to polling when it cannot be established or
// drops. Cloud failures never stop the orchestrator; it falls back to the
// local store.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/Mschirtzinger/studytrack/internal/cloud"
	"github.com/Mschirtzinger/studytrack/internal/migrate"
	"github.com/Mschirtzinger/studytrack/internal/reconcile"
	"github.com/Mschirtzinger/studytrack/internal/store"
	"github.com/Mschirtzinger/studytrack/internal/taxonomy"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

// SessionKey is the kv key holding the persisted cloud session.
const SessionKey = "cloud.session"

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")

	// ErrNotStarted is returned when an idle-only operation runs before
	// Start completed.
	ErrNotStarted = errors.New("orchestrator not started")
)

// Signal tells the idle loop what changed.
type Signal int

const (
	// Local means the Record Store changed; reconcile only.
	Local Signal = iota
	// Remote means the cloud changed; pull, then reconcile.
	Remote
)

// Mode describes how remote changes reach this device.
type Mode string

const (
	ModeLocalOnly Mode = "local-only"
	ModeLive      Mode = "live"
	ModePolling   Mode = "polling"
)

// Config holds orchestrator configuration.
type Config struct {
	// Store is the local Record Store. Required.
	Store *store.DB

	// Taxonomy is the static curriculum. Required.
	Taxonomy *taxonomy.Taxonomy

	// Cloud is the remote store. Nil runs local-only.
	Cloud cloud.Backend

	// Timeout bounds every cloud call (default: 10s)
	Timeout time.Duration

	// PollInterval is the pull period when no live feed is available
	// (default: 30s)
	PollInterval time.Duration

	// Logger for orchestrator activity (default: stderr logger)
	Logger *log.Logger
}

// Report summarises a Start run.
type Report struct {
	SessionReused bool
	LocalOnly     bool
	Pulled        map[string]int
	PullErrors    map[string]string
	Migration     *migrate.Result
	MigrationErr  error
	Seeded        int
	Topics        int
}

// Orchestrator owns the startup sequence, the idle loop, and the merged
// view published to subscribers.
type Orchestrator struct {
	db       *store.DB
	tax      *taxonomy.Taxonomy
	cloud    cloud.Backend
	migrator *migrate.Migrator
	timeout  time.Duration
	poll     time.Duration
	logger   *log.Logger

	// stateMu guards phase, cloudOn and mode.
	stateMu gosync.Mutex
	phase   Phase
	cloudOn bool
	mode    Mode

	// passMu serializes reconciliation passes.
	passMu gosync.Mutex

	pendingMu     gosync.Mutex
	pendingLocal  bool
	pendingRemote bool
	wake          chan struct{}

	viewMu  gosync.RWMutex
	view    reconcile.MergedTaxonomy
	hasView bool
	subs    map[int]chan reconcile.MergedTaxonomy
	nextSub int
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Taxonomy == nil {
		return nil, fmt.Errorf("taxonomy cannot be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	return &Orchestrator{
		db:       cfg.Store,
		tax:      cfg.Taxonomy,
		cloud:    cfg.Cloud,
		migrator: migrate.New(cfg.Store, cfg.Logger),
		timeout:  cfg.Timeout,
		poll:     cfg.PollInterval,
		logger:   cfg.Logger,
		phase:    PhaseBootstrapping,
		mode:     ModeLocalOnly,
		wake:     make(chan struct{}, 1),
		subs:     make(map[int]chan reconcile.MergedTaxonomy),
	}, nil
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.phase
}

// Mode returns how remote changes are currently received.
func (o *Orchestrator) Mode() Mode {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.mode
}

// CloudEnabled reports whether a cloud session is active.
func (o *Orchestrator) CloudEnabled() bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.cloudOn
}

func (o *Orchestrator) setMode(m Mode) {
	o.stateMu.Lock()
	o.mode = m
	o.stateMu.Unlock()
}

func (o *Orchestrator) disableCloud(reason string) {
	o.stateMu.Lock()
	wasOn := o.cloudOn
	o.cloudOn = false
	o.mode = ModeLocalOnly
	o.stateMu.Unlock()
	if wasOn {
		o.logger.Printf("Cloud disabled, continuing local-only: %s", reason)
	}
}

func (o *Orchestrator) transitionTo(next Phase) error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	if err := o.phase.validateTransitionTo(next); err != nil {
		return err
	}
	o.phase = next
	return nil
}

// Start runs the startup sequence: bootstrap identity, pull, migrate, seed
// when topics are empty, reconcile and publish. Cloud failures degrade to
// local-only. ctx is checked between steps; the migration step itself is
// atomic. When a step fails the orchestrator returns to Bootstrapping so
// Start can be called again.
func (o *Orchestrator) Start(ctx context.Context) (report *Report, err error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	if o.Phase() != PhaseBootstrapping {
		return nil, ErrAlreadyStarted
	}
	defer func() {
		if err != nil {
			o.stateMu.Lock()
			o.phase = PhaseBootstrapping
			o.stateMu.Unlock()
		}
	}()

	report = &Report{
		Pulled:     make(map[string]int),
		PullErrors: make(map[string]string),
	}

	// 1. Bootstrapping
	report.SessionReused = o.bootstrap(ctx)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// 2. CloudPull
	if err := o.transitionTo(PhaseCloudPull); err != nil {
		return report, err
	}
	o.pullAll(ctx, report)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// 3. Migrating
	if err := o.transitionTo(PhaseMigrating); err != nil {
		return report, err
	}
	res, err := o.migrator.Migrate(ctx)
	report.Migration = res
	if err != nil {
		report.MigrationErr = err
		o.logger.Printf("WARNING: Legacy migration failed, will retry next start: %v", err)
	} else if len(res.Topics) > 0 {
		o.pushBestEffort(ctx, types.CollectionTopics, res.Topics)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// 4. Seeding
	count, err := o.db.Count(ctx, types.CollectionTopics)
	if err != nil {
		return report, fmt.Errorf("failed to count topics: %w", err)
	}
	if count == 0 {
		if err := o.transitionTo(PhaseSeeding); err != nil {
			return report, err
		}
		seeded, err := o.seed(ctx)
		if err != nil {
			return report, err
		}
		report.Seeded = seeded
	}

	// 5. Reconciled
	if err := o.transitionTo(PhaseReconciled); err != nil {
		return report, err
	}
	view, err := o.reconcile(ctx)
	if err != nil {
		return report, err
	}
	report.Topics = len(view.Topics())
	report.LocalOnly = !o.CloudEnabled()

	// 6. Idle
	if err := o.transitionTo(PhaseIdle); err != nil {
		return report, err
	}
	o.logger.Printf("Startup complete: %d topics, seeded=%d, local-only=%v",
		report.Topics, report.Seeded, report.LocalOnly)
	return report, nil
}

// bootstrap reuses the persisted session or creates one. It returns true
// when a persisted session was reused.
func (o *Orchestrator) bootstrap(ctx context.Context) bool {
	if o.cloud == nil {
		return false
	}

	raw, err := o.db.GetValue(ctx, SessionKey)
	if err == nil {
		var sess cloud.Session
		if jsonErr := json.Unmarshal([]byte(raw), &sess); jsonErr == nil && sess.Valid() {
			o.enableCloud(sess)
			return true
		}
		o.logger.Printf("WARNING: Discarding unreadable cloud session")
	} else if !errors.Is(err, store.ErrNotFound) {
		o.logger.Printf("WARNING: Failed to read cloud session: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	sess, err := o.cloud.AnonymousSession(cctx)
	if err != nil {
		o.logger.Printf("WARNING: Cloud sign-in failed, running local-only: %v", err)
		return false
	}

	data, _ := json.Marshal(sess)
	if err := o.db.SetValue(ctx, SessionKey, string(data)); err != nil {
		o.logger.Printf("WARNING: Failed to persist cloud session: %v", err)
	}
	o.enableCloud(sess)
	o.logger.Printf("Created anonymous cloud session for %s", sess.UserID)
	return false
}

func (o *Orchestrator) enableCloud(sess cloud.Session) {
	o.cloud.SetSession(sess)
	o.stateMu.Lock()
	o.cloudOn = true
	o.mode = ModePolling
	o.stateMu.Unlock()
}

// pullAll pulls every synced collection into the store. Remote records win
// per id. Failures are logged and skipped.
func (o *Orchestrator) pullAll(ctx context.Context, report *Report) {
	if !o.CloudEnabled() {
		return
	}

	for _, name := range types.SyncedCollections {
		if ctx.Err() != nil {
			return
		}
		n, err := o.pullCollection(ctx, name)
		if err != nil {
			if report != nil {
				report.PullErrors[name] = err.Error()
			}
			o.logger.Printf("WARNING: Pull of %s failed: %v", name, err)
			if errors.Is(err, cloud.ErrUnauthorized) {
				o.forgetSession(ctx)
				return
			}
			continue
		}
		if report != nil {
			report.Pulled[name] = n
		}
	}
}

func (o *Orchestrator) pullCollection(ctx context.Context, name string) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	recs, err := o.cloud.Pull(cctx, name)
	if err != nil {
		return 0, err
	}
	if err := o.db.PutMany(ctx, recs); err != nil {
		return 0, fmt.Errorf("failed to store pulled %s: %w", name, err)
	}
	return len(recs), nil
}

// forgetSession drops a session the cloud no longer accepts. The next
// start signs in again.
func (o *Orchestrator) forgetSession(ctx context.Context) {
	if err := o.db.DeleteValue(ctx, SessionKey); err != nil {
		o.logger.Printf("WARNING: Failed to clear cloud session: %v", err)
	}
	o.disableCloud("session rejected")
}

// seed writes one default state per static topic and pushes them.
func (o *Orchestrator) seed(ctx context.Context) (int, error) {
	now := time.Now()
	topics := o.tax.Topics()
	recs := make([]types.Record, 0, len(topics))
	for _, t := range topics {
		rec, err := types.NewRecord(types.CollectionTopics, types.NewTopicState(t.ID, now))
		if err != nil {
			return 0, fmt.Errorf("failed to build seed for %s: %w", t.ID, err)
		}
		recs = append(recs, rec)
	}
	if err := o.db.PutMany(ctx, recs); err != nil {
		return 0, fmt.Errorf("failed to seed topics: %w", err)
	}
	o.logger.Printf("Seeded %d topics", len(recs))
	o.pushBestEffort(ctx, types.CollectionTopics, recs)
	return len(recs), nil
}

// PushBestEffort pushes records when the cloud is enabled. Failures are
// logged, never returned.
func (o *Orchestrator) PushBestEffort(ctx context.Context, collection string, recs []types.Record) {
	o.pushBestEffort(ctx, collection, recs)
}

func (o *Orchestrator) pushBestEffort(ctx context.Context, collection string, recs []types.Record) {
	if len(recs) == 0 || !o.CloudEnabled() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := o.cloud.Push(cctx, collection, recs); err != nil {
		o.logger.Printf("WARNING: Push of %d %s failed: %v", len(recs), collection, err)
	}
}

// reconcile reads topics, merges them with the taxonomy, and publishes the
// result.
func (o *Orchestrator) reconcile(ctx context.Context) (reconcile.MergedTaxonomy, error) {
	recs, err := o.db.All(ctx, types.CollectionTopics)
	if err != nil {
		return reconcile.MergedTaxonomy{}, fmt.Errorf("failed to read topics: %w", err)
	}
	view := reconcile.Reconcile(o.tax, reconcile.StatesFromRecords(recs, o.logger))
	o.publish(view)
	return view, nil
}

// Refresh reconciles synchronously. Write paths call it so the caller sees
// its own write in the returned view.
func (o *Orchestrator) Refresh(ctx context.Context) (reconcile.MergedTaxonomy, error) {
	return o.runPass(ctx, false)
}

// runPass performs one idle pass: an optional pull, then reconciliation.
func (o *Orchestrator) runPass(ctx context.Context, pull bool) (reconcile.MergedTaxonomy, error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	if o.Phase() != PhaseIdle {
		return reconcile.MergedTaxonomy{}, ErrNotStarted
	}

	if pull && o.CloudEnabled() {
		if err := o.transitionTo(PhaseCloudPull); err != nil {
			return reconcile.MergedTaxonomy{}, err
		}
		o.pullAll(ctx, nil)
	}

	if err := o.transitionTo(PhaseReconciled); err != nil {
		return reconcile.MergedTaxonomy{}, err
	}
	view, err := o.reconcile(ctx)
	if terr := o.transitionTo(PhaseIdle); terr != nil && err == nil {
		err = terr
	}
	return view, err
}

// Notify queues a signal for the idle loop. Signals arriving before the
// loop runs are coalesced; a queued Remote subsumes Local.
func (o *Orchestrator) Notify(sig Signal) {
	o.pendingMu.Lock()
	if sig == Remote {
		o.pendingRemote = true
	} else {
		o.pendingLocal = true
	}
	o.pendingMu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) takePending() (local, remote bool) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	local, remote = o.pendingLocal, o.pendingRemote
	o.pendingLocal, o.pendingRemote = false, false
	return local, remote
}

// Run is the idle loop. It watches the topics feed (or polls), handles
// notifications one at a time, and returns when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.Phase() != PhaseIdle {
		return ErrNotStarted
	}

	var wg gosync.WaitGroup
	if o.CloudEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.watchRemote(ctx)
		}()
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			o.logger.Println("Idle loop stopped")
			return nil

		case <-o.wake:
			local, remote := o.takePending()
			if !local && !remote {
				continue
			}
			if _, err := o.runPass(ctx, remote); err != nil && ctx.Err() == nil {
				o.logger.Printf("WARNING: Reconciliation failed: %v", err)
			}
		}
	}
}

// watchRemote follows the topics feed, falling back to polling when the
// feed cannot be opened or drops.
func (o *Orchestrator) watchRemote(ctx context.Context) {
	feed, err := o.cloud.Subscribe(ctx, types.CollectionTopics)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Printf("WARNING: Live feed unavailable, polling every %s: %v", o.poll, err)
		o.pollLoop(ctx)
		return
	}

	o.setMode(ModeLive)
	o.logger.Println("Live topics feed established")
	for change := range feed {
		o.applyRemote(ctx, change)
	}
	if ctx.Err() != nil {
		return
	}

	o.logger.Printf("WARNING: Live feed dropped, polling every %s", o.poll)
	o.pollLoop(ctx)
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	o.setMode(ModePolling)
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.CloudEnabled() {
				return
			}
			o.Notify(Remote)
		}
	}
}

// applyRemote upserts the records of a feed frame and queues a
// reconciliation.
func (o *Orchestrator) applyRemote(ctx context.Context, change cloud.Change) {
	if len(change.Records) > 0 {
		if err := o.db.PutMany(ctx, change.Records); err != nil {
			o.logger.Printf("WARNING: Failed to apply remote %s: %v", change.Collection, err)
			return
		}
	}
	o.Notify(Local)
}

// Subscribe registers for merged views. The latest view, if any, is
// delivered immediately. Slow subscribers only ever see the newest view.
// Call the returned function to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan reconcile.MergedTaxonomy, func()) {
	ch := make(chan reconcile.MergedTaxonomy, 1)

	o.viewMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	if o.hasView {
		ch <- o.view
	}
	o.viewMu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			o.viewMu.Lock()
			delete(o.subs, id)
			o.viewMu.Unlock()
			close(ch)
		})
	}
}

// View returns the latest published view.
func (o *Orchestrator) View() (reconcile.MergedTaxonomy, bool) {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.view, o.hasView
}

func (o *Orchestrator) publish(view reconcile.MergedTaxonomy) {
	o.viewMu.Lock()
	defer o.viewMu.Unlock()

	o.view = view
	o.hasView = true
	for _, ch := range o.subs {
		// Drop a stale undelivered view.
		select {
		case <-ch:
		default:
		}
		ch <- view
	}
}
