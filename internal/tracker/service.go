// Package tracker is the read/write contract offered to collaborators (the
// CLI, a UI). Every write goes to the Record Store first, is pushed to the
// cloud best-effort, and is followed by a reconciliation so the returned
// view already contains it.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/studytrack/internal/backup"
	"github.com/Mschirtzinger/studytrack/internal/reconcile"
	"github.com/Mschirtzinger/studytrack/internal/store"
	stsync "github.com/Mschirtzinger/studytrack/internal/sync"
	"github.com/Mschirtzinger/studytrack/internal/taxonomy"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

// MaxImageSize bounds the payload accepted by AddImage.
const MaxImageSize = 5 << 20

var (
	// ErrUnknownTopic is returned for a topic id absent from the taxonomy.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrImageNotFound is returned when removing an image the topic does
	// not have.
	ErrImageNotFound = errors.New("image not found")

	// ErrNotAnImage is returned when the AddImage payload is not an image.
	ErrNotAnImage = errors.New("payload is not an image")

	// ErrImageTooLarge is returned when the payload exceeds MaxImageSize.
	ErrImageTooLarge = errors.New("image too large")
)

// Config holds service configuration.
type Config struct {
	Store        *store.DB
	Taxonomy     *taxonomy.Taxonomy
	Orchestrator *stsync.Orchestrator

	// AppName is stamped into exported backups (default: "studytrack")
	AppName string

	// Logger for service activity (default: stderr logger)
	Logger *log.Logger
}

// Service implements the collaborator operations.
type Service struct {
	db      *store.DB
	tax     *taxonomy.Taxonomy
	orch    *stsync.Orchestrator
	appName string
	logger  *log.Logger

	// now is overridden in tests.
	now func() time.Time
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Taxonomy == nil || cfg.Orchestrator == nil {
		return nil, fmt.Errorf("store, taxonomy and orchestrator are required")
	}
	if cfg.AppName == "" {
		cfg.AppName = "studytrack"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	}
	return &Service{
		db:      cfg.Store,
		tax:     cfg.Taxonomy,
		orch:    cfg.Orchestrator,
		appName: cfg.AppName,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// MergedTaxonomy returns the latest merged view, reconciling first if none
// has been published yet.
func (s *Service) MergedTaxonomy(ctx context.Context) (reconcile.MergedTaxonomy, error) {
	if view, ok := s.orch.View(); ok {
		return view, nil
	}
	return s.refresh(ctx)
}

// Subscribe registers for "taxonomy changed" notifications. See
// Orchestrator.Subscribe.
func (s *Service) Subscribe() (<-chan reconcile.MergedTaxonomy, func()) {
	return s.orch.Subscribe()
}

// UpdateTopicStatus sets a topic's status.
func (s *Service) UpdateTopicStatus(ctx context.Context, id string, status types.Status) (reconcile.MergedTopic, error) {
	if !status.IsValid() {
		return reconcile.MergedTopic{}, fmt.Errorf("invalid status %q", status)
	}
	return s.patchTopic(ctx, id, map[string]any{"status": status})
}

// AdvanceStatus moves a topic to the next status in the cycle.
func (s *Service) AdvanceStatus(ctx context.Context, id string) (reconcile.MergedTopic, error) {
	state, err := s.topicState(ctx, id)
	if err != nil {
		return reconcile.MergedTopic{}, err
	}
	return s.patchTopic(ctx, state.ID, map[string]any{"status": state.Status.Next()})
}

// UpdateTopicNote replaces a topic's note. An empty note clears it.
func (s *Service) UpdateTopicNote(ctx context.Context, id, note string) (reconcile.MergedTopic, error) {
	return s.patchTopic(ctx, id, map[string]any{"note": note})
}

// AddImage attaches the image read from r to a topic. The content type is
// sniffed from the payload.
func (s *Service) AddImage(ctx context.Context, id string, r io.Reader, caption string) (types.MediaAttachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return types.MediaAttachment{}, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxImageSize {
		return types.MediaAttachment{}, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, MaxImageSize)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return types.MediaAttachment{}, fmt.Errorf("%w: detected %s", ErrNotAnImage, contentType)
	}

	state, err := s.topicState(ctx, id)
	if err != nil {
		return types.MediaAttachment{}, err
	}

	img := types.MediaAttachment{
		ID:          uuid.NewString(),
		Data:        bytes.Clone(data),
		ContentType: contentType,
		Caption:     caption,
		CreatedAt:   s.now().UTC(),
	}
	images := append(state.Images, img)
	if _, err := s.patchTopic(ctx, state.ID, map[string]any{"images": images}); err != nil {
		return types.MediaAttachment{}, err
	}
	return img, nil
}

// RemoveImage detaches an image from a topic.
func (s *Service) RemoveImage(ctx context.Context, id, imageID string) (reconcile.MergedTopic, error) {
	state, err := s.topicState(ctx, id)
	if err != nil {
		return reconcile.MergedTopic{}, err
	}
	i := state.FindImage(imageID)
	if i < 0 {
		return reconcile.MergedTopic{}, fmt.Errorf("%w: %s on topic %s", ErrImageNotFound, imageID, state.ID)
	}
	images := append(state.Images[:i:i], state.Images[i+1:]...)
	return s.patchTopic(ctx, state.ID, map[string]any{"images": images})
}

// topicState returns the stored state of a known topic, or its default
// when nothing is stored yet.
func (s *Service) topicState(ctx context.Context, rawID string) (types.TopicState, error) {
	id, err := s.knownTopic(rawID)
	if err != nil {
		return types.TopicState{}, err
	}

	rec, err := s.db.Get(ctx, types.CollectionTopics, id)
	if errors.Is(err, store.ErrNotFound) {
		return types.NewTopicState(id, s.now()), nil
	}
	if err != nil {
		return types.TopicState{}, err
	}

	var state types.TopicState
	if err := json.Unmarshal(rec.Data, &state); err != nil {
		return types.TopicState{}, fmt.Errorf("failed to decode topic %s: %w", id, err)
	}
	state.SetDefaults()
	return state, nil
}

func (s *Service) knownTopic(rawID string) (string, error) {
	id, err := types.NormalizeID(rawID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownTopic, err)
	}
	if !s.tax.Has(id) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTopic, id)
	}
	return id, nil
}

// patchTopic writes fields onto one topic record, pushes it, and returns
// the topic as it appears in the refreshed view.
func (s *Service) patchTopic(ctx context.Context, rawID string, fields map[string]any) (reconcile.MergedTopic, error) {
	id, err := s.knownTopic(rawID)
	if err != nil {
		return reconcile.MergedTopic{}, err
	}

	fields["lastUpdated"] = s.now().UTC()
	rec, err := s.db.Patch(ctx, types.CollectionTopics, id, fields)
	if err != nil {
		return reconcile.MergedTopic{}, fmt.Errorf("failed to update topic %s: %w", id, err)
	}
	s.orch.PushBestEffort(ctx, types.CollectionTopics, []types.Record{rec})

	view, err := s.refresh(ctx)
	if err != nil {
		return reconcile.MergedTopic{}, err
	}
	topic, _ := view.Topic(id)
	return topic, nil
}

// refresh reconciles through the orchestrator, or directly when the
// orchestrator has not started (one-shot CLI commands before Start).
func (s *Service) refresh(ctx context.Context) (reconcile.MergedTaxonomy, error) {
	view, err := s.orch.Refresh(ctx)
	if !errors.Is(err, stsync.ErrNotStarted) {
		return view, err
	}

	recs, err := s.db.All(ctx, types.CollectionTopics)
	if err != nil {
		return reconcile.MergedTaxonomy{}, fmt.Errorf("failed to read topics: %w", err)
	}
	return reconcile.Reconcile(s.tax, reconcile.StatesFromRecords(recs, s.logger)), nil
}

// ExportAll builds a backup document of every backup collection.
func (s *Service) ExportAll(ctx context.Context) (*backup.Document, error) {
	return backup.Export(ctx, s.db, s.appName)
}

// ImportAll parses and imports a backup document. A malformed document is
// rejected before any write. Imported collections are pushed best-effort
// and a reconciliation is queued.
func (s *Service) ImportAll(ctx context.Context, r io.Reader) (*backup.ImportResult, error) {
	doc, err := backup.Parse(r)
	if err != nil {
		return nil, err
	}

	res, importErr := backup.Import(ctx, s.db, doc)
	if res != nil {
		for name, n := range res.Imported {
			if n == 0 {
				continue
			}
			recs, err := s.db.All(ctx, name)
			if err != nil {
				s.logger.Printf("WARNING: Failed to read %s for push: %v", name, err)
				continue
			}
			s.orch.PushBestEffort(ctx, name, recs)
		}
	}
	s.orch.Notify(stsync.Local)
	return res, importErr
}

// Session is one logged study session.
type Session struct {
	TopicID   string
	StartedAt time.Time
	Duration  time.Duration
	Note      string
}

// LogSession appends a study session to the history.
func (s *Service) LogSession(ctx context.Context, sess Session) (types.Record, error) {
	topicID, err := s.knownTopic(sess.TopicID)
	if err != nil {
		return types.Record{}, err
	}
	if sess.Duration <= 0 {
		return types.Record{}, fmt.Errorf("session duration must be positive")
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.now().Add(-sess.Duration)
	}

	entity := map[string]any{
		"id":        uuid.NewString(),
		"topicId":   topicID,
		"startedAt": sess.StartedAt.UTC(),
		"minutes":   int(sess.Duration.Round(time.Minute) / time.Minute),
	}
	if sess.Note != "" {
		entity["note"] = sess.Note
	}
	rec, err := types.NewRecord(types.CollectionStudySessions, entity)
	if err != nil {
		return types.Record{}, err
	}
	if err := s.db.Put(ctx, rec); err != nil {
		return types.Record{}, fmt.Errorf("failed to log session: %w", err)
	}
	s.orch.PushBestEffort(ctx, types.CollectionStudySessions, []types.Record{rec})
	return rec, nil
}

// History opens the study session history. See Orchestrator.WatchHistory.
func (s *Service) History(ctx context.Context) (*stsync.History, error) {
	return s.orch.WatchHistory(ctx)
}

// Reset erases all local data, including the cloud session and any legacy
// blob. Cloud copies are not deleted.
func (s *Service) Reset(ctx context.Context) (reconcile.MergedTaxonomy, error) {
	if err := s.db.Reset(ctx); err != nil {
		return reconcile.MergedTaxonomy{}, fmt.Errorf("failed to reset: %w", err)
	}
	s.logger.Println("Local data reset")
	return s.refresh(ctx)
}
