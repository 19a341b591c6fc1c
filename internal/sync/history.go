package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/Mschirtzinger/studytrack/internal/cloud"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

// History is a view of the study session log. It follows the cloud feed
// when one is available and otherwise reflects the local store.
type History struct {
	o       *Orchestrator
	live    bool
	updates chan []types.Record

	mu      gosync.RWMutex
	records []types.Record
	byID    map[string]int
}

// WatchHistory opens the session log. It prefers a live feed, then a
// one-shot pull, then the local store alone. The returned History already
// holds the initial records. Updates stops when ctx is cancelled or the
// feed drops.
func (o *Orchestrator) WatchHistory(ctx context.Context) (*History, error) {
	h := &History{
		o:       o,
		updates: make(chan []types.Record, 1),
		byID:    make(map[string]int),
	}

	if o.CloudEnabled() {
		feed, err := o.cloud.Subscribe(ctx, types.CollectionStudySessions)
		if err == nil {
			h.live = true
			select {
			case first, ok := <-feed:
				if ok {
					h.apply(ctx, first)
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if err := h.loadLocal(ctx); err != nil {
				return nil, err
			}
			go h.follow(ctx, feed)
			return h, nil
		}
		o.logger.Printf("WARNING: Session feed unavailable, using one-shot pull: %v", err)

		if _, err := o.pullCollection(ctx, types.CollectionStudySessions); err != nil {
			o.logger.Printf("WARNING: Session pull failed, using local log: %v", err)
		}
	}

	close(h.updates)
	return h, h.loadLocal(ctx)
}

// LoadNow re-reads the session log from the local store.
func (h *History) LoadNow(ctx context.Context) ([]types.Record, error) {
	if err := h.loadLocal(ctx); err != nil {
		return nil, err
	}
	return h.Records(), nil
}

// Live reports whether the history follows a cloud feed.
func (h *History) Live() bool {
	return h.live
}

// Records returns the current session records, oldest write first.
func (h *History) Records() []types.Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.Record, len(h.records))
	copy(out, h.records)
	return out
}

// Updates delivers the full record list after each remote change. It is
// closed immediately for a non-live history.
func (h *History) Updates() <-chan []types.Record {
	return h.updates
}

func (h *History) loadLocal(ctx context.Context) error {
	recs, err := h.o.db.All(ctx, types.CollectionStudySessions)
	if err != nil {
		return fmt.Errorf("failed to read study sessions: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = recs
	h.byID = make(map[string]int, len(recs))
	for i, rec := range recs {
		h.byID[rec.ID] = i
	}
	return nil
}

// apply stores the change locally and merges it into the in-memory list.
func (h *History) apply(ctx context.Context, change cloud.Change) {
	if len(change.Records) == 0 {
		return
	}
	if err := h.o.db.PutMany(ctx, change.Records); err != nil {
		h.o.logger.Printf("WARNING: Failed to store session changes: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range change.Records {
		if i, ok := h.byID[rec.ID]; ok {
			h.records[i] = rec
			continue
		}
		h.byID[rec.ID] = len(h.records)
		h.records = append(h.records, rec)
	}
}

func (h *History) follow(ctx context.Context, feed <-chan cloud.Change) {
	defer close(h.updates)

	for change := range feed {
		h.apply(ctx, change)
		snapshot := h.Records()

		// Latest wins for a slow reader.
		select {
		case <-h.updates:
		default:
		}
		select {
		case h.updates <- snapshot:
		case <-ctx.Done():
			return
		}
	}
}
