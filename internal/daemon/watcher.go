// Package daemon watches the Record Store files for writes made by other
// processes (another CLI invocation, an import) and turns bursts of them
// into a single "data changed" callback.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long the files must stay quiet before the
	// callback fires. Rapid writes are batched into one call.
	DebounceInterval time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Watcher reports changes to a SQLite database file and its WAL.
type Watcher struct {
	dbPath   string
	onChange func()
	config   *Config

	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   bool
	lastEvent time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a watcher for the database at dbPath. onChange is called from
// the watcher goroutine, once per debounced burst.
func New(dbPath string, onChange func(), config *Config) (*Watcher, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dbPath, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dbPath:   abs,
		onChange: onChange,
		config:   config,
		watcher:  watcher,
	}, nil
}

// Start watches the database directory. The directory itself is watched
// since SQLite replaces and creates the WAL file on the fly.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.dbPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.running = true

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processPending()

	w.config.Logger.Printf("Watching: %s", w.dbPath)
	return nil
}

// Stop shuts the watcher down and waits for its goroutines. Safe to call
// more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Run starts the watcher and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// watchFileEvents monitors filesystem events and marks a change pending.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.queueChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// relevant reports whether the event touches the database or its WAL.
// The shared-memory index changes on reads too and is ignored.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if name == w.dbPath {
		return true
	}
	suffix, ok := strings.CutPrefix(name, w.dbPath)
	return ok && suffix == "-wal"
}

func (w *Watcher) queueChange() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.pending = true
	w.lastEvent = time.Now()
}

// processPending fires the callback once the files have been quiet for
// the debounce interval.
func (w *Watcher) processPending() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			if w.takeSettled() {
				w.onChange()
			}
		}
	}
}

func (w *Watcher) takeSettled() bool {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if !w.pending || time.Since(w.lastEvent) < w.config.DebounceInterval {
		return false
	}
	w.pending = false
	return true
}
