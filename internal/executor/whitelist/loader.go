package whitelist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/yaml"
)

// DefaultReloadInterval is the periodic re-read cadence; filesystem change
// events trigger an immediate re-read on top of it.
const DefaultReloadInterval = 30 * time.Second

// Loader owns the hot-reloadable snapshot. Readers call Current and get an
// immutable value good for the lifetime of one validation; the reload
// goroutine swaps the pointer only after the new config parses and
// validates, so a broken file on disk never degrades a running executor.
type Loader struct {
	path    string
	current atomic.Pointer[Snapshot]
	log     *slog.Logger

	// Reloads and failures since start, readable for status reporting.
	reloads  atomic.Uint64
	failures atomic.Uint64
}

// NewLoader builds a loader serving the readOnly default until the first
// successful Load. An empty path disables file loading entirely.
func NewLoader(path string, log *slog.Logger) *Loader {
	l := &Loader{path: path, log: log}
	l.current.Store(Default())
	return l
}

// Current returns the active snapshot. Never nil.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Load re-reads the mounted file and swaps the snapshot on success. On any
// failure the previous snapshot stays active and the error is returned.
func (l *Loader) Load() error {
	if l.path == "" {
		return nil
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		l.failures.Add(1)
		return fmt.Errorf("read whitelist file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		l.failures.Add(1)
		return fmt.Errorf("parse whitelist file: %w", err)
	}
	snap, err := NewSnapshot(cfg)
	if err != nil {
		l.failures.Add(1)
		return fmt.Errorf("validate whitelist file: %w", err)
	}
	l.current.Store(snap)
	l.reloads.Add(1)
	return nil
}

// Stats reports successful reloads and failures since start.
func (l *Loader) Stats() (reloads, failures uint64) {
	return l.reloads.Load(), l.failures.Load()
}

// Run reloads on the given interval and additionally on filesystem change
// events until ctx is canceled. The watcher covers the file's directory
// because configmap mounts replace files via symlink swaps that do not fire
// per-file events.
func (l *Loader) Run(ctx context.Context, interval time.Duration) {
	if l.path == "" {
		return
	}
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	if err := l.Load(); err != nil {
		l.log.Warn("initial whitelist load failed, staying on defaults", "error", err)
	}

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.log.Warn("whitelist file watcher unavailable, interval reload only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(l.path)); err != nil {
			l.log.Warn("whitelist directory watch failed, interval reload only", "error", err)
		} else {
			events = make(chan fsnotify.Event)
			go func() {
				defer close(events)
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case events <- ev:
						case <-ctx.Done():
							return
						}
					case err, ok := <-watcher.Errors:
						if !ok {
							return
						}
						l.log.Warn("whitelist watcher error", "error", err)
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reload("interval")
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Give configmap symlink churn a beat to settle.
			time.Sleep(100 * time.Millisecond)
			l.reload("fsevent")
		}
	}
}

func (l *Loader) reload(trigger string) {
	if err := l.Load(); err != nil {
		l.log.Warn("whitelist reload failed, keeping previous snapshot",
			"trigger", trigger, "error", err)
		return
	}
	snap := l.Current()
	l.log.Info("whitelist reloaded",
		"trigger", trigger, "mode", snap.Mode, "verbs", len(snap.Verbs))
}
