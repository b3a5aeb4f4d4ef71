package scene

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmylchreest/vtcast/internal/observability"
)

// Watcher reloads a scene file into a Store when it changes. Invalid edits are
// logged and the previous snapshot stays current.
type Watcher struct {
	path     string
	store    *Store
	logger   *slog.Logger
	debounce time.Duration
	onReload func(error)
}

// NewWatcher creates a Watcher for path.
func NewWatcher(path string, store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		logger:   observability.WithComponent(logger, "scene"),
		debounce: 100 * time.Millisecond,
	}
}

// OnReload registers fn to be called after each reload attempt with its result.
func (w *Watcher) OnReload(fn func(error)) {
	w.onReload = fn
}

// Run watches until ctx ends. The parent directory is watched so that
// editors which replace the file by rename are followed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating scene watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.logger.Info("watching scene file", slog.String("path", w.path))

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce the burst of events a single save produces.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("scene watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	sc, err := Load(w.path)
	if err != nil {
		w.logger.Warn("scene reload failed, keeping previous scene",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
	} else {
		w.store.Set(sc)
		w.logger.Info("scene reloaded",
			slog.String("scene_id", sc.ID),
			slog.Uint64("version", w.store.Version()))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
