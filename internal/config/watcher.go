package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a change to one of the watched files.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// IsLocales reports whether the event concerns the locale overrides.
func (e ReloadEvent) IsLocales() bool {
	return filepath.Base(e.Path) == "locales.yaml"
}

// Watcher watches the home directory for edits to config.yaml and
// locales.yaml. The directory is watched rather than the files so that
// files created after startup and editors that replace files are seen.
// Bursts of operations on one file within Debounce collapse into a single
// event carrying the union of the ops.
type Watcher struct {
	Debounce time.Duration

	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

const defaultDebounce = 150 * time.Millisecond

var watchedFiles = map[string]bool{"config.yaml": true, "locales.yaml": true}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Debounce: defaultDebounce,
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
	}
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start returns once the directory is watched; delivery runs until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]fsnotify.Op{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !watchedFiles[filepath.Base(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			pending[ev.Name] |= ev.Op
			timer.Reset(w.debounce())
		case <-timer.C:
			for path, op := range pending {
				w.logger.Info("config file changed", "path", path, "op", op.String())
				select {
				case w.events <- ReloadEvent{Path: path, Op: op}:
				default:
					w.logger.Warn("config reload event dropped", "path", path)
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) debounce() time.Duration {
	if w.Debounce <= 0 {
		return time.Millisecond
	}
	return w.Debounce
}
