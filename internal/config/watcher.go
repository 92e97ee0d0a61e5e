package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/factorio-deck/factorio-deck/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompConfig)

// reloadDelay coalesces the burst of events an editor produces on save.
const reloadDelay = 100 * time.Millisecond

// Watcher reloads config.toml when it changes and hands every successfully
// parsed version to onChange. Parse errors are logged and the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	delay    time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directory of path, so atomic renames are seen.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		onChange: onChange,
		delay:    reloadDelay,
	}, nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			watchLog.Warn("config_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		watchLog.Warn("config_reload_failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	watchLog.Info("config_reloaded",
		slog.String("path", w.path),
		slog.Int("servers", len(cfg.Servers)))
	w.onChange(cfg)
}
