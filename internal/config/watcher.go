package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces editor write bursts into one reload.
const DefaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	lastHash string
	onChange func(*Config)
}

// NewWatcher creates a watcher for path. current is the config already in
// use; reloads that hash the same as it are skipped.
func NewWatcher(path string, current *Config, onChange func(*Config)) *Watcher {
	w := &Watcher{
		path:     path,
		debounce: DefaultReloadDebounce,
		onChange: onChange,
	}
	if current != nil {
		w.lastHash = current.Hash()
	}
	return w
}

// Run watches until ctx is done. The parent directory is watched so that
// atomic rename-over saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("config watcher started", "path", abs)

	var (
		timer *time.Timer
		fire  <-chan time.Time
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
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	hash := cfg.Hash()
	if hash == w.lastHash {
		slog.Debug("config unchanged", "path", w.path)
		return
	}
	w.lastHash = hash
	slog.Info("config reloaded", "path", w.path, "hash", hash)
	w.onChange(cfg)
}
