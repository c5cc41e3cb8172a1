package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces bursts of fsnotify events from editors and
// atomic-rename writes into a single reload.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the store when any config file changes.
type Watcher struct {
	store    *Store
	onReload func(*Config)
}

// NewWatcher returns a watcher that calls onReload after each successful
// reload. onReload may be nil.
func NewWatcher(store *Store, onReload func(*Config)) *Watcher {
	return &Watcher{store: store, onReload: onReload}
}

// Name returns the worker identifier.
func (w *Watcher) Name() string { return "config_watcher" }

// Run watches the config directory until ctx is cancelled. Reload failures
// are logged; the previous snapshot stays live.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.store.Dir()); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isConfigFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				timer.Reset(debounceDelay)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := w.store.Reload()
			if err != nil {
				slog.Error("config reload failed, keeping previous snapshot", "error", err)
				continue
			}
			slog.Info("config reloaded",
				"upstreams", len(cfg.Upstreams),
				"tenants", len(cfg.Tenants),
				"pricing_entries", len(cfg.Pricing),
			)
			if w.onReload != nil {
				w.onReload(cfg)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "."): // editor temp files
		return false
	case base == "server.json", base == "upstreams.json",
		base == "tenants.json", base == "pricing.json":
		return true
	}
	return false
}
