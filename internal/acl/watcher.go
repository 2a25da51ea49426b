package acl

import (
	"context"
	"os"
	"time"
)

// Watcher polls a rules file on a fixed interval and republishes the engine's
// snapshot when the file's mtime changes, grounded in the same ticker-driven
// poll-and-atomic-swap pattern used elsewhere in this codebase for rule
// hot-reload (rather than an OS-level filesystem-event API, which the
// dependency stack this repo draws from does not pull in).
type Watcher struct {
	Path     string
	Engine   *Engine
	Interval time.Duration

	lastMod time.Time
}

func NewWatcher(path string, engine *Engine, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{Path: path, Engine: engine, Interval: interval}
}

// Run blocks until ctx is cancelled, reloading on each detected change.
// Reload latency is bounded by Interval plus validation time; callers that
// need a tighter bound should set Interval accordingly or trigger
// ReloadNow directly from an external signal (e.g. SIGHUP).
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.checkAndReload()
		}
	}
}

func (w *Watcher) checkAndReload() {
	fi, err := os.Stat(w.Path)
	if err != nil {
		log.Errorf("acl watcher: stat %s: %v", w.Path, err)
		return
	}
	if !fi.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = fi.ModTime()
	w.ReloadNow()
}

// ReloadNow loads and validates the rules file immediately. On failure the
// currently published snapshot is left untouched.
func (w *Watcher) ReloadNow() error {
	start := time.Now()
	next, err := LoadFile(w.Path)
	if err != nil {
		log.Errorf("acl reload failed, retaining live snapshot: %v", err)
		return err
	}
	w.Engine.Publish(next)
	log.Infof("acl snapshot reloaded in %s", time.Since(start))
	return nil
}
