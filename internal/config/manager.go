package config

import (
	"log/slog"
	"os"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is an immutable configuration view. Every component reads the
// snapshot pointer at use site via Manager.Current() rather than caching
// individual fields, so a reload is visible to new requests without
// restarting goroutines that hold an older snapshot.
type Snapshot = Config

// RestartFunc is invoked when a restart-required field changes. It is
// called after the in-flight response completes; production wiring passes
// a func that closes the listener and calls os.Exit.
type RestartFunc func(field string)

// Manager owns the current configuration snapshot and watches the
// override file (if any) for changes, applying hot-reloadable fields in
// place and deferring restart-required fields to RestartFunc.
type Manager struct {
	current     atomic.Pointer[Snapshot]
	overridePath string
	lastModTime  time.Time
	onRestart    RestartFunc
}

// NewManager creates a Manager seeded with the given snapshot.
func NewManager(initial *Config, onRestart RestartFunc) *Manager {
	m := &Manager{overridePath: initial.OverridePath, onRestart: onRestart}
	m.current.Store(initial)
	if initial.OverridePath != "" {
		if fi, err := os.Stat(initial.OverridePath); err == nil {
			m.lastModTime = fi.ModTime()
		}
	}
	return m
}

// Current returns the latest published snapshot. Safe for concurrent use;
// callers must not mutate the returned value.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// CheckReload stats the override file and reloads if its mtime advanced.
// It is cheap enough to call on every request (a single os.Stat), which is
// exactly how middleware.Auth's ReloadCheck hook uses it; Watch
// additionally calls it from an fsnotify-driven background loop so a
// change is picked up even while the server is otherwise idle.
func (m *Manager) CheckReload() {
	if m.overridePath == "" {
		return
	}
	fi, err := os.Stat(m.overridePath)
	if err != nil {
		return
	}
	if !fi.ModTime().After(m.lastModTime) {
		return
	}
	m.lastModTime = fi.ModTime()
	m.reload()
}

func (m *Manager) reload() {
	next, err := Load()
	if err != nil {
		slog.Error("config: reload failed, keeping previous snapshot", "error", err)
		return
	}

	prev := m.current.Load()
	if field := firstRestartRequiredDiff(prev, next); field != "" {
		slog.Warn("config: restart-required field changed, scheduling restart", "field", field)
		if m.onRestart != nil {
			m.onRestart(field)
		}
		return
	}

	m.current.Store(next)
	slog.Info("config: reloaded")
}

// firstRestartRequiredDiff returns the name of the first field in
// RestartRequiredFields that differs between a and b, or "" if none do.
func firstRestartRequiredDiff(a, b *Config) string {
	av := reflect.ValueOf(a).Elem()
	bv := reflect.ValueOf(b).Elem()
	for _, name := range RestartRequiredFields {
		af := av.FieldByName(name)
		bf := bv.FieldByName(name)
		if !af.IsValid() || !bf.IsValid() {
			continue
		}
		if !reflect.DeepEqual(af.Interface(), bf.Interface()) {
			return name
		}
	}
	return ""
}

// Watch starts an fsnotify watch on the override file's directory (files
// are frequently replaced via rename-into-place, which fsnotify only
// reports on the containing directory) and reloads on any write/create
// event that touches the override path. It blocks until stop is closed.
func (m *Manager) Watch(stop <-chan struct{}) {
	if m.overridePath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("config: failed to start override-file watcher", "error", err)
		return
	}
	defer watcher.Close()

	dir := dirOf(m.overridePath)
	if err := watcher.Add(dir); err != nil {
		slog.Error("config: failed to watch config directory", "dir", dir, "error", err)
		return
	}

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name == m.overridePath && (event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				m.CheckReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config: watcher error", "error", err)
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
