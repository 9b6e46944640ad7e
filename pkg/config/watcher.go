package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zentarim/rtftp/internal/logger"
)

// DefaultDebounce is the window used to coalesce rapid successive
// filesystem events on the same path into a single reload, per spec.md
// §9's open-question default.
const DefaultDebounce = 250 * time.Millisecond

// WarmFunc is invoked when a config is freshly loaded or replaced and
// proactive warming is enabled; it is expected to enqueue (not perform
// synchronously) an attach for cfg.URL.
type WarmFunc func(addr ClientAddr, cfg *NbdConfig)

// DrainFunc is invoked when a config's .nbd file disappears, passing the
// config that was just removed (so the caller can still reach its NBD URL
// to mark the associated session for draining).
type DrainFunc func(addr ClientAddr, cfg *NbdConfig)

// Watcher observes a Store's root directory for *.nbd create/modify/
// delete/rename events and drives incremental reloads.
type Watcher struct {
	store    *Store
	root     string
	debounce time.Duration
	warm     WarmFunc
	drain    DrainFunc

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[ClientAddr]*time.Timer
}

// NewWatcher creates a Watcher for store. warm may be nil to disable
// proactive warming.
func NewWatcher(store *Store, debounce time.Duration, warm WarmFunc, drain DrainFunc) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(store.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		store:    store,
		root:     store.root,
		debounce: debounce,
		warm:     warm,
		drain:    drain,
		fsw:      fsw,
		timers:   make(map[ClientAddr]*time.Timer),
	}, nil
}

// Run processes events until ctx is canceled. It is meant to run in its
// own goroutine, started once during daemon startup.
func (w *Watcher) Run(ctx context.Context) {
	defer w.closeAllTimers()
	defer func() { _ = w.fsw.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher: error", logger.KeyError, err.Error())
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	addr, ok := ClientAddrFromFilename(filepath.Base(ev.Name))
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, exists := w.timers[addr]; exists {
		t.Stop()
	}
	w.timers[addr] = time.AfterFunc(w.debounce, func() { w.settle(addr, ev.Op) })
}

// settle runs after the debounce window elapses for one address, applying
// whichever event was last seen for it.
func (w *Watcher) settle(addr ClientAddr, op fsnotify.Op) {
	w.mu.Lock()
	delete(w.timers, addr)
	w.mu.Unlock()

	if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		removed, existed := w.store.Get(addr)
		w.store.Remove(addr)
		if existed && w.drain != nil {
			w.drain(addr, removed)
		}
		return
	}

	changed := w.store.Reload(addr)
	if changed && w.warm != nil {
		if cfg, ok := w.store.Get(addr); ok {
			w.warm(addr, cfg)
		}
	}
}

func (w *Watcher) closeAllTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
}
