package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zentarim/rtftp/internal/logger"
	"github.com/zentarim/rtftp/pkg/config"
	"github.com/zentarim/rtftp/pkg/guestfs"
	"github.com/zentarim/rtftp/pkg/metrics"
)

// SweepResolution bounds how often the idle sweeper runs; spec.md §4.4
// requires a resolution of at most 1 second.
const SweepResolution = 1 * time.Second

// Registry maps NBD URL to GuestSession and owns all live sessions.
// Concurrent get_or_attach calls for the same URL coalesce onto a single
// attach via singleflight, satisfying spec.md §4.5's at-most-one-session
// guarantee.
//
// Lock ordering: registry mutex is only ever held across map lookups and
// placeholder installation, never across an attach -- attach runs outside
// the lock, with waiters parked in singleflight.Group instead. This keeps
// the registry mutex -> session mutex order strict and deadlock-free, per
// spec.md §5.
type Registry struct {
	runner guestfs.CommandRunner

	mu       sync.RWMutex
	sessions map[string]*GuestSession

	attachGroup singleflight.Group

	idleTimeout time.Duration
	metrics     *metrics.Metrics
}

// SetMetrics attaches a metrics sink for session attach/eviction events.
// Optional; a Registry with no metrics sink behaves identically (Metrics'
// methods are nil-receiver safe).
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// NewRegistry creates an empty registry. runner is the CommandRunner every
// attached session's guestfs.Handle will use (production code passes
// guestfs.ExecRunner{}; tests pass a fake).
func NewRegistry(runner guestfs.CommandRunner, idleTimeout time.Duration) *Registry {
	return &Registry{
		runner:      runner,
		sessions:    make(map[string]*GuestSession),
		idleTimeout: idleTimeout,
	}
}

// GetOrAttach returns a Ready session for url, attaching one if none
// exists yet. The returned session has had Acquire called on it; the
// caller must call Release when done.
func (r *Registry) GetOrAttach(ctx context.Context, url string, mounts []config.MountSpec) (*GuestSession, error) {
	if sess, ok := r.existingReady(url); ok {
		sess.Acquire()
		return sess, nil
	}

	result, err, _ := r.attachGroup.Do(url, func() (any, error) {
		return r.attachOnce(url, mounts)
	})
	if err != nil {
		return nil, err
	}

	sess := result.(*GuestSession)
	sess.Acquire()
	return sess, nil
}

func (r *Registry) existingReady(url string) (*GuestSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[url]
	if !ok || sess.State() != StateReady {
		return nil, false
	}
	return sess, true
}

// attachOnce performs the actual attach for one URL. It is only ever
// executing once per URL at a time, guaranteed by singleflight.Group.
func (r *Registry) attachOnce(url string, mounts []config.MountSpec) (*GuestSession, error) {
	// Another goroutine may have completed an attach for this URL between
	// our initial existingReady check and acquiring the singleflight slot.
	if sess, ok := r.existingReady(url); ok {
		return sess, nil
	}

	sess := newSession(url, mounts)

	r.mu.Lock()
	r.sessions[url] = sess
	r.mu.Unlock()

	logger.Info("registry: attaching", logger.KeySessionURL, url)
	start := time.Now()
	err := sess.attach(r.runner)
	r.metrics.RecordSessionAttach(err == nil, time.Since(start))
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, url)
		r.mu.Unlock()
		return nil, err
	}

	r.metrics.SetSessionsActive(r.Len())
	return sess, nil
}

// Sweep closes every Ready session idle for at least idleTimeout with zero
// references, transitioning Ready -> Draining -> Closed and removing it
// from the registry.
func (r *Registry) Sweep() {
	r.mu.RLock()
	candidates := make([]*GuestSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.State() == StateReady && sess.RefCount() == 0 && sess.IdleSince() >= r.idleTimeout {
			candidates = append(candidates, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range candidates {
		if sess.markDraining() {
			r.evict(sess)
		}
	}
}

// Drain closes and removes the session for url right away if no transfer
// holds a reference to it; used when a config's .nbd file disappears. A
// session that is still referenced is left Ready and stays registered; it
// is only evicted later by the idle sweep.
func (r *Registry) Drain(url string) {
	r.mu.RLock()
	sess, ok := r.sessions[url]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if sess.markDraining() {
		r.evict(sess)
	}
}

func (r *Registry) evict(sess *GuestSession) {
	logger.Info("registry: evicting idle session",
		logger.KeySessionURL, sess.URL, logger.KeyIdleFor, sess.IdleSince().String())

	if err := sess.close(); err != nil {
		logger.Warn("registry: error closing session", logger.KeySessionURL, sess.URL, logger.KeyError, err.Error())
	}

	r.mu.Lock()
	delete(r.sessions, sess.URL)
	r.mu.Unlock()
	r.metrics.SetSessionsActive(r.Len())
}

// RunSweeper runs Sweep on a ticker until ctx is canceled. Meant to be
// started once in its own goroutine during daemon startup.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len reports the number of tracked sessions (any state).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown drains every tracked session regardless of idle time, used on
// daemon shutdown per spec.md §5 ("all Ready sessions are drained").
func (r *Registry) Shutdown() {
	r.mu.RLock()
	all := make([]*GuestSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		all = append(all, sess)
	}
	r.mu.RUnlock()

	for _, sess := range all {
		if sess.State() == StateReady {
			_ = sess.close()
		}
		r.mu.Lock()
		delete(r.sessions, sess.URL)
		r.mu.Unlock()
	}
}
