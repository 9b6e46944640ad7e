// Package session owns guest filesystem sessions: one libguestfs handle per
// NBD URL, mounted according to a client's MountSpec plan, multiplexing
// concurrent reads and evicting itself after a period of inactivity.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/zentarim/rtftp/internal/logger"
	"github.com/zentarim/rtftp/pkg/config"
	"github.com/zentarim/rtftp/pkg/guestfs"
)

// State is a GuestSession's position in its lifecycle, per spec.md §3.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateFailed
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// GuestSession is one attached, mounted libguestfs handle bound to a
// single NBD URL. All guest operations are serialized through mu, since
// libguestfs handles are not thread-safe; sessions on different URLs run
// fully in parallel.
type GuestSession struct {
	URL    string
	Mounts []config.MountSpec

	mu           sync.Mutex
	handle       *guestfs.Handle
	state        State
	lastActivity time.Time
	refCount     int
	attachErr    error
}

// newSession constructs a not-yet-attached session. Callers (the registry)
// are responsible for calling attach before any other method succeeds.
func newSession(url string, mounts []config.MountSpec) *GuestSession {
	return &GuestSession{
		URL:          url,
		Mounts:       mounts,
		state:        StateConnecting,
		lastActivity: time.Now(),
	}
}

// attach performs the Connecting -> Ready transition: launches a guestfish
// appliance, adds the NBD URL as a read-only drive, boots it, and mounts
// every MountSpec in order. Any step failing transitions to Failed and the
// error is retained for Err().
func (s *GuestSession) attach(runner guestfs.CommandRunner) error {
	h, err := guestfs.Launch(runner)
	if err != nil {
		return s.fail(fmt.Errorf("launch: %w", err))
	}

	if err := h.AddDriveReadOnly(s.URL); err != nil {
		return s.fail(fmt.Errorf("add-drive: %w", err))
	}
	if err := h.Run(); err != nil {
		return s.fail(fmt.Errorf("run: %w", err))
	}

	for _, m := range s.Mounts {
		if err := h.Mount(m.Partition, m.Mountpoint); err != nil {
			return s.fail(fmt.Errorf("mount %s (partition %d): %w", m.Mountpoint, m.Partition, err))
		}
	}

	s.mu.Lock()
	s.handle = h
	s.state = StateReady
	s.lastActivity = time.Now()
	s.mu.Unlock()

	logger.Info("session: ready", logger.KeySessionURL, s.URL, logger.KeyCount, len(s.Mounts))
	return nil
}

func (s *GuestSession) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.attachErr = err
	s.mu.Unlock()
	logger.Error("session: attach failed", logger.KeySessionURL, s.URL, logger.KeyError, err.Error())
	return err
}

// State returns the session's current lifecycle state.
func (s *GuestSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acquire increments the reference count for the duration of an open
// file-read stream; the transfer engine holds one reference for an entire
// RRQ. Release must be called exactly once per Acquire.
func (s *GuestSession) Acquire() {
	s.mu.Lock()
	s.refCount++
	s.mu.Unlock()
}

// Release decrements the reference count.
func (s *GuestSession) Release() {
	s.mu.Lock()
	if s.refCount > 0 {
		s.refCount--
	}
	s.mu.Unlock()
}

// RefCount reports the current reference count.
func (s *GuestSession) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

// IdleSince reports how long it has been since the session's last
// successful attach, Stat or Read. It does not look at references; the
// sweeper checks RefCount separately when selecting eviction candidates.
func (s *GuestSession) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Stat returns the size of path inside the mounted guest filesystem.
func (s *GuestSession) Stat(path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return 0, fmt.Errorf("session: not ready (state=%s)", s.state)
	}
	size, err := s.handle.Stat(path)
	if err != nil {
		return 0, err
	}
	s.lastActivity = time.Now()
	return size, nil
}

// Read returns up to length bytes of path starting at offset, plus whether
// the returned chunk reaches end-of-file.
func (s *GuestSession) Read(path string, offset, length int64) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return nil, false, fmt.Errorf("session: not ready (state=%s)", s.state)
	}
	data, eof, err := s.handle.ReadAt(path, offset, length)
	if err != nil {
		return nil, false, err
	}
	s.lastActivity = time.Now()
	return data, eof, nil
}

// Err returns the attach error recorded for a Failed session, or nil.
func (s *GuestSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachErr
}

// markDraining transitions Ready -> Draining, refusing if refCount > 0.
// Called by the registry once a config's backing file disappears, and by
// the idle sweep before it evicts a session.
func (s *GuestSession) markDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.refCount > 0 {
		return false
	}
	s.state = StateDraining
	return true
}

// close releases the guest handle: unmount all, shutdown, close. It is only
// safe to call once, on a session with zero references.
func (s *GuestSession) close() error {
	s.mu.Lock()
	h := s.handle
	s.state = StateClosed
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	logger.Info("session: closing", logger.KeySessionURL, s.URL)
	return h.Shutdown()
}
