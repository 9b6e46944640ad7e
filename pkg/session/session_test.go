package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zentarim/rtftp/pkg/config"
)

// scriptedRunner is a guestfs.CommandRunner fake: guestfish --listen always
// succeeds with an incrementing PID; every other command succeeds unless
// failOn matches a substring of the joined args.
type scriptedRunner struct {
	nextPID  int64
	failOn   string
	attaches int32
}

func (r *scriptedRunner) Run(args ...string) (string, error) {
	joined := strings.Join(args, " ")
	if r.failOn != "" && strings.Contains(joined, r.failOn) {
		return "", fmt.Errorf("scripted failure")
	}
	if len(args) >= 2 && args[1] == "--listen" {
		atomic.AddInt32(&r.attaches, 1)
		pid := atomic.AddInt64(&r.nextPID, 1)
		return fmt.Sprintf("GUESTFISH_PID=%d\n", pid), nil
	}
	if strings.Contains(joined, "filesize") {
		return "1024\n", nil
	}
	return "", nil
}

func testMounts() []config.MountSpec {
	return []config.MountSpec{{Partition: 1, Mountpoint: "/boot"}}
}

func TestRegistry_GetOrAttach_Succeeds(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 30*time.Second)

	sess, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	defer sess.Release()

	assert.Equal(t, StateReady, sess.State())
	assert.Equal(t, 1, sess.RefCount())
	assert.Equal(t, int32(1), runner.attaches)
}

func TestRegistry_GetOrAttach_ReusesExistingSession(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 30*time.Second)

	s1, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	s1.Release()

	s2, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	defer s2.Release()

	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), runner.attaches)
}

func TestRegistry_ConcurrentFirstUseCoalesces(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 30*time.Second)

	const n = 10
	var wg sync.WaitGroup
	sessions := make([]*GuestSession, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = reg.GetOrAttach(context.Background(), "nbd://shared/export", testMounts())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, int32(1), runner.attaches)
	assert.Equal(t, n, sessions[0].RefCount())
}

func TestRegistry_AttachFailureRemovesSession(t *testing.T) {
	runner := &scriptedRunner{failOn: "add-drive-opts"}
	reg := NewRegistry(runner, 30*time.Second)

	_, err := reg.GetOrAttach(context.Background(), "nbd://broken/export", testMounts())
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())

	// a subsequent attempt retries rather than reusing a cached failure
	runner.failOn = ""
	sess, err := reg.GetOrAttach(context.Background(), "nbd://broken/export", testMounts())
	require.NoError(t, err)
	sess.Release()
}

func TestRegistry_SweepEvictsIdleSessions(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 10*time.Millisecond)

	sess, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	sess.Release()

	time.Sleep(30 * time.Millisecond)
	reg.Sweep()

	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_SweepSparesReferencedSessions(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 10*time.Millisecond)

	sess, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	defer sess.Release()

	time.Sleep(30 * time.Millisecond)
	reg.Sweep()

	assert.Equal(t, StateReady, sess.State())
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_DrainRemovesUnreferencedSession(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 30*time.Second)

	sess, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	sess.Release()

	reg.Drain("nbd://host/export")

	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_DrainLeavesReferencedSessionAlone(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 30*time.Second)

	sess, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	defer sess.Release()

	reg.Drain("nbd://host/export")

	assert.Equal(t, StateReady, sess.State())
}

func TestSession_Stat(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 30*time.Second)

	sess, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	defer sess.Release()

	size, err := sess.Stat("/boot/kernel.img")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), size)
}

func TestRegistry_ShutdownClosesAllSessions(t *testing.T) {
	runner := &scriptedRunner{}
	reg := NewRegistry(runner, 30*time.Second)

	sess, err := reg.GetOrAttach(context.Background(), "nbd://host/export", testMounts())
	require.NoError(t, err)
	sess.Release()

	reg.Shutdown()

	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 0, reg.Len())
}
