package vfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zentarim/rtftp/pkg/config"
	"github.com/zentarim/rtftp/pkg/session"
)

type fakeAttacher struct {
	sess *session.GuestSession
	err  error
	urls []string
}

func (f *fakeAttacher) GetOrAttach(_ context.Context, url string, _ []config.MountSpec) (*session.GuestSession, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func writeFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	full := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, content, 0644))
}

func TestResolve_LocalClientPrecedence(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "192.168.10.10/grub/grub.cfg", []byte("client-specific"))
	writeFile(t, root, "default/grub/grub.cfg", []byte("default-fallback"))

	store := config.NewStore(root)
	r := NewResolver(root, store, &fakeAttacher{})

	rf, err := r.Resolve(context.Background(), "192.168.10.10", "grub/grub.cfg")
	require.NoError(t, err)
	assert.Equal(t, LayerLocalClient, rf.Layer)
	// A read that fills the requested length exactly is not reported as EOF.
	data, eof, err := rf.ReadAt(0, int64(rf.Size))
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, "client-specific", string(data))
}

func TestResolve_DefaultFallback(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "default/efi/grubnetaa64.efi.signed", []byte("default-content"))

	store := config.NewStore(root)
	r := NewResolver(root, store, &fakeAttacher{})

	rf, err := r.Resolve(context.Background(), "10.0.0.7", "efi/grubnetaa64.efi.signed")
	require.NoError(t, err)
	assert.Equal(t, LayerLocalDefault, rf.Layer)
}

func TestResolve_NotFoundWhenNoLayerHasFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "default"), 0755))

	store := config.NewStore(root)
	r := NewResolver(root, store, &fakeAttacher{})

	_, err := r.Resolve(context.Background(), "10.0.0.9", "missing.img")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_GuestAttachFailureReportsNotFound(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "192.168.10.10.nbd"),
		[]byte(`{"url":"nbd://host/export","mounts":[{"partition":1,"mountpoint":"/boot"}],"tftp_root":"/boot"}`), 0644))

	store := config.NewStore(root)
	require.NoError(t, store.Scan())

	attacher := &fakeAttacher{err: assertAttachErr}
	r := NewResolver(root, store, attacher)

	_, err := r.Resolve(context.Background(), "192.168.10.10", "kernel.img")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"nbd://host/export"}, attacher.urls)
}

var assertAttachErr = errFixture("attach failed")

type errFixture string

func (e errFixture) Error() string { return string(e) }

// scriptedRunner is a minimal guestfs.CommandRunner fake mirroring the one
// in pkg/session's tests, duplicated here to keep package test files
// self-contained.
type scriptedRunner struct{}

func (scriptedRunner) Run(args ...string) (string, error) {
	joined := strings.Join(args, " ")
	if len(args) >= 2 && args[1] == "--listen" {
		return "GUESTFISH_PID=1\n", nil
	}
	if strings.Contains(joined, "filesize") {
		return "51200\n", nil
	}
	return "", nil
}

func TestResolve_GuestBackedRead(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "192.168.10.10.nbd"),
		[]byte(`{"url":"nbd://host/export","mounts":[{"partition":1,"mountpoint":"/boot"}],"tftp_root":"/boot"}`), 0644))

	store := config.NewStore(root)
	require.NoError(t, store.Scan())

	registry := session.NewRegistry(scriptedRunner{}, 30*time.Second)
	r := NewResolver(root, store, registry)

	rf, err := r.Resolve(context.Background(), "192.168.10.10", "kernel.img")
	require.NoError(t, err)
	require.Equal(t, LayerGuest, rf.Layer)
	assert.Equal(t, int64(51200), rf.Size)
	rf.Close()
}
