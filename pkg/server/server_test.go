package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zentarim/rtftp/pkg/config"
)

func TestServer_StartsServesAndShutsDownGracefully(t *testing.T) {
	tftpRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tftpRoot, "default"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tftpRoot, "default", "kernel.img"), []byte("boot me"), 0644))

	cfg := config.DefaultServerConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.TFTPRoot = tftpRoot
	cfg.IdleTimeout = time.Second

	srv, err := New(&cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give the background loops a moment to start before tearing down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestServer_RejectsUnreadableTFTPRoot(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.TFTPRoot = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := New(&cfg)
	require.Error(t, err)
}
