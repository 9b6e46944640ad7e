package vfs

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/zentarim/rtftp/internal/logger"
	"github.com/zentarim/rtftp/pkg/config"
	"github.com/zentarim/rtftp/pkg/session"
)

// ErrNotFound is returned when no resolver layer has the requested path.
var ErrNotFound = fmt.Errorf("vfs: not found")

const defaultDirName = "default"

// SessionAttacher is the subset of *session.Registry the resolver needs,
// kept as an interface so tests can substitute a fake.
type SessionAttacher interface {
	GetOrAttach(ctx context.Context, url string, mounts []config.MountSpec) (*session.GuestSession, error)
}

// Resolver implements the three-layer lookup of spec.md §4.6.
type Resolver struct {
	tftpRoot string
	configs  *config.Store
	sessions SessionAttacher
}

// NewResolver builds a Resolver rooted at tftpRoot, consulting configs for
// per-client NBD settings and sessions to attach guest filesystems.
func NewResolver(tftpRoot string, configs *config.Store, sessions SessionAttacher) *Resolver {
	return &Resolver{tftpRoot: tftpRoot, configs: configs, sessions: sessions}
}

// Resolve finds the file requested path (already sanitized by
// internal/pathsafe) for addr, trying in order: per-client local
// directory, default local directory, NBD-backed guest session. The
// first hit that exists and is a regular file wins.
func (r *Resolver) Resolve(ctx context.Context, addr config.ClientAddr, reqPath string) (*ResolvedFile, error) {
	if rf, ok := r.tryLocal(LayerLocalClient, string(addr), reqPath); ok {
		logger.DebugCtx(ctx, "vfs: resolved", logger.KeyLayer, LayerLocalClient.String())
		return rf, nil
	}

	if rf, ok := r.tryLocal(LayerLocalDefault, defaultDirName, reqPath); ok {
		logger.DebugCtx(ctx, "vfs: resolved", logger.KeyLayer, LayerLocalDefault.String())
		return rf, nil
	}

	cfg, ok := r.configs.Get(addr)
	if !ok {
		return nil, ErrNotFound
	}

	rf, err := r.tryGuest(ctx, cfg, reqPath)
	if err != nil {
		return nil, err
	}
	logger.DebugCtx(ctx, "vfs: resolved", logger.KeyLayer, LayerGuest.String())
	return rf, nil
}

func (r *Resolver) tryLocal(layer Layer, subdir, reqPath string) (*ResolvedFile, bool) {
	full := filepath.Join(r.tftpRoot, subdir, filepath.FromSlash(reqPath))

	// Guard against subdir/reqPath combinations that, despite pathsafe's
	// sanitization of reqPath alone, would still escape tftpRoot (e.g. a
	// symlinked subdir). Belt-and-suspenders on top of pathsafe.
	realRoot, err := filepath.EvalSymlinks(r.tftpRoot)
	if err != nil {
		return nil, false
	}
	realFull, err := filepath.EvalSymlinks(full)
	if err != nil {
		return nil, false
	}
	rel, err := filepath.Rel(realRoot, realFull)
	if err != nil || rel == ".." || hasParentPrefix(rel) {
		return nil, false
	}

	info, err := os.Lstat(full)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}

	return NewLocalResolvedFile(layer, full, info.Size()), true
}

func hasParentPrefix(rel string) bool {
	clean := path.Clean(filepath.ToSlash(rel))
	return clean == ".." || len(clean) >= 3 && clean[:3] == "../"
}

func (r *Resolver) tryGuest(ctx context.Context, cfg *config.NbdConfig, reqPath string) (*ResolvedFile, error) {
	sess, err := r.sessions.GetOrAttach(ctx, cfg.URL, cfg.Mounts)
	if err != nil {
		// spec.md §7: GuestAttachFailed surfaces to the transfer as NotFound.
		logger.WarnCtx(ctx, "vfs: guest attach failed, reporting not found",
			logger.KeySessionURL, cfg.URL, logger.KeyError, err.Error())
		return nil, ErrNotFound
	}

	guestPath := path.Join(cfg.TFTPRoot, reqPath)
	size, err := sess.Stat(guestPath)
	if err != nil {
		sess.Release()
		return nil, ErrNotFound
	}

	return &ResolvedFile{Layer: LayerGuest, Size: size, guestSession: sess, guestPath: guestPath}, nil
}
