// Package vfs resolves a (ClientAddr, path) pair to a concrete, readable
// file by layering per-client local directory, default local directory,
// and an NBD-backed guest session, per spec.md §4.6.
package vfs

import (
	"errors"
	"io"
	"os"

	"github.com/zentarim/rtftp/pkg/session"
)

// Layer identifies which resolver layer produced a ResolvedFile, used for
// logging and for the precedence invariant in spec.md §8.
type Layer int

const (
	LayerLocalClient Layer = iota
	LayerLocalDefault
	LayerGuest
)

func (l Layer) String() string {
	switch l {
	case LayerLocalClient:
		return "local_client"
	case LayerLocalDefault:
		return "local_default"
	case LayerGuest:
		return "guest"
	default:
		return "unknown"
	}
}

// ResolvedFile is a tagged variant {Local, Guest}: each holds exactly the
// state needed to complete reads, per spec.md §9's design note against
// polymorphic dispatch.
type ResolvedFile struct {
	Layer Layer
	Size  int64

	// Local fields (Layer == LayerLocalClient || LayerLocalDefault).
	localPath string

	// Guest fields (Layer == LayerGuest).
	guestSession *session.GuestSession
	guestPath    string
}

// NewLocalResolvedFile builds a ResolvedFile backed by a local path. It is
// exported alongside the resolver's own use of it (tryLocal) so other
// packages -- notably pkg/transfer's tests -- can construct one directly
// without a full Resolver and on-disk directory layout.
func NewLocalResolvedFile(layer Layer, path string, size int64) *ResolvedFile {
	return &ResolvedFile{Layer: layer, Size: size, localPath: path}
}

// Stat returns the resolved file's size.
func (f *ResolvedFile) Stat() int64 {
	return f.Size
}

// ReadAt reads up to length bytes at offset, returning the bytes and
// whether the read reached EOF.
func (f *ResolvedFile) ReadAt(offset, length int64) ([]byte, bool, error) {
	if f.Layer == LayerGuest {
		return f.guestSession.Read(f.guestPath, offset, length)
	}
	return readLocalAt(f.localPath, offset, length)
}

// Close releases any resources the file holds -- for a guest-backed file,
// its reference on the owning session. Local files hold nothing to
// release since readLocalAt opens and closes the file per call.
func (f *ResolvedFile) Close() {
	if f.Layer == LayerGuest && f.guestSession != nil {
		f.guestSession.Release()
	}
}

func readLocalAt(path string, offset, length int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	eof := int64(n) < length
	return buf[:n], eof, nil
}
