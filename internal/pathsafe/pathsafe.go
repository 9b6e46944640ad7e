// Package pathsafe sanitizes client-supplied TFTP filenames before they are
// used to resolve a file, per spec.md §4.2.
package pathsafe

import (
	"errors"
	"path"
	"strings"
)

// ErrEmpty is returned for an empty path. Whitespace-only names are not
// rejected.
var ErrEmpty = errors.New("pathsafe: empty path")

// ErrTraversal is returned when the path escapes its root via ".." or an
// absolute component survives normalization.
var ErrTraversal = errors.New("pathsafe: path escapes root")

// ErrNulByte is returned when the path contains an embedded NUL.
var ErrNulByte = errors.New("pathsafe: embedded NUL byte")

// Clean validates and normalizes a client-supplied TFTP filename. It:
//   - rejects the empty string
//   - rejects any embedded NUL byte
//   - treats backslashes as ordinary characters, not separators (TFTP paths
//     are always forward-slash, even from Windows PXE clients)
//   - rejects any path whose cleaned form still contains a ".." component
//     or escapes the root
//
// On success it returns a relative, forward-slash path with any leading
// slash stripped, suitable for joining under an effective root directory.
func Clean(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmpty
	}
	if strings.ContainsRune(raw, 0) {
		return "", ErrNulByte
	}

	// Clean the path in its own (possibly relative) form first. Rooting it
	// with a leading "/" before Clean would let path.Clean silently collapse
	// leading ".." components instead of rejecting them.
	cleaned := path.Clean(raw)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrTraversal
	}

	rel := strings.TrimPrefix(cleaned, "/")
	if rel == "" || rel == "." {
		return "", ErrTraversal
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", ErrTraversal
		}
	}
	return rel, nil
}
