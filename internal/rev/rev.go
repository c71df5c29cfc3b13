// Package rev normalises and compares the opaque revision tokens handed out by storage providers,
// and diffs revision maps to decide which models need to move.
package rev

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// gzipSuffix is appended to ETags by WebDAV servers that serve gzip content-encoding.
const gzipSuffix = "-gzip"

var (
	ErrInvalidRevMap = errors.New("rev: invalid rev map")
)

// Map maps a model id to the provider revision of its remote object.
type Map map[string]string

// Clone returns a shallow copy. A nil map clones to an empty one.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CleanRev strips transport decorations from a revision token.
func CleanRev(r string) string {
	for {
		cleaned := strings.TrimSuffix(strings.Trim(r, "\""), gzipSuffix)
		if cleaned == r {
			return r
		}
		r = cleaned
	}
}

// IsSameRev reports whether two revisions refer to the same remote state.
// Empty revisions never match anything.
func IsSameRev(a, b string) bool {
	if a == "" || b == "" {
		slog.Debug("rev compare with empty revision", "a", a, "b", b)
		return false
	}
	if a == b {
		return true
	}
	return CleanRev(a) == CleanRev(b)
}

// ValidateMap rejects maps with empty ids or revisions.
func ValidateMap(m Map) (Map, error) {
	for id, r := range m {
		if id == "" {
			return nil, fmt.Errorf("%w: empty model id", ErrInvalidRevMap)
		}
		if r == "" {
			return nil, fmt.Errorf("%w: empty revision for %q", ErrInvalidRevMap, id)
		}
	}
	return m, nil
}
