package history

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrInvalidSessionID is returned when a session id has no usable basename.
var ErrInvalidSessionID = errors.New("invalid session id")

const maxSessionIDLen = 128

// SanitizeID reduces an untrusted session id to a filesystem-safe basename.
// Only the last path element survives and only [A-Za-z0-9._-] are kept.
func SanitizeID(id string) (string, error) {
	id = strings.ReplaceAll(id, "\\", "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return -1
	}, id)
	if len(id) > maxSessionIDLen {
		id = id[:maxSessionIDLen]
	}
	if id == "" || strings.Trim(id, ".") == "" {
		return "", ErrInvalidSessionID
	}
	return id, nil
}

// within reports whether path lies inside root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Within reports whether path lies inside root. Exposed for sibling stores that
// derive their own paths from sanitized ids.
func Within(root, path string) bool {
	return within(filepath.Clean(root), filepath.Clean(path))
}
