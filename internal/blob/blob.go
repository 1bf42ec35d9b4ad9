// Package blob stores uploaded objects (templates, avatars, feedback) on the
// local filesystem and hands back a public URL for each.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for object names that would escape the store.
var ErrInvalidName = errors.New("invalid blob name")

// Store writes objects below dir.
type Store struct {
	dir     string
	baseURL string
}

// NewStore creates dir if needed. When baseURL is empty, URLs are file:// URLs.
func NewStore(dir, baseURL string) (*Store, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Dir returns the absolute root directory.
func (s *Store) Dir() string { return s.dir }

// Put writes data under name (slash separated, e.g. "templates/x.json") and
// returns its URL. Existing objects are replaced.
func (s *Store) Put(ctx context.Context, name string, data []byte) (string, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean != name {
		return "", ErrInvalidName
	}
	full := filepath.Join(s.dir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(s.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidName
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish blob: %w", err)
	}
	return s.url(clean, full), nil
}

func (s *Store) url(name, full string) string {
	if s.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String()
	}
	return s.baseURL + "/" + name
}
