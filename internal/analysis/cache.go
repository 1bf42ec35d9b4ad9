package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/logger"
)

// Cache is a single-slot mailbox per session. A Write replaces any pending
// result; Take hands it out once.
type Cache interface {
	Write(ctx context.Context, sessionID string, r *Result) error
	// Take returns the pending result and removes it, or nil when there is none.
	Take(ctx context.Context, sessionID string) (*Result, error)
	// Peek returns the pending result without consuming it.
	Peek(ctx context.Context, sessionID string) (*Result, error)
	Clear(ctx context.Context, sessionID string) error
}

// FileCache keeps one <root>/<sid>_analysis.json file per session.
type FileCache struct {
	root string
}

// NewFileCache creates root if needed.
func NewFileCache(root string) (*FileCache, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileCache{root: root}, nil
}

func (c *FileCache) path(sessionID string) (string, error) {
	id, err := history.SanitizeID(sessionID)
	if err != nil {
		return "", err
	}
	p := filepath.Join(c.root, id+"_analysis.json")
	if !history.Within(c.root, p) {
		return "", history.ErrInvalidSessionID
	}
	return p, nil
}

// Write stores r through a temp file and rename so readers never see a partial file.
func (c *FileCache) Write(ctx context.Context, sessionID string, r *Result) error {
	p, err := c.path(sessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	tmp, err := os.CreateTemp(c.root, ".analysis-*")
	if err != nil {
		return fmt.Errorf("create temp analysis: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write analysis: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close analysis: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish analysis: %w", err)
	}
	return nil
}

// Take reads and deletes the pending result. The file is claimed by renaming
// it first, so two concurrent Takes never both see it. An unreadable file is
// discarded and reported as absent.
func (c *FileCache) Take(ctx context.Context, sessionID string) (*Result, error) {
	p, err := c.path(sessionID)
	if err != nil {
		return nil, err
	}
	claimed := fmt.Sprintf("%s.take-%d", p, time.Now().UnixNano())
	if err := os.Rename(p, claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim analysis: %w", err)
	}
	r, err := readResult(claimed)
	if rmErr := os.Remove(claimed); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		logger.L.Warn("failed to remove claimed analysis", "path", claimed, "error", rmErr)
	}
	if err != nil {
		logger.L.Warn("discarding unreadable analysis", "session", sessionID, "error", err)
		return nil, nil
	}
	return r, nil
}

// Peek reads the pending result, if any.
func (c *FileCache) Peek(ctx context.Context, sessionID string) (*Result, error) {
	p, err := c.path(sessionID)
	if err != nil {
		return nil, err
	}
	r, err := readResult(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.L.Warn("unreadable analysis", "session", sessionID, "error", err)
		}
		return nil, nil
	}
	return r, nil
}

// Clear drops the pending result, if any.
func (c *FileCache) Clear(ctx context.Context, sessionID string) error {
	p, err := c.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Cache backends selectable by configuration.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// OpenCache builds the configured cache. The returned close func is never nil.
func OpenCache(ctx context.Context, backend, root, redisURL string) (Cache, func() error, error) {
	switch backend {
	case "", BackendFile:
		c, err := NewFileCache(root)
		if err != nil {
			return nil, nil, err
		}
		return c, func() error { return nil }, nil
	case BackendRedis:
		if redisURL == "" {
			return nil, nil, errors.New("analysis.redis_url is required for the redis cache")
		}
		c, err := NewRedisCache(ctx, redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown analysis cache backend %q", backend)
	}
}
