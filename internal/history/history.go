// Package history persists per-session conversation snapshots as JSON files.
// Every saved turn becomes a new numbered file; nothing is overwritten.
// Reads fail soft: a missing or corrupt snapshot yields the default seed conversation.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/comigor/chatrelay/internal/logger"
)

// Store reads and writes conversation snapshots below a root directory:
//
//	<root>/<sid>/<sid>_<version>.json
type Store struct {
	root       string
	seedPrompt string
	index      *versionIndex

	turns  keyedMutex
	writes keyedMutex
}

// NewStore creates the root directory if needed. indexPath may be empty, in
// which case versions are derived from the snapshot files alone.
func NewStore(root, seedPrompt, indexPath string) (*Store, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		root:       root,
		seedPrompt: seedPrompt,
		index:      newVersionIndex(indexPath),
	}, nil
}

// Root returns the absolute output root.
func (s *Store) Root() string { return s.root }

// SeedConversation returns the conversation a brand-new session starts from.
func (s *Store) SeedConversation() Conversation { return Seed(s.seedPrompt) }

// Close releases the version index.
func (s *Store) Close() error { return s.index.close() }

// Acquire serializes whole turns for one session. The lock is keyed on the
// sanitized id, so aliases of one session directory share it. The returned
// func releases it.
func (s *Store) Acquire(sessionID string) (func(), error) {
	id, err := SanitizeID(sessionID)
	if err != nil {
		return nil, err
	}
	return s.turns.lock(id), nil
}

func (s *Store) sessionDir(sessionID string) (string, error) {
	id, err := SanitizeID(sessionID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, id)
	if !within(s.root, dir) {
		return "", ErrInvalidSessionID
	}
	return dir, nil
}

// Load returns the most recent snapshot for the session, or the seed
// conversation when there is none or it cannot be read. The only error is
// ErrInvalidSessionID.
func (s *Store) Load(ctx context.Context, sessionID string) (Conversation, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	id := filepath.Base(dir)

	latest, _ := snapshotVersions(dir, id)
	if latest == 0 {
		return s.SeedConversation(), nil
	}
	path := snapshotPath(dir, id, latest)
	conv, err := readSnapshot(path)
	if err != nil {
		logger.L.Warn("unreadable snapshot; using seed conversation", "session", id, "path", path, "error", err)
		return s.SeedConversation(), nil
	}
	return conv, nil
}

// Save writes conv as the next snapshot and returns its version number.
func (s *Store) Save(ctx context.Context, sessionID string, conv Conversation) (int, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return 0, err
	}
	id := filepath.Base(dir)

	unlock := s.writes.lock(id)
	defer unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create session dir: %w", err)
	}

	latest, _ := snapshotVersions(dir, id)
	version, err := s.index.next(ctx, id, latest)
	if err != nil {
		version = latest + 1
	}

	data, err := json.MarshalIndent(conv, "", "    ")
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	path := snapshotPath(dir, id, version)
	// O_EXCL keeps an existing snapshot from ever being replaced.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close snapshot: %w", err)
	}
	logger.L.Debug("snapshot saved", "session", id, "version", version, "messages", len(conv))
	return version, nil
}

// Versions reports how many snapshots the session has.
func (s *Store) Versions(ctx context.Context, sessionID string) (int, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return 0, err
	}
	_, n := snapshotVersions(dir, filepath.Base(dir))
	return n, nil
}

// Snapshot reads one specific snapshot.
func (s *Store) Snapshot(ctx context.Context, sessionID string, version int) (Conversation, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	return readSnapshot(snapshotPath(dir, filepath.Base(dir), version))
}

func snapshotPath(dir, id string, version int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.json", id, version))
}

// snapshotVersions returns the highest snapshot number in dir and the number
// of snapshot files. Versions are compared numerically, so _10 sorts after _9.
func snapshotVersions(dir, id string) (latest, count int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	prefix := id + "_"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if err != nil || n <= 0 {
			continue
		}
		count++
		if n > latest {
			latest = n
		}
	}
	return latest, count
}

func readSnapshot(path string) (Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	if len(conv) == 0 {
		return nil, fmt.Errorf("empty snapshot")
	}
	return conv, nil
}

// keyedMutex hands out one mutex per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
