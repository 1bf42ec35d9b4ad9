package history

// The version index keeps a monotonic snapshot counter per session in SQLite.
// It is opened lazily on first use. If opening the DB or executing queries fails,
// the store falls back to deriving versions from the snapshot files on disk.

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/chatrelay/internal/logger"
)

type versionIndex struct {
	path string

	once    sync.Once
	db      *sql.DB
	initErr error
}

func newVersionIndex(path string) *versionIndex {
	return &versionIndex{path: path}
}

// init lazily opens the SQLite database and creates the table if it doesn't exist.
func (x *versionIndex) init() {
	if x.path == "" {
		x.initErr = errors.New("version index disabled")
		return
	}
	db, err := sql.Open("sqlite", "file:"+x.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		x.initErr = err
		logger.L.Warn("sqlite open failed; deriving versions from files", "error", err)
		return
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS session_versions (
        session_id TEXT PRIMARY KEY,
        version INTEGER NOT NULL,
        updated_at DATETIME
    );`); err != nil {
		x.initErr = err
		db.Close()
		logger.L.Warn("sqlite table creation failed; deriving versions from files", "error", err)
		return
	}
	x.db = db
	logger.L.Info("sqlite version index initialized", "path", x.path)
}

func (x *versionIndex) ready() bool {
	x.once.Do(x.init)
	return x.initErr == nil && x.db != nil
}

// next allocates the version after max(stored, floor) and records it.
// floor is the highest snapshot already on disk, so a lost or fresh index never
// hands out a number that is already taken.
func (x *versionIndex) next(ctx context.Context, sessionID string, floor int) (int, error) {
	if !x.ready() {
		return 0, x.initErr
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var v int
	err = tx.QueryRowContext(ctx, `SELECT version FROM session_versions WHERE session_id = ?;`, sessionID).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if v < floor {
		v = floor
	}
	v++
	if _, err := tx.ExecContext(ctx, `INSERT INTO session_versions (session_id, version, updated_at) VALUES (?,?,?)
        ON CONFLICT(session_id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at;`,
		sessionID, v, time.Now().UTC()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return v, nil
}

func (x *versionIndex) close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}
