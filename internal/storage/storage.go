// Package storage persists feeds in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/log"
	"github.com/colmeia/colmeia/internal/migrations"
	"github.com/colmeia/colmeia/internal/sqlite"
)

// ErrBusy is returned when another process holds the database lock for
// longer than the busy timeout.
var ErrBusy = errors.New("feed database is busy")

// DefaultSyncInterval is the number of bytes written between WAL checkpoints.
const DefaultSyncInterval = 1 << 20

// SQLite implements feed.Storage on a single SQLite database file.
type SQLite struct {
	db           *sql.DB
	path         string
	mu           sync.Mutex
	bytesWritten int64
	syncInterval int64
}

var _ feed.Storage = (*SQLite)(nil)

// Open opens (or creates) the feed database at path and migrates it to the
// current schema.
func Open(path string) (*SQLite, error) {
	return OpenWithSyncInterval(path, DefaultSyncInterval)
}

// OpenWithSyncInterval is Open with a custom checkpoint interval in bytes.
func OpenWithSyncInterval(path string, syncInterval int64) (*SQLite, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.BootstrapFeed(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize feed schema: %w", err)
	}
	return &SQLite{db: db, path: path, syncInterval: syncInterval}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) ReadData(index uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM blocks WHERE idx = ?", int64(index)).Scan(&data)
	if err != nil {
		return nil, notFound(err, "block")
	}
	return data, nil
}

func (s *SQLite) WriteData(index uint64, data []byte) error {
	_, err := s.exec(len(data),
		`INSERT INTO blocks (idx, data) VALUES (?, ?)
		ON CONFLICT(idx) DO UPDATE SET data = excluded.data`,
		int64(index), data,
	)
	if err != nil {
		return fmt.Errorf("failed to write block %d: %w", index, err)
	}
	return nil
}

func (s *SQLite) DataIndices() ([]uint64, error) {
	rows, err := s.db.Query("SELECT idx FROM blocks ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("failed to query block indices: %w", err)
	}
	defer rows.Close()

	var indices []uint64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan block index: %w", err)
		}
		indices = append(indices, uint64(idx))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block indices: %w", err)
	}
	return indices, nil
}

func (s *SQLite) ReadNode(index uint64) (feed.Node, error) {
	var (
		hash []byte
		size int64
	)
	err := s.db.QueryRow("SELECT hash, size FROM nodes WHERE idx = ?", int64(index)).Scan(&hash, &size)
	if err != nil {
		return feed.Node{}, notFound(err, "node")
	}
	return feed.Node{Index: index, Hash: hash, Size: uint64(size)}, nil
}

func (s *SQLite) WriteNode(node feed.Node) error {
	_, err := s.exec(len(node.Hash)+16,
		`INSERT INTO nodes (idx, hash, size) VALUES (?, ?, ?)
		ON CONFLICT(idx) DO UPDATE SET hash = excluded.hash, size = excluded.size`,
		int64(node.Index), node.Hash, int64(node.Size),
	)
	if err != nil {
		return fmt.Errorf("failed to write node %d: %w", node.Index, err)
	}
	return nil
}

func (s *SQLite) ReadSignature(length uint64) ([]byte, error) {
	var sig []byte
	err := s.db.QueryRow("SELECT signature FROM signatures WHERE length = ?", int64(length)).Scan(&sig)
	if err != nil {
		return nil, notFound(err, "signature")
	}
	return sig, nil
}

func (s *SQLite) WriteSignature(length uint64, sig []byte) error {
	_, err := s.exec(len(sig),
		`INSERT INTO signatures (length, signature) VALUES (?, ?)
		ON CONFLICT(length) DO UPDATE SET signature = excluded.signature`,
		int64(length), sig,
	)
	if err != nil {
		return fmt.Errorf("failed to write signature for length %d: %w", length, err)
	}
	return nil
}

func (s *SQLite) ReadMeta(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err != nil {
		return nil, notFound(err, "metadata")
	}
	return value, nil
}

func (s *SQLite) WriteMeta(key string, value []byte) error {
	_, err := s.exec(len(value),
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write metadata %q: %w", key, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := sqlite.Checkpoint(s.db); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Final checkpoint failed")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close feed database: %w", err)
	}
	return nil
}

// exec runs a write and checkpoints once syncInterval bytes have accumulated.
func (s *SQLite) exec(size int, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(query, args...)
	if err != nil {
		if isBusy(err) {
			return nil, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return nil, err
	}

	s.bytesWritten += int64(size)
	if s.syncInterval > 0 && s.bytesWritten >= s.syncInterval {
		if err := sqlite.Checkpoint(s.db); err != nil {
			return nil, err
		}
		s.bytesWritten = 0
	}
	return res, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return feed.ErrNotFound
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
