// Package store implements the kernel's embedded state store on SQLite.
// A single writer connection serializes mutations while a read-only pool
// serves queries concurrently through WAL snapshots.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/aether/aether/internal/common/config"
	"github.com/aether/aether/internal/common/logger"
)

const (
	busyTimeout = 5 * time.Second

	// readerConns is the size of the read-only pool. WAL mode allows
	// many readers alongside the single writer.
	readerConns = 4
)

// Store is the embedded state store. All timestamps are stored as Unix
// milliseconds in INTEGER columns.
type Store struct {
	db     *sqlx.DB // writer, single connection
	ro     *sqlx.DB // read-only pool
	logger *logger.Logger

	// Ephemeral is true when the on-disk database could not be opened
	// or recreated and the store fell back to memory. State does not
	// survive a restart in this mode.
	Ephemeral bool

	// ftsEnabled is set when the sqlite3 driver was compiled with FTS5
	// and the memories_fts index exists.
	ftsEnabled bool
}

// Open opens (or recovers) the database at cfg.Path and initializes the
// schema. A database that fails to open or to run the schema is treated
// as corrupt: the files are removed and recreated once. If recreation
// also fails and cfg.AllowFallback is set, an in-memory store is used
// and Ephemeral is set.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	log = log.WithFields(zap.String("component", "store"))

	s, err := open(cfg.Path, log)
	if err == nil {
		return s, nil
	}
	log.Error("database unusable, recreating", zap.String("path", cfg.Path), zap.Error(err))

	removeDatabaseFiles(cfg.Path)
	s, err = open(cfg.Path, log)
	if err == nil {
		return s, nil
	}

	if !cfg.AllowFallback {
		return nil, fmt.Errorf("failed to recreate database at %s: %w", cfg.Path, err)
	}
	log.Error("recreate failed, falling back to in-memory store", zap.Error(err))
	s, err = openMemory(log)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory fallback: %w", err)
	}
	s.Ephemeral = true
	return s, nil
}

// OpenMemory opens a fresh in-memory store; used by tests.
func OpenMemory(log *logger.Logger) (*Store, error) {
	s, err := openMemory(log.WithFields(zap.String("component", "store")))
	if err != nil {
		return nil, err
	}
	s.Ephemeral = true
	return s, nil
}

func open(path string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database dir: %w", err)
		}
	}

	// Writer: single connection, WAL, NORMAL sync.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	ro, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open read-only pool: %w", err)
	}
	ro.SetMaxOpenConns(readerConns)
	ro.SetMaxIdleConns(readerConns)

	s := &Store{db: db, ro: ro, logger: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		ro.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func openMemory(log *logger.Logger) (*Store, error) {
	// One shared-cache connection pair so reads see writes.
	dsn := "file::memory:?cache=shared&_foreign_keys=on"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, ro: db, logger: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func removeDatabaseFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}

// Close closes both connection pools.
func (s *Store) Close() error {
	wErr := s.db.Close()
	if s.ro != s.db {
		if rErr := s.ro.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// DB returns the writer; used by subsystems that need transactions.
func (s *Store) DB() *sqlx.DB { return s.db }

// tx runs fn inside a write transaction.
func (s *Store) tx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
