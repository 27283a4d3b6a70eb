// Package accounts persists ledger accounts in SQLite. Writes produced by one
// ledger operation are committed together with the transaction's ID so a
// replayed transaction can never apply twice.
package accounts

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pdavault.mini/pdv/internal/platform/sqlitemigrate"

	_ "modernc.org/sqlite"
)

const (
	defaultDBFile        = "pdv.db"
	defaultBackupDirName = "backups"
	maxBusyTimeoutMs     = 5000
	defaultMaxBackups    = 20
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store holds accounts and the processed-transaction log.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	file      string
	backupDir string
	updates   chan struct{}
}

// NewStore opens (or creates) the database at filePath. A database that
// fails to open is restored from the newest backup, or recreated empty when
// there is none.
func NewStore(filePath string) (*Store, error) {
	if filePath == "" {
		filePath = defaultDBFile
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}

	s := &Store{
		file:      absPath,
		backupDir: filepath.Join(filepath.Dir(absPath), defaultBackupDirName),
		updates:   make(chan struct{}, 1),
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if err := s.openDB(); err != nil {
		if recErr := s.recoverDatabase(err); recErr != nil {
			return nil, recErr
		}
	}
	if err := s.ensureSchema(); err != nil {
		_ = s.closeDB()
		return nil, err
	}
	return s, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.file
}

// Updates receives a value whenever committed state changes. Signals
// coalesce; a reader should re-query rather than count.
func (s *Store) Updates() <-chan struct{} {
	return s.updates
}

func (s *Store) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDB()
}

func (s *Store) openDB() error {
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.Clean(s.file), maxBusyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	// Opening is lazy; reading the schema forces the header check.
	var tables int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&tables); err != nil {
		db.Close()
		return fmt.Errorf("read sqlite header: %w", err)
	}
	s.db = db
	return nil
}

func (s *Store) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) ensureSchema() error {
	ctx := context.Background()
	if err := sqlitemigrate.Apply(ctx, s.db, migrationFS, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	return nil
}

func (s *Store) recoverDatabase(openErr error) error {
	err := s.restoreLatestBackup()
	if err == nil {
		return nil
	}
	if !errors.Is(err, errNoBackups) {
		return fmt.Errorf("restore database after %v: %w", openErr, err)
	}
	if err := s.resetDatabaseFiles(); err != nil {
		return fmt.Errorf("reset database after %v: %w", openErr, err)
	}
	if err := s.openDB(); err != nil {
		return fmt.Errorf("create fresh database after %v: %w", openErr, err)
	}
	return nil
}

func (s *Store) resetDatabaseFiles() error {
	_ = s.closeDB()

	var firstErr error
	for _, path := range []string{s.file, s.file + "-wal", s.file + "-shm"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	return firstErr
}
