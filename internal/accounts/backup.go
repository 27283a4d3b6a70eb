package accounts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var errNoBackups = errors.New("no account backups available")

// BackupInfo describes one file in the backup directory.
type BackupInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"-"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupDir returns the directory backups are written to.
func (s *Store) BackupDir() string {
	return s.backupDir
}

// BackupCurrent writes a snapshot of the database to a timestamped file and
// prunes the oldest files beyond maxBackups. It returns "" when there is no
// database file to back up.
func (s *Store) BackupCurrent(maxBackups int) (string, error) {
	snapshot, err := s.ExportSnapshot()
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup directory: %w", err)
	}

	path := s.uniqueBackupPath()
	if err := os.WriteFile(path, snapshot, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	s.pruneBackups(maxBackups)
	return path, nil
}

// ExportSnapshot returns a consistent copy of the database produced with
// VACUUM INTO.
func (s *Store) ExportSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.file); errors.Is(err, os.ErrNotExist) {
		return nil, os.ErrNotExist
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.file), "accounts-export-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp export file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	escaped := strings.ReplaceAll(tmpPath, "'", "''")
	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		return nil, fmt.Errorf("vacuum into temp file: %w", err)
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("read export file: %w", err)
	}
	return data, nil
}

// ImportSnapshot replaces the database with the given SQLite bytes. The
// previous file is moved into the backup directory and its path returned.
// On failure the previous database is put back.
func (s *Store) ImportSnapshot(data []byte, maxBackups int) (string, error) {
	if len(data) == 0 {
		return "", errors.New("snapshot data is empty")
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	dir := filepath.Dir(s.file)
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "accounts-import-*.db")
	if err != nil {
		return "", fmt.Errorf("create temp import file: %w", err)
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(data)
	tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("write temp import file: %w", writeErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.closeDB()

	var backupPath string
	if _, err := os.Stat(s.file); err == nil {
		backupPath = s.uniqueBackupPath()
		if err := os.Rename(s.file, backupPath); err != nil {
			os.Remove(tmpPath)
			_ = s.openDB()
			return "", fmt.Errorf("move existing db aside: %w", err)
		}
		for _, sidecar := range []string{s.file + "-wal", s.file + "-shm"} {
			_ = os.Remove(sidecar)
		}
	}

	restore := func() {
		_ = s.closeDB()
		if backupPath != "" {
			_ = os.Rename(backupPath, s.file)
		}
		_ = s.openDB()
	}

	if err := os.Rename(tmpPath, s.file); err != nil {
		os.Remove(tmpPath)
		restore()
		return "", fmt.Errorf("activate imported db: %w", err)
	}
	if err := s.openDB(); err != nil {
		os.Remove(s.file)
		restore()
		return "", fmt.Errorf("open imported db: %w", err)
	}
	if err := s.ensureSchema(); err != nil {
		_ = s.closeDB()
		os.Remove(s.file)
		restore()
		return "", err
	}

	s.pruneBackups(maxBackups)
	s.notify()
	return backupPath, nil
}

// ListBackups returns the backup files oldest first.
func (s *Store) ListBackups() ([]BackupInfo, error) {
	return s.scanBackups()
}

func (s *Store) restoreLatestBackup() error {
	backups, err := s.scanBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return errNoBackups
	}

	latest := backups[len(backups)-1]
	if err := s.resetDatabaseFiles(); err != nil {
		return err
	}
	if err := copyFile(latest.Path, s.file); err != nil {
		return fmt.Errorf("copy backup %s: %w", latest.Name, err)
	}
	return s.openDB()
}

func (s *Store) backupNaming() (prefix, ext string) {
	base := filepath.Base(s.file)
	ext = filepath.Ext(base)
	prefix = strings.TrimSuffix(base, ext)
	if prefix == "" {
		prefix = base
	}
	return prefix, ext
}

func (s *Store) uniqueBackupPath() string {
	prefix, ext := s.backupNaming()
	ts := time.Now().Unix()
	for {
		path := filepath.Join(s.backupDir, fmt.Sprintf("%s-%d%s", prefix, ts, ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		ts++
	}
}

// scanBackups lists files named <prefix>-<unix>.<ext>. Files whose suffix
// is not a timestamp fall back to their modification time.
func (s *Store) scanBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	prefix, ext := s.backupNaming()
	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		created := info.ModTime()
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), ext)
		if unix, err := strconv.ParseInt(stamp, 10, 64); err == nil {
			created = time.Unix(unix, 0)
		}
		backups = append(backups, BackupInfo{
			Name:      name,
			Path:      filepath.Join(s.backupDir, name),
			Size:      info.Size(),
			CreatedAt: created.UTC(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].Name < backups[j].Name
		}
		return backups[i].CreatedAt.Before(backups[j].CreatedAt)
	})
	return backups, nil
}

func (s *Store) pruneBackups(maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	backups, err := s.scanBackups()
	if err != nil || len(backups) <= maxBackups {
		return
	}
	for _, b := range backups[:len(backups)-maxBackups] {
		_ = os.Remove(b.Path)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
