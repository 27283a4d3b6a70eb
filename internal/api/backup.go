package api

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	apperrors "pdavault.mini/pdv/internal/platform/errors"
)

// maxSnapshotBytes bounds snapshot uploads.
const maxSnapshotBytes = 256 << 20

// @Title: Create Backup
// @Route: POST /api/backups/create
// @Description: Write a snapshot of the account store to the backup directory
// @Response: {"status": "ok", "name": "..."}
func (s *Service) HandleBackupCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	path, err := s.store.BackupCurrent(s.opts.MaxBackups)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to create backup: %v", err))
		s.writeError(w, fmt.Errorf("create backup: %w", err))
		return
	}

	s.logger.Info(fmt.Sprintf("API: Created backup %s", baseName(path)))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"name":   baseName(path),
	})
}

// @Title: List Backups
// @Route: GET /api/backups/list
// @Description: Backup files, oldest first
// @Response: Array of {"name", "size", "created_at"}
func (s *Service) HandleBackupsList(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	backups, err := s.store.ListBackups()
	if err != nil {
		s.writeError(w, fmt.Errorf("list backups: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, backups)
}

// @Title: Export Snapshot
// @Route: GET /api/backups/export
// @Description: Download a consistent SQLite snapshot of the account store
// @Response: application/vnd.sqlite3 file download
func (s *Service) HandleBackupExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	data, err := s.store.ExportSnapshot()
	if err != nil {
		s.writeError(w, fmt.Errorf("export snapshot: %w", err))
		return
	}

	filename := fmt.Sprintf("pdv-accounts-%s.db", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
	s.logger.Info(fmt.Sprintf("API: Served snapshot download: %s", filename))
}

// @Title: Import Snapshot
// @Route: POST /api/backups/import
// @Description: Replace the account store with an uploaded SQLite snapshot; the current store is kept as a backup
// @Response: {"status": "ok", "previous": "..."}
func (s *Service) HandleBackupImport(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.requireWritable(w) {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
	if err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.CodeInvalidTransaction, "read snapshot", err))
		return
	}
	if len(data) == 0 {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidTransaction, "snapshot is empty"))
		return
	}

	var previous string
	err = s.executor.Exclusive(func() error {
		var importErr error
		previous, importErr = s.store.ImportSnapshot(data, s.opts.MaxBackups)
		return importErr
	})
	if err != nil {
		s.logger.Error(fmt.Sprintf("Snapshot import failed: %v", err))
		s.writeError(w, apperrors.Wrap(apperrors.CodeInvalidTransaction, "import snapshot", err))
		return
	}

	s.logger.Warning(fmt.Sprintf("API: Account store replaced from upload (%d bytes)", len(data)))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"previous": baseName(previous),
	})
}

func baseName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
