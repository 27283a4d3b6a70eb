package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is the last block the consensus engine committed.
type Checkpoint struct {
	Height  int64  `json:"height"`
	AppHash []byte `json:"app_hash"`
}

// SaveCheckpoint records the committed height and state hash.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO chain_state (id, height, app_hash, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			height = excluded.height,
			app_hash = excluded.app_hash,
			updated_at = excluded.updated_at`,
		cp.Height, cp.AppHash, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the stored checkpoint, or the zero value before the
// first commit.
func (s *Store) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `SELECT height, app_hash FROM chain_state WHERE id = 1`).Scan(&cp.Height, &cp.AppHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}
