package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type snapshotRow struct {
	ID          string `db:"id"`
	PID         int    `db:"pid"`
	Timestamp   int64  `db:"timestamp"`
	Description string `db:"description"`
	FilePath    string `db:"file_path"`
	TarballPath string `db:"tarball_path"`
	ProcessInfo string `db:"process_info"`
	SizeBytes   int64  `db:"size_bytes"`
}

func (r *snapshotRow) toSnapshot() *v1.Snapshot {
	return &v1.Snapshot{
		ID:          r.ID,
		PID:         r.PID,
		Timestamp:   r.Timestamp,
		Description: r.Description,
		FilePath:    r.FilePath,
		TarballPath: r.TarballPath,
		ProcessInfo: r.ProcessInfo,
		SizeBytes:   r.SizeBytes,
	}
}

// CreateSnapshot persists a snapshot record.
func (s *Store) CreateSnapshot(ctx context.Context, snap *v1.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.Timestamp == 0 {
		snap.Timestamp = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO snapshots (id, pid, timestamp, description, file_path, tarball_path, process_info, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), snap.ID, snap.PID, snap.Timestamp, snap.Description,
		snap.FilePath, snap.TarballPath, snap.ProcessInfo, snap.SizeBytes)
	return err
}

// GetSnapshot returns one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*v1.Snapshot, error) {
	var row snapshotRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, pid, timestamp, description, file_path, tarball_path, process_info, size_bytes
		FROM snapshots WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("snapshot", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toSnapshot(), nil
}

// ListSnapshots returns snapshots for a pid, newest first. pid <= 0
// lists all snapshots.
func (s *Store) ListSnapshots(ctx context.Context, pid int) ([]*v1.Snapshot, error) {
	var rows []snapshotRow
	var err error
	if pid <= 0 {
		err = s.ro.SelectContext(ctx, &rows, `
			SELECT id, pid, timestamp, description, file_path, tarball_path, process_info, size_bytes
			FROM snapshots ORDER BY timestamp DESC`)
	} else {
		err = s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
			SELECT id, pid, timestamp, description, file_path, tarball_path, process_info, size_bytes
			FROM snapshots WHERE pid = ? ORDER BY timestamp DESC`), pid)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Snapshot, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSnapshot())
	}
	return out, nil
}

// DeleteSnapshot removes a snapshot record.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM snapshots WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("snapshot", id)
	}
	return nil
}
