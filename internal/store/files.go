package store

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type fileRow struct {
	Path       string `db:"path"`
	OwnerUID   string `db:"owner_uid"`
	Size       int64  `db:"size"`
	FileType   string `db:"file_type"`
	CreatedAt  int64  `db:"created_at"`
	ModifiedAt int64  `db:"modified_at"`
}

func (r *fileRow) toMeta() *v1.FileMetadata {
	return &v1.FileMetadata{
		Path:       r.Path,
		OwnerUID:   r.OwnerUID,
		Size:       r.Size,
		FileType:   r.FileType,
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
	}
}

// UpsertFile records or refreshes a file index entry.
func (s *Store) UpsertFile(ctx context.Context, meta *v1.FileMetadata) error {
	now := nowMs()
	if meta.CreatedAt == 0 {
		meta.CreatedAt = now
	}
	meta.ModifiedAt = now
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO files (path, owner_uid, size, file_type, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_uid, path) DO UPDATE SET
			size = excluded.size,
			file_type = excluded.file_type,
			modified_at = excluded.modified_at
	`), meta.Path, meta.OwnerUID, meta.Size, meta.FileType, meta.CreatedAt, meta.ModifiedAt)
	return err
}

// GetFile returns the index entry for one path.
func (s *Store) GetFile(ctx context.Context, ownerUID, path string) (*v1.FileMetadata, error) {
	var row fileRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT path, owner_uid, size, file_type, created_at, modified_at
		FROM files WHERE owner_uid = ? AND path = ?
	`), ownerUID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("file", path)
	}
	if err != nil {
		return nil, err
	}
	return row.toMeta(), nil
}

// ListFiles returns index entries under a path prefix for one owner.
func (s *Store) ListFiles(ctx context.Context, ownerUID, prefix string) ([]*v1.FileMetadata, error) {
	var rows []fileRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT path, owner_uid, size, file_type, created_at, modified_at
		FROM files WHERE owner_uid = ? AND path LIKE ? ORDER BY path
	`), ownerUID, prefix+"%")
	if err != nil {
		return nil, err
	}
	out := make([]*v1.FileMetadata, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMeta())
	}
	return out, nil
}

// DeleteFile removes an index entry. Deleting a directory entry removes
// everything beneath it.
func (s *Store) DeleteFile(ctx context.Context, ownerUID, path string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM files WHERE owner_uid = ? AND (path = ? OR path LIKE ?)
	`), ownerUID, path, path+"/%")
	return err
}
