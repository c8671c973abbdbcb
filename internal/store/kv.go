package store

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// KVSet writes a key for one owner, last write wins.
func (s *Store) KVSet(ctx context.Context, uid, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO kv (uid, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(uid, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), uid, key, value, nowMs())
	return err
}

// KVGet reads one key for one owner.
func (s *Store) KVGet(ctx context.Context, uid, key string) (*v1.KVEntry, error) {
	var entry v1.KVEntry
	err := s.ro.GetContext(ctx, &entry, s.ro.Rebind(`
		SELECT key, value, updated_at AS updatedat FROM kv WHERE uid = ? AND key = ?
	`), uid, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("key", key)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// KVDelete removes one key for one owner.
func (s *Store) KVDelete(ctx context.Context, uid, key string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM kv WHERE uid = ? AND key = ?`), uid, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("key", key)
	}
	return nil
}

// KVList returns an owner's keys under a prefix, sorted by key.
func (s *Store) KVList(ctx context.Context, uid, prefix string) ([]*v1.KVEntry, error) {
	var out []*v1.KVEntry
	err := s.ro.SelectContext(ctx, &out, s.ro.Rebind(`
		SELECT key, value, updated_at AS updatedat FROM kv
		WHERE uid = ? AND key LIKE ? ORDER BY key
	`), uid, prefix+"%")
	return out, err
}
