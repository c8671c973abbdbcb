package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type userRow struct {
	ID           string        `db:"id"`
	Username     string        `db:"username"`
	DisplayName  string        `db:"display_name"`
	PasswordHash string        `db:"password_hash"`
	Role         string        `db:"role"`
	CreatedAt    int64         `db:"created_at"`
	LastLogin    sql.NullInt64 `db:"last_login"`
	MFASecret    string        `db:"mfa_secret"`
	MFAEnabled   bool          `db:"mfa_enabled"`
}

func (r *userRow) toUser() *v1.User {
	u := &v1.User{
		ID:           r.ID,
		Username:     r.Username,
		DisplayName:  r.DisplayName,
		PasswordHash: r.PasswordHash,
		Role:         r.Role,
		CreatedAt:    r.CreatedAt,
		MFASecret:    r.MFASecret,
		MFAEnabled:   r.MFAEnabled,
	}
	if r.LastLogin.Valid {
		ts := r.LastLogin.Int64
		u.LastLogin = &ts
	}
	return u
}

const userColumns = `id, username, display_name, password_hash, role, created_at, last_login, mfa_secret, mfa_enabled`

// CreateUser persists a new account. A duplicate username returns a
// CONFLICT error.
func (s *Store) CreateUser(ctx context.Context, u *v1.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt == 0 {
		u.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, username, display_name, password_hash, role, created_at, mfa_secret, mfa_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), u.ID, u.Username, u.DisplayName, u.PasswordHash, u.Role, u.CreatedAt, u.MFASecret, u.MFAEnabled)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return apperrors.Conflict(fmt.Sprintf("username %s is taken", u.Username))
	}
	return err
}

// GetUser returns an account by id.
func (s *Store) GetUser(ctx context.Context, id string) (*v1.User, error) {
	var row userRow
	err := s.ro.GetContext(ctx, &row,
		s.ro.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toUser(), nil
}

// GetUserByUsername returns an account by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*v1.User, error) {
	var row userRow
	err := s.ro.GetContext(ctx, &row,
		s.ro.Rebind(`SELECT `+userColumns+` FROM users WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user", username)
	}
	if err != nil {
		return nil, err
	}
	return row.toUser(), nil
}

// ListUsers returns all accounts ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]*v1.User, error) {
	var rows []userRow
	if err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+userColumns+` FROM users ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]*v1.User, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toUser())
	}
	return out, nil
}

// CountUsers returns the number of accounts. The first registered
// account becomes admin.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// UpdateLastLogin stamps a successful login.
func (s *Store) UpdateLastLogin(ctx context.Context, id string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE users SET last_login = ? WHERE id = ?`), ts, id)
	return err
}

// SetMFA stores or clears a user's TOTP secret.
func (s *Store) SetMFA(ctx context.Context, id, secret string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE users SET mfa_secret = ?, mfa_enabled = ? WHERE id = ?`),
		secret, enabled, id)
	return err
}

// UpdateUserRole changes an account's role.
func (s *Store) UpdateUserRole(ctx context.Context, id, role string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE users SET role = ? WHERE id = ?`), role, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("user", id)
	}
	return nil
}

// DeleteUser removes an account and its memberships.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("user", id)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM members WHERE user_id = ?`), id)
		return err
	})
}
