package store

import (
	"context"

	"github.com/google/uuid"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// CreatePolicy persists one permission rule.
func (s *Store) CreatePolicy(ctx context.Context, p *v1.PermissionPolicy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = nowMs()
	}
	if p.Resource == "" {
		p.Resource = "*"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO policies (id, subject, action, resource, effect, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.Subject, p.Action, p.Resource, p.Effect, p.CreatedAt, p.CreatedBy)
	return err
}

// ListPolicies returns all permission rules.
func (s *Store) ListPolicies(ctx context.Context) ([]*v1.PermissionPolicy, error) {
	var out []*v1.PermissionPolicy
	err := s.ro.SelectContext(ctx, &out, `
		SELECT id, subject, action, resource, effect,
			created_at AS createdat, created_by AS createdby
		FROM policies ORDER BY created_at`)
	return out, err
}

// PoliciesForSubjects returns rules whose subject is one of the given
// subjects or the wildcard.
func (s *Store) PoliciesForSubjects(ctx context.Context, subjects []string) ([]*v1.PermissionPolicy, error) {
	all, err := s.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	match := make(map[string]bool, len(subjects)+1)
	match["*"] = true
	for _, sub := range subjects {
		match[sub] = true
	}
	var out []*v1.PermissionPolicy
	for _, p := range all {
		if match[p.Subject] {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeletePolicy removes one permission rule.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM policies WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("policy", id)
	}
	return nil
}
