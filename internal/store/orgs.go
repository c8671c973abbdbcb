package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// CreateOrganization persists a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org *v1.Organization) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	if org.CreatedAt == 0 {
		org.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)
	`), org.ID, org.Name, org.CreatedAt)
	return err
}

// GetOrganization returns one organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*v1.Organization, error) {
	var org v1.Organization
	err := s.ro.GetContext(ctx, &org, s.ro.Rebind(`
		SELECT id, name, created_at AS createdat FROM organizations WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("organization", id)
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// ListOrganizations returns all organizations.
func (s *Store) ListOrganizations(ctx context.Context) ([]*v1.Organization, error) {
	var orgs []*v1.Organization
	err := s.ro.SelectContext(ctx, &orgs,
		`SELECT id, name, created_at AS createdat FROM organizations ORDER BY created_at`)
	return orgs, err
}

// DeleteOrganization removes an organization, its teams, and all
// memberships in one transaction.
func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		var teamIDs []string
		if err := tx.SelectContext(ctx, &teamIDs,
			tx.Rebind(`SELECT id FROM teams WHERE org_id = ?`), id); err != nil {
			return err
		}
		parents := append(teamIDs, id)
		query, args, err := sqlx.In(`DELETE FROM members WHERE parent_id IN (?)`, parents)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM teams WHERE org_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM organizations WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("organization", id)
		}
		return nil
	})
}

// CreateTeam persists a new team inside an organization.
func (s *Store) CreateTeam(ctx context.Context, team *v1.Team) error {
	if team.ID == "" {
		team.ID = uuid.New().String()
	}
	if team.CreatedAt == 0 {
		team.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO teams (id, org_id, name, created_at) VALUES (?, ?, ?, ?)
	`), team.ID, team.OrgID, team.Name, team.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return apperrors.NotFound("organization", team.OrgID)
	}
	return err
}

// ListTeams returns the teams of an organization.
func (s *Store) ListTeams(ctx context.Context, orgID string) ([]*v1.Team, error) {
	var teams []*v1.Team
	err := s.ro.SelectContext(ctx, &teams, s.ro.Rebind(`
		SELECT id, org_id AS orgid, name, created_at AS createdat
		FROM teams WHERE org_id = ? ORDER BY created_at
	`), orgID)
	return teams, err
}

// DeleteTeam removes a team and its memberships.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM members WHERE parent_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM teams WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("team", id)
		}
		return nil
	})
}

// AddMember links a user to an organization or team. Re-adding updates
// the role.
func (s *Store) AddMember(ctx context.Context, m *v1.Member) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.JoinedAt == 0 {
		m.JoinedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO members (id, parent_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(parent_id, user_id) DO UPDATE SET role = excluded.role
	`), m.ID, m.ParentID, m.UserID, m.Role, m.JoinedAt)
	return err
}

// ListMembers returns the memberships of an organization or team.
func (s *Store) ListMembers(ctx context.Context, parentID string) ([]*v1.Member, error) {
	var members []*v1.Member
	err := s.ro.SelectContext(ctx, &members, s.ro.Rebind(`
		SELECT id, parent_id AS parentid, user_id AS userid, role, joined_at AS joinedat
		FROM members WHERE parent_id = ? ORDER BY joined_at
	`), parentID)
	return members, err
}

// RemoveMember unlinks a user from an organization or team.
func (s *Store) RemoveMember(ctx context.Context, parentID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM members WHERE parent_id = ? AND user_id = ?`),
		parentID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("membership", parentID)
	}
	return nil
}
