package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type planRow struct {
	ID        string `db:"id"`
	PID       int    `db:"pid"`
	AgentUID  string `db:"agent_uid"`
	Title     string `db:"title"`
	Status    string `db:"status"`
	Tree      string `db:"tree"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r *planRow) toPlan() *v1.Plan {
	return &v1.Plan{
		ID:        r.ID,
		PID:       r.PID,
		AgentUID:  r.AgentUID,
		Title:     r.Title,
		Status:    r.Status,
		Tree:      r.Tree,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// CreatePlan persists a new plan in the active status.
func (s *Store) CreatePlan(ctx context.Context, p *v1.Plan) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = v1.PlanActive
	}
	now := nowMs()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO plans (id, pid, agent_uid, title, status, tree, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.PID, p.AgentUID, p.Title, p.Status, p.Tree, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetPlan returns one plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*v1.Plan, error) {
	var row planRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, pid, agent_uid, title, status, tree, created_at, updated_at
		FROM plans WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("plan", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toPlan(), nil
}

// ListPlans returns an agent's plans, newest first.
func (s *Store) ListPlans(ctx context.Context, agentUID string) ([]*v1.Plan, error) {
	var rows []planRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT id, pid, agent_uid, title, status, tree, created_at, updated_at
		FROM plans WHERE agent_uid = ? ORDER BY created_at DESC
	`), agentUID)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Plan, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toPlan())
	}
	return out, nil
}

// UpdatePlan replaces a plan's tree and optionally its title and status.
// Terminal plans reject further updates.
func (s *Store) UpdatePlan(ctx context.Context, id, title, status, tree string) (*v1.Plan, error) {
	current, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != v1.PlanActive {
		return nil, apperrors.InvalidState(fmt.Sprintf("plan %s is %s", id, current.Status))
	}
	if title != "" {
		current.Title = title
	}
	if status != "" {
		switch status {
		case v1.PlanActive, v1.PlanCompleted, v1.PlanAbandoned:
			current.Status = status
		default:
			return nil, apperrors.Validation(fmt.Sprintf("invalid plan status %q", status))
		}
	}
	if tree != "" {
		current.Tree = tree
	}
	current.UpdatedAt = nowMs()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE plans SET title = ?, status = ?, tree = ?, updated_at = ? WHERE id = ?
	`), current.Title, current.Status, current.Tree, current.UpdatedAt, id)
	if err != nil {
		return nil, err
	}
	return current, nil
}

// CreateFeedback stores one human rating.
func (s *Store) CreateFeedback(ctx context.Context, f *v1.Feedback) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt == 0 {
		f.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO feedback (id, pid, agent_uid, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), f.ID, f.PID, f.AgentUID, f.Rating, f.Comment, f.CreatedAt)
	return err
}

// ListFeedback returns an agent's feedback, newest first.
func (s *Store) ListFeedback(ctx context.Context, agentUID string) ([]*v1.Feedback, error) {
	var out []*v1.Feedback
	err := s.ro.SelectContext(ctx, &out, s.ro.Rebind(`
		SELECT id, pid, agent_uid AS agentuid, rating, comment, created_at AS createdat
		FROM feedback WHERE agent_uid = ? ORDER BY created_at DESC
	`), agentUID)
	return out, err
}

// CreateReflection stores one agent self-assessment.
func (s *Store) CreateReflection(ctx context.Context, r *v1.Reflection) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO reflections (id, pid, agent_uid, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), r.ID, r.PID, r.AgentUID, r.Content, r.CreatedAt)
	return err
}

// ListReflections returns an agent's reflections, newest first.
func (s *Store) ListReflections(ctx context.Context, agentUID string) ([]*v1.Reflection, error) {
	var out []*v1.Reflection
	err := s.ro.SelectContext(ctx, &out, s.ro.Rebind(`
		SELECT id, pid, agent_uid AS agentuid, content, created_at AS createdat
		FROM reflections WHERE agent_uid = ? ORDER BY created_at DESC
	`), agentUID)
	return out, err
}
