package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type triggerRow struct {
	ID          string        `db:"id"`
	Name        string        `db:"name"`
	EventType   string        `db:"event_type"`
	EventFilter string        `db:"event_filter"`
	AgentConfig string        `db:"agent_config"`
	Enabled     bool          `db:"enabled"`
	OwnerUID    string        `db:"owner_uid"`
	CooldownMs  int64         `db:"cooldown_ms"`
	LastFired   sql.NullInt64 `db:"last_fired"`
	FireCount   int           `db:"fire_count"`
	CreatedAt   int64         `db:"created_at"`
}

func (r *triggerRow) toTrigger() *v1.EventTrigger {
	t := &v1.EventTrigger{
		ID:          r.ID,
		Name:        r.Name,
		EventType:   r.EventType,
		EventFilter: r.EventFilter,
		AgentConfig: r.AgentConfig,
		Enabled:     r.Enabled,
		OwnerUID:    r.OwnerUID,
		CooldownMs:  r.CooldownMs,
		FireCount:   r.FireCount,
		CreatedAt:   r.CreatedAt,
	}
	if r.LastFired.Valid {
		ts := r.LastFired.Int64
		t.LastFired = &ts
	}
	return t
}

const triggerColumns = `id, name, event_type, event_filter, agent_config, enabled,
	owner_uid, cooldown_ms, last_fired, fire_count, created_at`

// CreateTrigger persists a new event trigger.
func (s *Store) CreateTrigger(ctx context.Context, t *v1.EventTrigger) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO event_triggers (id, name, event_type, event_filter, agent_config, enabled, owner_uid, cooldown_ms, fire_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.Name, t.EventType, t.EventFilter, t.AgentConfig, t.Enabled,
		t.OwnerUID, t.CooldownMs, t.FireCount, t.CreatedAt)
	return err
}

// GetTrigger returns one trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id string) (*v1.EventTrigger, error) {
	var row triggerRow
	err := s.ro.GetContext(ctx, &row,
		s.ro.Rebind(`SELECT `+triggerColumns+` FROM event_triggers WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("trigger", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toTrigger(), nil
}

// ListTriggers returns triggers. An empty ownerUID lists all owners.
func (s *Store) ListTriggers(ctx context.Context, ownerUID string) ([]*v1.EventTrigger, error) {
	var rows []triggerRow
	var err error
	if ownerUID == "" {
		err = s.ro.SelectContext(ctx, &rows,
			`SELECT `+triggerColumns+` FROM event_triggers ORDER BY created_at`)
	} else {
		err = s.ro.SelectContext(ctx, &rows, s.ro.Rebind(
			`SELECT `+triggerColumns+` FROM event_triggers WHERE owner_uid = ? ORDER BY created_at`), ownerUID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*v1.EventTrigger, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTrigger())
	}
	return out, nil
}

// EnabledTriggers returns all enabled triggers for the trigger driver.
func (s *Store) EnabledTriggers(ctx context.Context) ([]*v1.EventTrigger, error) {
	var rows []triggerRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+triggerColumns+` FROM event_triggers WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.EventTrigger, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTrigger())
	}
	return out, nil
}

// MarkTriggerFired stamps a firing. The cooldown window starts here even
// when the resulting spawn fails.
func (s *Store) MarkTriggerFired(ctx context.Context, id string, firedAt int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE event_triggers SET last_fired = ?, fire_count = fire_count + 1 WHERE id = ?
	`), firedAt, id)
	return err
}

// SetTriggerEnabled toggles a trigger.
func (s *Store) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE event_triggers SET enabled = ? WHERE id = ?`), enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("trigger", id)
	}
	return nil
}

// DeleteTrigger removes a trigger.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM event_triggers WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("trigger", id)
	}
	return nil
}
