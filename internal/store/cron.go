package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type cronRow struct {
	ID             string        `db:"id"`
	Name           string        `db:"name"`
	CronExpression string        `db:"cron_expression"`
	AgentConfig    string        `db:"agent_config"`
	Enabled        bool          `db:"enabled"`
	OwnerUID       string        `db:"owner_uid"`
	LastRun        sql.NullInt64 `db:"last_run"`
	NextRun        int64         `db:"next_run"`
	RunCount       int           `db:"run_count"`
	CreatedAt      int64         `db:"created_at"`
}

func (r *cronRow) toJob() *v1.CronJob {
	j := &v1.CronJob{
		ID:             r.ID,
		Name:           r.Name,
		CronExpression: r.CronExpression,
		AgentConfig:    r.AgentConfig,
		Enabled:        r.Enabled,
		OwnerUID:       r.OwnerUID,
		NextRun:        r.NextRun,
		RunCount:       r.RunCount,
		CreatedAt:      r.CreatedAt,
	}
	if r.LastRun.Valid {
		ts := r.LastRun.Int64
		j.LastRun = &ts
	}
	return j
}

const cronColumns = `id, name, cron_expression, agent_config, enabled, owner_uid,
	last_run, next_run, run_count, created_at`

// CreateCronJob persists a new cron job.
func (s *Store) CreateCronJob(ctx context.Context, j *v1.CronJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt == 0 {
		j.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO cron_jobs (id, name, cron_expression, agent_config, enabled, owner_uid, next_run, run_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), j.ID, j.Name, j.CronExpression, j.AgentConfig, j.Enabled, j.OwnerUID,
		j.NextRun, j.RunCount, j.CreatedAt)
	return err
}

// GetCronJob returns one cron job by id.
func (s *Store) GetCronJob(ctx context.Context, id string) (*v1.CronJob, error) {
	var row cronRow
	err := s.ro.GetContext(ctx, &row,
		s.ro.Rebind(`SELECT `+cronColumns+` FROM cron_jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("cron job", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toJob(), nil
}

// ListCronJobs returns cron jobs. An empty ownerUID lists all owners.
func (s *Store) ListCronJobs(ctx context.Context, ownerUID string) ([]*v1.CronJob, error) {
	var rows []cronRow
	var err error
	if ownerUID == "" {
		err = s.ro.SelectContext(ctx, &rows,
			`SELECT `+cronColumns+` FROM cron_jobs ORDER BY created_at`)
	} else {
		err = s.ro.SelectContext(ctx, &rows, s.ro.Rebind(
			`SELECT `+cronColumns+` FROM cron_jobs WHERE owner_uid = ? ORDER BY created_at`), ownerUID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*v1.CronJob, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toJob())
	}
	return out, nil
}

// DueCronJobs returns enabled jobs whose next run is at or before now.
func (s *Store) DueCronJobs(ctx context.Context, now int64) ([]*v1.CronJob, error) {
	var rows []cronRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(
		`SELECT `+cronColumns+` FROM cron_jobs WHERE enabled = 1 AND next_run <= ? ORDER BY next_run`), now)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.CronJob, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toJob())
	}
	return out, nil
}

// MarkCronRun records a firing and the next scheduled run.
func (s *Store) MarkCronRun(ctx context.Context, id string, ranAt, nextRun int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cron_jobs SET last_run = ?, next_run = ?, run_count = run_count + 1 WHERE id = ?
	`), ranAt, nextRun, id)
	return err
}

// SetCronEnabled toggles a job without losing its counters.
func (s *Store) SetCronEnabled(ctx context.Context, id string, enabled bool, nextRun int64) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE cron_jobs SET enabled = ?, next_run = ? WHERE id = ?`),
		enabled, nextRun, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("cron job", id)
	}
	return nil
}

// DeleteCronJob removes a cron job.
func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM cron_jobs WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("cron job", id)
	}
	return nil
}
