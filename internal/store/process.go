package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type processRow struct {
	PID       int            `db:"pid"`
	UID       string         `db:"uid"`
	Name      string         `db:"name"`
	Role      string         `db:"role"`
	Goal      string         `db:"goal"`
	State     string         `db:"state"`
	Phase     string         `db:"phase"`
	Step      int            `db:"step"`
	MaxSteps  int            `db:"max_steps"`
	ExitCode  sql.NullInt64  `db:"exit_code"`
	Env       string         `db:"env"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
	ExitedAt  sql.NullInt64  `db:"exited_at"`
	TTYID     sql.NullString `db:"tty_id"`
	VNCWsURL  sql.NullString `db:"vnc_ws_url"`
}

func (r *processRow) toInfo() *v1.ProcessInfo {
	info := &v1.ProcessInfo{
		PID:       r.PID,
		UID:       r.UID,
		Name:      r.Name,
		Role:      r.Role,
		Goal:      r.Goal,
		State:     v1.ProcessState(r.State),
		Phase:     v1.AgentPhase(r.Phase),
		CreatedAt: r.CreatedAt,
		TTYID:     r.TTYID.String,
		VNCWsURL:  r.VNCWsURL.String,
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		info.ExitCode = &code
	}
	if r.ExitedAt.Valid {
		ts := r.ExitedAt.Int64
		info.ExitedAt = &ts
	}
	if r.Env != "" && r.Env != "{}" {
		_ = json.Unmarshal([]byte(r.Env), &info.Env)
	}
	return info
}

const processColumns = `pid, uid, name, role, goal, state, phase, step, max_steps,
	exit_code, env, created_at, updated_at, exited_at, tty_id, vnc_ws_url`

// CreateProcess persists a new process record.
func (s *Store) CreateProcess(ctx context.Context, info *v1.ProcessInfo, maxSteps int) error {
	env, err := json.Marshal(info.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}
	now := nowMs()
	if info.CreatedAt == 0 {
		info.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO processes (pid, uid, name, role, goal, state, phase, step, max_steps, env, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`), info.PID, info.UID, info.Name, info.Role, info.Goal,
		string(info.State), string(info.Phase), maxSteps, string(env), info.CreatedAt, now)
	return err
}

// GetProcess returns the process record for a pid.
func (s *Store) GetProcess(ctx context.Context, pid int) (*v1.ProcessInfo, error) {
	var row processRow
	err := s.ro.GetContext(ctx, &row,
		s.ro.Rebind(`SELECT `+processColumns+` FROM processes WHERE pid = ?`), pid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("process", strconv.Itoa(pid))
	}
	if err != nil {
		return nil, err
	}
	return row.toInfo(), nil
}

// ListProcesses returns all processes, newest first. An empty uid lists
// every owner's processes.
func (s *Store) ListProcesses(ctx context.Context, uid string) ([]*v1.ProcessInfo, error) {
	var rows []processRow
	var err error
	if uid == "" {
		err = s.ro.SelectContext(ctx, &rows,
			`SELECT `+processColumns+` FROM processes ORDER BY pid DESC`)
	} else {
		err = s.ro.SelectContext(ctx, &rows,
			s.ro.Rebind(`SELECT `+processColumns+` FROM processes WHERE uid = ? ORDER BY pid DESC`), uid)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*v1.ProcessInfo, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toInfo())
	}
	return out, nil
}

// UpdateProcessState records a state transition.
func (s *Store) UpdateProcessState(ctx context.Context, pid int, state v1.ProcessState) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE processes SET state = ?, updated_at = ? WHERE pid = ?`),
		string(state), nowMs(), pid)
	return err
}

// UpdateProcessPhase records the agent loop phase and step counter.
func (s *Store) UpdateProcessPhase(ctx context.Context, pid int, phase v1.AgentPhase, step int) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE processes SET phase = ?, step = ?, updated_at = ? WHERE pid = ?`),
		string(phase), step, nowMs(), pid)
	return err
}

// MarkProcessExited records the terminal exit of a process.
func (s *Store) MarkProcessExited(ctx context.Context, pid int, exitCode int, phase v1.AgentPhase) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE processes SET state = ?, phase = ?, exit_code = ?, exited_at = ?, updated_at = ? WHERE pid = ?
	`), string(v1.StateZombie), string(phase), exitCode, now, now, pid)
	return err
}

// MarkProcessReaped moves a zombie to dead.
func (s *Store) MarkProcessReaped(ctx context.Context, pid int) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE processes SET state = ?, updated_at = ? WHERE pid = ?`),
		string(v1.StateDead), nowMs(), pid)
	return err
}

// MaxPID returns the highest pid ever assigned, 0 when none. PIDs stay
// monotonic across restarts.
func (s *Store) MaxPID(ctx context.Context) (int, error) {
	var max sql.NullInt64
	if err := s.ro.GetContext(ctx, &max, `SELECT MAX(pid) FROM processes`); err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

// LiveProcesses returns processes not yet dead; used to rebuild the
// process table after a restart.
func (s *Store) LiveProcesses(ctx context.Context) ([]*v1.ProcessInfo, error) {
	var rows []processRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(
		`SELECT `+processColumns+` FROM processes WHERE state != ? ORDER BY pid`),
		string(v1.StateDead))
	if err != nil {
		return nil, err
	}
	out := make([]*v1.ProcessInfo, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toInfo())
	}
	return out, nil
}
