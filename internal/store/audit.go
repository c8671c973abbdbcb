package store

import (
	"context"
	"database/sql"

	v1 "github.com/aether/aether/pkg/api/v1"
)

type auditRow struct {
	ID            int64         `db:"id"`
	Timestamp     int64         `db:"timestamp"`
	EventType     string        `db:"event_type"`
	ActorPID      sql.NullInt64 `db:"actor_pid"`
	ActorUID      string        `db:"actor_uid"`
	Action        string        `db:"action"`
	Target        string        `db:"target"`
	ArgsSanitized string        `db:"args_sanitized"`
	ResultHash    string        `db:"result_hash"`
	Metadata      string        `db:"metadata"`
}

func (r *auditRow) toEntry() *v1.AuditEntry {
	e := &v1.AuditEntry{
		ID:            r.ID,
		Timestamp:     r.Timestamp,
		EventType:     r.EventType,
		ActorUID:      r.ActorUID,
		Action:        r.Action,
		Target:        r.Target,
		ArgsSanitized: r.ArgsSanitized,
		ResultHash:    r.ResultHash,
		Metadata:      r.Metadata,
	}
	if r.ActorPID.Valid {
		pid := int(r.ActorPID.Int64)
		e.ActorPID = &pid
	}
	return e
}

// AppendAudit writes one immutable audit record.
func (s *Store) AppendAudit(ctx context.Context, e *v1.AuditEntry) error {
	if e.Timestamp == 0 {
		e.Timestamp = nowMs()
	}
	var actorPID interface{}
	if e.ActorPID != nil {
		actorPID = *e.ActorPID
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log (timestamp, event_type, actor_pid, actor_uid, action, target, args_sanitized, result_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.Timestamp, e.EventType, actorPID, e.ActorUID, e.Action, e.Target,
		e.ArgsSanitized, e.ResultHash, e.Metadata)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// AuditQuery filters ListAudit. Zero values are ignored.
type AuditQuery struct {
	EventType string
	ActorUID  string
	Since     int64
	Until     int64
	Limit     int
}

// ListAudit returns audit records matching the query, newest first.
func (s *Store) ListAudit(ctx context.Context, q AuditQuery) ([]*v1.AuditEntry, error) {
	query := `SELECT id, timestamp, event_type, actor_pid, actor_uid, action, target,
		args_sanitized, result_hash, metadata FROM audit_log WHERE 1=1`
	var args []interface{}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if q.ActorUID != "" {
		query += ` AND actor_uid = ?`
		args = append(args, q.ActorUID)
	}
	if q.Since > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, q.Since)
	}
	if q.Until > 0 {
		query += ` AND timestamp <= ?`
		args = append(args, q.Until)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []auditRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*v1.AuditEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntry())
	}
	return out, nil
}

// PruneAudit deletes audit records older than cutoff.
func (s *Store) PruneAudit(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM audit_log WHERE timestamp < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
