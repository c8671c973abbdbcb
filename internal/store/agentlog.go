package store

import (
	"context"

	v1 "github.com/aether/aether/pkg/api/v1"
)

type agentLogRow struct {
	ID        int64  `db:"id"`
	PID       int    `db:"pid"`
	Step      int    `db:"step"`
	Phase     string `db:"phase"`
	Tool      string `db:"tool"`
	Content   string `db:"content"`
	Timestamp int64  `db:"timestamp"`
}

// AppendAgentLog appends one entry to a process's log stream.
func (s *Store) AppendAgentLog(ctx context.Context, entry *v1.AgentLogEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = nowMs()
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_logs (pid, step, phase, tool, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.PID, entry.Step, string(entry.Phase), entry.Tool, entry.Content, entry.Timestamp)
	if err != nil {
		return err
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ListAgentLogs returns log entries for a pid in insertion order,
// starting after afterID. limit <= 0 means no limit.
func (s *Store) ListAgentLogs(ctx context.Context, pid int, afterID int64, limit int) ([]*v1.AgentLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []agentLogRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT id, pid, step, phase, tool, content, timestamp
		FROM agent_logs WHERE pid = ? AND id > ? ORDER BY id LIMIT ?
	`), pid, afterID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.AgentLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.AgentLogEntry{
			ID:        r.ID,
			PID:       r.PID,
			Step:      r.Step,
			Phase:     v1.LogPhase(r.Phase),
			Tool:      r.Tool,
			Content:   r.Content,
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

// DeleteAgentLogs removes a pid's log stream; called by the reaper.
func (s *Store) DeleteAgentLogs(ctx context.Context, pid int) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM agent_logs WHERE pid = ?`), pid)
	return err
}
