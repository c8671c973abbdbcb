package store

import (
	"context"

	v1 "github.com/aether/aether/pkg/api/v1"
)

type metricRow struct {
	ID             int64   `db:"id"`
	Timestamp      int64   `db:"timestamp"`
	ProcessCount   int     `db:"process_count"`
	CPUPercent     float64 `db:"cpu_percent"`
	MemoryMB       float64 `db:"memory_mb"`
	ContainerCount int     `db:"container_count"`
}

// InsertMetric appends one kernel metrics sample.
func (s *Store) InsertMetric(ctx context.Context, m *v1.KernelMetric) error {
	if m.Timestamp == 0 {
		m.Timestamp = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO kernel_metrics (timestamp, process_count, cpu_percent, memory_mb, container_count)
		VALUES (?, ?, ?, ?, ?)
	`), m.Timestamp, m.ProcessCount, m.CPUPercent, m.MemoryMB, m.ContainerCount)
	return err
}

// ListMetrics returns samples newer than since, oldest first. limit <= 0
// means no limit.
func (s *Store) ListMetrics(ctx context.Context, since int64, limit int) ([]*v1.KernelMetric, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []metricRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT id, timestamp, process_count, cpu_percent, memory_mb, container_count
		FROM kernel_metrics WHERE timestamp > ? ORDER BY timestamp LIMIT ?
	`), since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.KernelMetric, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.KernelMetric{
			Timestamp:      r.Timestamp,
			ProcessCount:   r.ProcessCount,
			CPUPercent:     r.CPUPercent,
			MemoryMB:       r.MemoryMB,
			ContainerCount: r.ContainerCount,
		})
	}
	return out, nil
}

// PruneMetrics deletes samples older than cutoff.
func (s *Store) PruneMetrics(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM kernel_metrics WHERE timestamp < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
