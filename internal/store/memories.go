package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type memoryRow struct {
	ID           string        `db:"id"`
	AgentUID     string        `db:"agent_uid"`
	Layer        string        `db:"layer"`
	Content      string        `db:"content"`
	Tags         string        `db:"tags"`
	Importance   float64       `db:"importance"`
	AccessCount  int           `db:"access_count"`
	CreatedAt    int64         `db:"created_at"`
	LastAccessed int64         `db:"last_accessed"`
	ExpiresAt    sql.NullInt64 `db:"expires_at"`
	SourcePID    sql.NullInt64 `db:"source_pid"`
	Related      string        `db:"related"`
}

func (r *memoryRow) toMemory() *v1.Memory {
	m := &v1.Memory{
		ID:           r.ID,
		AgentUID:     r.AgentUID,
		Layer:        r.Layer,
		Content:      r.Content,
		Importance:   r.Importance,
		AccessCount:  r.AccessCount,
		CreatedAt:    r.CreatedAt,
		LastAccessed: r.LastAccessed,
	}
	if r.ExpiresAt.Valid {
		ts := r.ExpiresAt.Int64
		m.ExpiresAt = &ts
	}
	if r.SourcePID.Valid {
		pid := int(r.SourcePID.Int64)
		m.SourcePID = &pid
	}
	_ = json.Unmarshal([]byte(r.Tags), &m.Tags)
	_ = json.Unmarshal([]byte(r.Related), &m.Related)
	return m
}

const memoryColumns = `id, agent_uid, layer, content, tags, importance, access_count,
	created_at, last_accessed, expires_at, source_pid, related`

// InsertMemory stores one memory record.
func (s *Store) InsertMemory(ctx context.Context, m *v1.Memory) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := nowMs()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.LastAccessed == 0 {
		m.LastAccessed = now
	}
	tags, err := json.Marshal(emptyAsList(m.Tags))
	if err != nil {
		return err
	}
	related, err := json.Marshal(emptyAsList(m.Related))
	if err != nil {
		return err
	}
	var expires, sourcePID interface{}
	if m.ExpiresAt != nil {
		expires = *m.ExpiresAt
	}
	if m.SourcePID != nil {
		sourcePID = *m.SourcePID
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO memories (id, agent_uid, layer, content, tags, importance, access_count,
			created_at, last_accessed, expires_at, source_pid, related)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.AgentUID, m.Layer, m.Content, string(tags), m.Importance, m.AccessCount,
		m.CreatedAt, m.LastAccessed, expires, sourcePID, string(related))
	return err
}

func emptyAsList(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// GetMemory returns one memory by id and bumps its access stats.
func (s *Store) GetMemory(ctx context.Context, id string) (*v1.Memory, error) {
	var row memoryRow
	err := s.ro.GetContext(ctx, &row,
		s.ro.Rebind(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("memory", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.touchMemories(ctx, []string{id}); err != nil {
		return nil, err
	}
	return row.toMemory(), nil
}

// ListMemories returns an agent's memories in one layer, newest first.
func (s *Store) ListMemories(ctx context.Context, agentUID, layer string, limit int) ([]*v1.Memory, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []memoryRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT `+memoryColumns+` FROM memories
		WHERE agent_uid = ? AND layer = ? ORDER BY created_at DESC LIMIT ?
	`), agentUID, layer, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Memory, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMemory())
	}
	return out, nil
}

// SearchMemories runs a full-text search over an agent's memories.
// Query terms are OR-joined; single-character terms are ignored. Results
// come back in relevance order and have their access stats bumped. On
// builds without FTS5 the search degrades to a LIKE scan.
func (s *Store) SearchMemories(ctx context.Context, agentUID, query, layer string, limit int) ([]*v1.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	if !s.ftsEnabled {
		return s.searchMemoriesLike(ctx, agentUID, query, layer, limit)
	}
	match := ftsQuery(query)
	if match == "" {
		return []*v1.Memory{}, nil
	}

	q := `
		SELECT ` + prefixColumns("m.", memoryColumns) + `
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? AND m.agent_uid = ?`
	args := []interface{}{match, agentUID}
	if layer != "" {
		q += ` AND m.layer = ?`
		args = append(args, layer)
	}
	q += ` ORDER BY f.rank LIMIT ?`
	args = append(args, limit)

	var rows []memoryRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(q), args...); err != nil {
		return nil, err
	}

	out := make([]*v1.Memory, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMemory())
		ids = append(ids, rows[i].ID)
	}
	if len(ids) > 0 {
		if err := s.touchMemories(ctx, ids); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// searchMemoriesLike is the degraded search path for builds without
// FTS5: substring matches ordered by importance, then recency.
func (s *Store) searchMemoriesLike(ctx context.Context, agentUID, query, layer string, limit int) ([]*v1.Memory, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return []*v1.Memory{}, nil
	}

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE agent_uid = ?`
	args := []interface{}{agentUID}
	if layer != "" {
		q += ` AND layer = ?`
		args = append(args, layer)
	}
	clauses := make([]string, len(terms))
	for i, term := range terms {
		clauses[i] = `content LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(term)+"%")
	}
	q += ` AND (` + strings.Join(clauses, " OR ") + `)`
	q += ` ORDER BY importance DESC, last_accessed DESC LIMIT ?`
	args = append(args, limit)

	var rows []memoryRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(q), args...); err != nil {
		return nil, err
	}

	out := make([]*v1.Memory, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMemory())
		ids = append(ids, rows[i].ID)
	}
	if len(ids) > 0 {
		if err := s.touchMemories(ctx, ids); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// queryTerms splits a search query into usable terms: quotes stripped,
// terms of one character or less dropped.
func queryTerms(query string) []string {
	var terms []string
	for _, term := range strings.Fields(query) {
		term = strings.Trim(term, `"'`)
		term = strings.ReplaceAll(term, `"`, ``)
		if len(term) <= 1 {
			continue
		}
		terms = append(terms, term)
	}
	return terms
}

// ftsQuery builds an FTS5 MATCH expression: terms quoted and OR-joined.
func ftsQuery(query string) string {
	terms := queryTerms(query)
	for i := range terms {
		terms[i] = `"` + terms[i] + `"`
	}
	return strings.Join(terms, " OR ")
}

func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) touchMemories(ctx context.Context, ids []string) error {
	query, args, err := sqlx.In(
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id IN (?)`,
		nowMs(), ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

// DeleteMemory removes one memory record.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM memories WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("memory", id)
	}
	return nil
}

// CountLayer returns how many memories an agent holds in a layer.
func (s *Store) CountLayer(ctx context.Context, agentUID, layer string) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n, s.ro.Rebind(
		`SELECT COUNT(*) FROM memories WHERE agent_uid = ? AND layer = ?`), agentUID, layer)
	return n, err
}

// EvictLayer removes the least valuable memories of a layer until at
// most keep remain. Eviction order is importance ascending, then least
// recently accessed. Returns the number evicted.
func (s *Store) EvictLayer(ctx context.Context, agentUID, layer string, keep int) (int64, error) {
	count, err := s.CountLayer(ctx, agentUID, layer)
	if err != nil {
		return 0, err
	}
	excess := count - keep
	if excess <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM memories WHERE id IN (
			SELECT id FROM memories
			WHERE agent_uid = ? AND layer = ?
			ORDER BY importance ASC, last_accessed ASC
			LIMIT ?
		)
	`), agentUID, layer, excess)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneExpiredMemories removes memories whose expiry has passed.
func (s *Store) PruneExpiredMemories(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
