package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type webhookRow struct {
	ID           string `db:"id"`
	URL          string `db:"url"`
	Secret       string `db:"secret"`
	Events       string `db:"events"`
	Filters      string `db:"filters"`
	Headers      string `db:"headers"`
	Enabled      bool   `db:"enabled"`
	OwnerUID     string `db:"owner_uid"`
	RetryCount   int    `db:"retry_count"`
	TimeoutMs    int64  `db:"timeout_ms"`
	FailureCount int    `db:"failure_count"`
	CreatedAt    int64  `db:"created_at"`
}

func (r *webhookRow) toWebhook() *v1.Webhook {
	w := &v1.Webhook{
		ID:           r.ID,
		URL:          r.URL,
		Secret:       r.Secret,
		Enabled:      r.Enabled,
		OwnerUID:     r.OwnerUID,
		RetryCount:   r.RetryCount,
		TimeoutMs:    r.TimeoutMs,
		FailureCount: r.FailureCount,
		CreatedAt:    r.CreatedAt,
	}
	_ = json.Unmarshal([]byte(r.Events), &w.Events)
	_ = json.Unmarshal([]byte(r.Filters), &w.Filters)
	_ = json.Unmarshal([]byte(r.Headers), &w.Headers)
	return w
}

const webhookColumns = `id, url, secret, events, filters, headers, enabled,
	owner_uid, retry_count, timeout_ms, failure_count, created_at`

// CreateWebhook persists an outbound webhook.
func (s *Store) CreateWebhook(ctx context.Context, w *v1.Webhook) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt == 0 {
		w.CreatedAt = nowMs()
	}
	events, err := json.Marshal(emptyAsList(w.Events))
	if err != nil {
		return err
	}
	filters, err := json.Marshal(w.Filters)
	if err != nil {
		return err
	}
	headers, err := json.Marshal(w.Headers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO webhooks (id, url, secret, events, filters, headers, enabled, owner_uid, retry_count, timeout_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), w.ID, w.URL, w.Secret, string(events), string(filters), string(headers),
		w.Enabled, w.OwnerUID, w.RetryCount, w.TimeoutMs, w.CreatedAt)
	return err
}

// GetWebhook returns one webhook by id.
func (s *Store) GetWebhook(ctx context.Context, id string) (*v1.Webhook, error) {
	var row webhookRow
	err := s.ro.GetContext(ctx, &row,
		s.ro.Rebind(`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("webhook", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toWebhook(), nil
}

// ListWebhooks returns webhooks. An empty ownerUID lists all owners.
func (s *Store) ListWebhooks(ctx context.Context, ownerUID string) ([]*v1.Webhook, error) {
	var rows []webhookRow
	var err error
	if ownerUID == "" {
		err = s.ro.SelectContext(ctx, &rows,
			`SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at`)
	} else {
		err = s.ro.SelectContext(ctx, &rows, s.ro.Rebind(
			`SELECT `+webhookColumns+` FROM webhooks WHERE owner_uid = ? ORDER BY created_at`), ownerUID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Webhook, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWebhook())
	}
	return out, nil
}

// EnabledWebhooks returns all enabled webhooks for the dispatcher.
func (s *Store) EnabledWebhooks(ctx context.Context) ([]*v1.Webhook, error) {
	var rows []webhookRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+webhookColumns+` FROM webhooks WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Webhook, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWebhook())
	}
	return out, nil
}

// IncrementWebhookFailure bumps the consecutive failure counter and
// returns the new count. A successful delivery resets it.
func (s *Store) IncrementWebhookFailure(ctx context.Context, id string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = ?`), id); err != nil {
		return 0, err
	}
	var n int
	err := s.db.GetContext(ctx, &n,
		s.db.Rebind(`SELECT failure_count FROM webhooks WHERE id = ?`), id)
	return n, err
}

// ResetWebhookFailures clears the consecutive failure counter.
func (s *Store) ResetWebhookFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE webhooks SET failure_count = 0 WHERE id = ?`), id)
	return err
}

// SetWebhookEnabled toggles a webhook; the dispatcher disables webhooks
// that fail persistently.
func (s *Store) SetWebhookEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE webhooks SET enabled = ? WHERE id = ?`), enabled, id)
	return err
}

// DeleteWebhook removes a webhook and its delivery logs.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM webhooks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("webhook", id)
	}
	_, _ = s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM webhook_logs WHERE webhook_id = ?`), id)
	return nil
}

// AppendWebhookLog records one delivery attempt.
func (s *Store) AppendWebhookLog(ctx context.Context, l *v1.WebhookLog) error {
	if l.Timestamp == 0 {
		l.Timestamp = nowMs()
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO webhook_logs (webhook_id, event_type, attempt, status_code, success, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), l.WebhookID, l.EventType, l.Attempt, l.StatusCode, l.Success, l.Error, l.Timestamp)
	if err != nil {
		return err
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// ListWebhookLogs returns recent delivery attempts, newest first.
func (s *Store) ListWebhookLogs(ctx context.Context, webhookID string, limit int) ([]*v1.WebhookLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID         int64  `db:"id"`
		WebhookID  string `db:"webhook_id"`
		EventType  string `db:"event_type"`
		Attempt    int    `db:"attempt"`
		StatusCode int    `db:"status_code"`
		Success    bool   `db:"success"`
		Error      string `db:"error"`
		Timestamp  int64  `db:"timestamp"`
	}
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT id, webhook_id, event_type, attempt, status_code, success, error, timestamp
		FROM webhook_logs WHERE webhook_id = ? ORDER BY id DESC LIMIT ?
	`), webhookID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.WebhookLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.WebhookLog{
			ID:         r.ID,
			WebhookID:  r.WebhookID,
			EventType:  r.EventType,
			Attempt:    r.Attempt,
			StatusCode: r.StatusCode,
			Success:    r.Success,
			Error:      r.Error,
			Timestamp:  r.Timestamp,
		})
	}
	return out, nil
}

// AppendDLQ stores a delivery that exhausted its retries.
func (s *Store) AppendDLQ(ctx context.Context, e *v1.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO webhook_dlq (id, webhook_id, event_type, payload, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.WebhookID, e.EventType, e.Payload, e.Error, e.Attempts, e.CreatedAt)
	return err
}

// GetDLQEntry returns one dead-letter entry by id.
func (s *Store) GetDLQEntry(ctx context.Context, id string) (*v1.DLQEntry, error) {
	var e v1.DLQEntry
	err := s.ro.GetContext(ctx, &e, s.ro.Rebind(`
		SELECT id, webhook_id AS webhookid, event_type AS eventtype, payload, error,
			attempts, created_at AS createdat
		FROM webhook_dlq WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("dlq entry", id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListDLQ returns dead-letter entries, newest first.
func (s *Store) ListDLQ(ctx context.Context, webhookID string) ([]*v1.DLQEntry, error) {
	var out []*v1.DLQEntry
	var err error
	const cols = `id, webhook_id AS webhookid, event_type AS eventtype, payload, error,
		attempts, created_at AS createdat`
	if webhookID == "" {
		err = s.ro.SelectContext(ctx, &out,
			`SELECT `+cols+` FROM webhook_dlq ORDER BY created_at DESC`)
	} else {
		err = s.ro.SelectContext(ctx, &out, s.ro.Rebind(
			`SELECT `+cols+` FROM webhook_dlq WHERE webhook_id = ? ORDER BY created_at DESC`), webhookID)
	}
	return out, err
}

// DeleteDLQEntry removes a dead-letter entry after a successful replay.
func (s *Store) DeleteDLQEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM webhook_dlq WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("dlq entry", id)
	}
	return nil
}

// CreateInboundWebhook persists an inbound webhook endpoint.
func (s *Store) CreateInboundWebhook(ctx context.Context, w *v1.InboundWebhook) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Token == "" {
		w.Token = uuid.New().String()
	}
	if w.CreatedAt == 0 {
		w.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO inbound_webhooks (id, token, name, agent_config, transform, owner_uid, trigger_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`), w.ID, w.Token, w.Name, w.AgentConfig, w.Transform, w.OwnerUID, w.CreatedAt)
	return err
}

type inboundRow struct {
	ID            string        `db:"id"`
	Token         string        `db:"token"`
	Name          string        `db:"name"`
	AgentConfig   string        `db:"agent_config"`
	Transform     string        `db:"transform"`
	OwnerUID      string        `db:"owner_uid"`
	LastTriggered sql.NullInt64 `db:"last_triggered"`
	TriggerCount  int           `db:"trigger_count"`
	CreatedAt     int64         `db:"created_at"`
}

func (r *inboundRow) toInbound() *v1.InboundWebhook {
	w := &v1.InboundWebhook{
		ID:           r.ID,
		Token:        r.Token,
		Name:         r.Name,
		AgentConfig:  r.AgentConfig,
		Transform:    r.Transform,
		OwnerUID:     r.OwnerUID,
		TriggerCount: r.TriggerCount,
		CreatedAt:    r.CreatedAt,
	}
	if r.LastTriggered.Valid {
		ts := r.LastTriggered.Int64
		w.LastTriggered = &ts
	}
	return w
}

// GetInboundWebhookByToken resolves /hook/{token}.
func (s *Store) GetInboundWebhookByToken(ctx context.Context, token string) (*v1.InboundWebhook, error) {
	var row inboundRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, token, name, agent_config, transform, owner_uid, last_triggered, trigger_count, created_at
		FROM inbound_webhooks WHERE token = ?
	`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("inbound webhook", token)
	}
	if err != nil {
		return nil, err
	}
	return row.toInbound(), nil
}

// ListInboundWebhooks returns an owner's inbound webhooks.
func (s *Store) ListInboundWebhooks(ctx context.Context, ownerUID string) ([]*v1.InboundWebhook, error) {
	var rows []inboundRow
	var err error
	const cols = `id, token, name, agent_config, transform, owner_uid, last_triggered, trigger_count, created_at`
	if ownerUID == "" {
		err = s.ro.SelectContext(ctx, &rows,
			`SELECT `+cols+` FROM inbound_webhooks ORDER BY created_at`)
	} else {
		err = s.ro.SelectContext(ctx, &rows, s.ro.Rebind(
			`SELECT `+cols+` FROM inbound_webhooks WHERE owner_uid = ? ORDER BY created_at`), ownerUID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*v1.InboundWebhook, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toInbound())
	}
	return out, nil
}

// MarkInboundTriggered stamps an inbound webhook firing.
func (s *Store) MarkInboundTriggered(ctx context.Context, id string, ts int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE inbound_webhooks SET last_triggered = ?, trigger_count = trigger_count + 1 WHERE id = ?
	`), ts, id)
	return err
}

// DeleteInboundWebhook removes an inbound webhook endpoint.
func (s *Store) DeleteInboundWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM inbound_webhooks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("inbound webhook", id)
	}
	return nil
}
