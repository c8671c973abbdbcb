// Package audit records security-relevant kernel events as immutable,
// sanitized rows. Secrets never reach the audit table; payload strings
// are bounded; a daily pruner enforces retention.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aether/aether/internal/common/config"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// auditedTopics is the fixed set of topics that produce audit rows.
// High-volume agent step traffic stays out of the audit table.
var auditedTopics = []string{
	events.ProcessSpawned,
	events.ProcessExit,
	events.UserRegistered,
	events.UserLoggedIn,
	events.UserDeleted,
	events.PolicyCreated,
	events.PolicyDeleted,
	events.CronCreated,
	events.CronDeleted,
	events.TriggerCreated,
	events.WebhookCreated,
	events.WebhookDeleted,
}

// maxFieldLen caps any single sanitized string value.
const maxFieldLen = 1024

// Logger consumes the bus and appends audit rows.
type Logger struct {
	store  *store.Store
	bus    bus.Bus
	logger *logger.Logger
	cfg    config.AuditConfig

	subs []bus.Subscription
	stop chan struct{}
	done chan struct{}
}

func NewLogger(cfg config.AuditConfig, st *store.Store, eb bus.Bus, log *logger.Logger) *Logger {
	return &Logger{
		store:  st,
		bus:    eb,
		logger: log.WithFields(zap.String("component", "audit")),
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start subscribes to the audited topics and launches the daily pruner.
func (l *Logger) Start() error {
	for _, topic := range auditedTopics {
		sub, err := l.bus.Subscribe(topic, l.handle, bus.WithName("audit"))
		if err != nil {
			return err
		}
		l.subs = append(l.subs, sub)
	}
	go l.pruneLoop()
	return nil
}

// Stop detaches from the bus and stops the pruner.
func (l *Logger) Stop() {
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	close(l.stop)
	<-l.done
}

func (l *Logger) handle(ctx context.Context, ev *events.Event) error {
	entry := &v1.AuditEntry{
		Timestamp: ev.Timestamp,
		EventType: ev.Topic,
		ActorUID:  ev.OwnerUID,
		Action:    ev.Topic,
	}
	if ev.PID != 0 {
		pid := ev.PID
		entry.ActorPID = &pid
	}

	raw, err := ev.PayloadJSON()
	if err == nil {
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err == nil {
			clean := Sanitize(doc)
			if admin, ok := doc.(map[string]interface{}); ok {
				if target, ok := admin["target"].(string); ok {
					entry.Target = target
				}
				if actor, ok := admin["actorUid"].(string); ok && entry.ActorUID == "" {
					entry.ActorUID = actor
				}
			}
			if args, err := json.Marshal(clean); err == nil {
				entry.ArgsSanitized = string(args)
				entry.ResultHash = hashResult(clean)
			}
		}
	}

	if err := l.store.AppendAudit(ctx, entry); err != nil {
		l.logger.WithError(err).Error("failed to append audit record")
	}
	return nil
}

// Sanitize returns a deep copy with secret-bearing keys removed and long
// strings truncated. Key matching is case-insensitive substring so
// password, passwordHash, apiKey, mfaSecret and the like all drop out.
func Sanitize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if sensitiveKey(k) {
				continue
			}
			out[k] = Sanitize(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = Sanitize(inner)
		}
		return out
	case string:
		return truncate(val, maxFieldLen)
	default:
		return v
	}
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range []string{"password", "secret", "token", "apikey", "api_key"} {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// hashResult computes the SHA-256 of the canonical JSON encoding. Map
// keys are sorted by encoding/json, so equal values hash equally.
func hashResult(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (l *Logger) pruneLoop() {
	defer close(l.done)
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Prune(context.Background())
		}
	}
}

// Prune deletes audit rows past the retention window.
func (l *Logger) Prune(ctx context.Context) {
	retention := l.cfg.RetentionDays
	if retention <= 0 {
		retention = 90
	}
	cutoff := time.Now().AddDate(0, 0, -retention).UnixMilli()
	n, err := l.store.PruneAudit(ctx, cutoff)
	if err != nil {
		l.logger.WithError(err).Error("audit prune failed")
		return
	}
	if n > 0 {
		l.logger.Info("pruned audit records", zap.Int64("count", n))
	}
}
