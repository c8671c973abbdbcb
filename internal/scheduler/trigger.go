package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// TriggerDriver watches the event stream and spawns agents from matching
// enabled triggers, rate-limited per trigger by a cooldown window.
type TriggerDriver struct {
	store   *store.Store
	spawner Spawner
	bus     bus.Bus
	logger  *logger.Logger
	now     func() time.Time

	sub bus.Subscription
}

func NewTriggerDriver(st *store.Store, sp Spawner, eb bus.Bus, log *logger.Logger) *TriggerDriver {
	return &TriggerDriver{
		store:   st,
		spawner: sp,
		bus:     eb,
		logger:  log.WithFields(zap.String("component", "trigger-driver")),
		now:     time.Now,
	}
}

// CreateTrigger validates and persists a trigger.
func (d *TriggerDriver) CreateTrigger(ctx context.Context, t *v1.EventTrigger) error {
	if t.Name == "" {
		return apperrors.Validation("trigger name is required")
	}
	if t.EventType == "" {
		return apperrors.Validation("trigger eventType is required")
	}
	if t.EventFilter != "" && !strings.Contains(t.EventFilter, "=") {
		return apperrors.Validation(`eventFilter must be "path=value"`)
	}
	var agentCfg v1.AgentConfig
	if err := json.Unmarshal([]byte(t.AgentConfig), &agentCfg); err != nil {
		return apperrors.Validation("agentConfig is not valid JSON")
	}
	t.Enabled = true
	if err := d.store.CreateTrigger(ctx, t); err != nil {
		return err
	}
	d.bus.Emit(events.New(events.TriggerCreated, events.AdminEvent{
		ActorUID: t.OwnerUID,
		Target:   t.ID,
		Args:     map[string]interface{}{"name": t.Name, "eventType": t.EventType},
	}).WithOwner(t.OwnerUID))
	return nil
}

// Start subscribes the driver to the full event stream.
func (d *TriggerDriver) Start() error {
	sub, err := d.bus.Subscribe("*", d.handle, bus.WithName("trigger-driver"))
	if err != nil {
		return err
	}
	d.sub = sub
	return nil
}

// Stop detaches the driver from the bus.
func (d *TriggerDriver) Stop() {
	if d.sub != nil {
		d.sub.Unsubscribe()
	}
}

func (d *TriggerDriver) handle(ctx context.Context, ev *events.Event) error {
	switch ev.Topic {
	case events.SubscriberLagged, events.BusHandlerError, events.TriggerFired:
		return nil
	}

	triggers, err := d.store.EnabledTriggers(ctx)
	if err != nil {
		d.logger.WithError(err).Error("trigger lookup failed")
		return nil
	}

	now := d.now()
	for _, t := range triggers {
		if t.EventType != ev.Topic {
			continue
		}
		if !d.filterMatches(t, ev) {
			continue
		}
		if t.LastFired != nil && now.UnixMilli()-*t.LastFired < t.CooldownMs {
			continue
		}
		d.fire(ctx, t, ev, now)
	}
	return nil
}

func (d *TriggerDriver) filterMatches(t *v1.EventTrigger, ev *events.Event) bool {
	if t.EventFilter == "" {
		return true
	}
	path, want, ok := strings.Cut(t.EventFilter, "=")
	if !ok {
		return false
	}
	payload, err := ev.PayloadJSON()
	if err != nil {
		return false
	}
	got, found := lookupPath(payload, strings.TrimSpace(path))
	return found && got == strings.TrimSpace(want)
}

func (d *TriggerDriver) fire(ctx context.Context, t *v1.EventTrigger, ev *events.Event, now time.Time) {
	// The cooldown window opens whether or not the spawn below succeeds,
	// so a broken trigger cannot spin on every event.
	if err := d.store.MarkTriggerFired(ctx, t.ID, now.UnixMilli()); err != nil {
		d.logger.WithError(err).Error("failed to stamp trigger firing")
	}

	var agentCfg v1.AgentConfig
	if err := json.Unmarshal([]byte(t.AgentConfig), &agentCfg); err != nil {
		d.logger.Error("trigger has malformed agent config, disabling",
			zap.String("trigger", t.ID), zap.Error(err))
		if derr := d.store.SetTriggerEnabled(ctx, t.ID, false); derr != nil {
			d.logger.WithError(derr).Error("failed to disable trigger")
		}
		return
	}

	info, err := d.spawner.SpawnAgent(ctx, t.OwnerUID, agentCfg)
	if err != nil {
		d.logger.Warn("trigger spawn failed",
			zap.String("trigger", t.ID), zap.Error(err))
		return
	}
	d.logger.Info("trigger fired",
		zap.String("trigger", t.Name), zap.String("on", ev.Topic), zap.Int("pid", info.PID))
	d.bus.Emit(events.New(events.TriggerFired, events.AdminEvent{
		ActorUID: t.OwnerUID,
		Target:   t.ID,
		Args:     map[string]interface{}{"eventType": ev.Topic, "pid": info.PID},
	}).WithOwner(t.OwnerUID))
}

// lookupPath walks a dot-separated path through a JSON object and
// returns the value at the leaf rendered as a string.
func lookupPath(payload []byte, path string) (string, bool) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		raw, _ := json.Marshal(v)
		return string(raw), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	case nil:
		return "null", true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}
