package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// LogRecorder persists agent step traffic from the bus into agent_logs.
// Lifecycle state writes happen synchronously at the transition site;
// only the high-volume step stream goes through here, so a write failure
// is logged and the stream keeps flowing.
type LogRecorder struct {
	store *Store
	subs  []bus.Subscription
}

// NewLogRecorder attaches the recorder to the step topics.
func NewLogRecorder(st *Store, eb bus.Bus) (*LogRecorder, error) {
	r := &LogRecorder{store: st}
	for _, topic := range []string{
		events.AgentThought,
		events.AgentAction,
		events.AgentObservation,
		events.AgentLog,
	} {
		sub, err := eb.Subscribe(topic, r.record, bus.WithName("log-recorder"))
		if err != nil {
			r.Stop()
			return nil, err
		}
		r.subs = append(r.subs, sub)
	}
	return r, nil
}

// Stop detaches the recorder from the bus.
func (r *LogRecorder) Stop() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *LogRecorder) record(ctx context.Context, ev *events.Event) error {
	step, ok := ev.Payload.(events.AgentStepEvent)
	if !ok {
		if p, isPtr := ev.Payload.(*events.AgentStepEvent); isPtr {
			step = *p
		} else {
			return nil
		}
	}
	entry := &v1.AgentLogEntry{
		PID:       step.PID,
		Step:      step.Step,
		Phase:     step.Phase,
		Tool:      step.Tool,
		Content:   step.Content,
		Timestamp: ev.Timestamp,
	}
	if err := r.store.AppendAgentLog(ctx, entry); err != nil {
		r.store.logger.Error("failed to persist agent log",
			zap.Int("pid", step.PID), zap.Error(err))
	}
	return nil
}
