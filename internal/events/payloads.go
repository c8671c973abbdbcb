package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	v1 "github.com/aether/aether/pkg/api/v1"
)

// Event is a single record on the bus: a topic plus exactly one payload
// variant. OwnerUID scopes gateway delivery; events without an owner are
// visible to admins only unless the topic is public.
type Event struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`
	OwnerUID  string      `json:"ownerUid,omitempty"`
	PID       int         `json:"pid,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// New creates an event with a fresh id and current timestamp.
func New(topic string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// WithOwner sets the owning user for subscription scoping.
func (e *Event) WithOwner(uid string) *Event {
	e.OwnerUID = uid
	return e
}

// WithPID tags the event with the emitting process.
func (e *Event) WithPID(pid int) *Event {
	e.PID = pid
	return e
}

// PayloadJSON serializes the payload variant; used by the trigger filter
// evaluator and the webhook dispatcher.
func (e *Event) PayloadJSON() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// ProcessEvent is the payload for process.spawned, process.stateChange,
// process.exit, and process.reaped.
type ProcessEvent struct {
	PID      int             `json:"pid"`
	UID      string          `json:"uid"`
	State    v1.ProcessState `json:"state"`
	Prev     v1.ProcessState `json:"prev,omitempty"`
	ExitCode *int            `json:"exitCode,omitempty"`
	Name     string          `json:"name,omitempty"`
	Role     string          `json:"role,omitempty"`
}

// AgentStepEvent is the payload for agent.thought, agent.action,
// agent.observation, and agent.log.
type AgentStepEvent struct {
	PID     int         `json:"pid"`
	UID     string      `json:"uid"`
	Step    int         `json:"step"`
	Phase   v1.LogPhase `json:"phase"`
	Tool    string      `json:"tool,omitempty"`
	Content string      `json:"content"`
}

// PauseEvent is the payload for agent.paused and agent.resumed.
type PauseEvent struct {
	PID int    `json:"pid"`
	UID string `json:"uid"`
	By  string `json:"by,omitempty"`
}

// FSEvent is the payload for fs.changed.
type FSEvent struct {
	Path     string `json:"path"`
	OwnerUID string `json:"ownerUid"`
	Op       string `json:"op"` // write | delete | mkdir
	Size     int64  `json:"size,omitempty"`
}

// MetricsEvent is the payload for kernel.metrics.
type MetricsEvent struct {
	Metric v1.KernelMetric `json:"metric"`
}

// LaggedEvent is the payload for the subscriber.lagged sentinel.
type LaggedEvent struct {
	Count int `json:"count"`
}

// PlanEvent is the payload for plan.created and plan.updated.
type PlanEvent struct {
	PlanID string `json:"planId"`
	PID    int    `json:"pid"`
	UID    string `json:"uid"`
	Status string `json:"status"`
}

// WebhookEvent is the payload for webhook.delivered/failed/dlq.
type WebhookEvent struct {
	WebhookID string `json:"webhookId"`
	EventType string `json:"eventType"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// AdminEvent is the payload for user.*, policy.*, cron.*, trigger.*
// administrative topics.
type AdminEvent struct {
	ActorUID string                 `json:"actorUid,omitempty"`
	Target   string                 `json:"target,omitempty"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

// SandboxEvent is an opaque payload forwarded from the sandbox broker.
type SandboxEvent struct {
	PID  int             `json:"pid"`
	Data json.RawMessage `json:"data"`
}
