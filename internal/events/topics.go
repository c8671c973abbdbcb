// Package events defines the kernel event topics and their typed
// payloads. Topics are dot-separated; subscribers may use an exact topic
// or a suffix wildcard ("agent.*").
package events

// Process lifecycle topics.
const (
	ProcessSpawned     = "process.spawned"
	ProcessStateChange = "process.stateChange"
	ProcessExit        = "process.exit"
	ProcessReaped      = "process.reaped"
)

// Agent loop topics.
const (
	AgentThought     = "agent.thought"
	AgentAction      = "agent.action"
	AgentObservation = "agent.observation"
	AgentPaused      = "agent.paused"
	AgentResumed     = "agent.resumed"
	AgentLog         = "agent.log"
)

// Kernel and infrastructure topics.
const (
	KernelMetrics    = "kernel.metrics"
	FSChanged        = "fs.changed"
	SubscriberLagged = "subscriber.lagged"
	BusHandlerError  = "bus.handlerError"
)

// Sandbox broker topics. The kernel forwards these opaquely.
const (
	VNCStarted  = "vnc.started"
	VNCStopped  = "vnc.stopped"
	GPUAlloc    = "gpu.allocated"
	GPUReleased = "gpu.released"
	TTYOutput   = "tty.output"
)

// Plan topics.
const (
	PlanCreated = "plan.created"
	PlanUpdated = "plan.updated"
)

// Webhook topics.
const (
	WebhookDelivered = "webhook.delivered"
	WebhookFailed    = "webhook.failed"
	WebhookDLQ       = "webhook.dlq"
	WebhookCreated   = "webhook.created"
	WebhookDeleted   = "webhook.deleted"
)

// Admin/security topics consumed by the audit logger.
const (
	UserRegistered = "user.registered"
	UserLoggedIn   = "user.loggedIn"
	UserDeleted    = "user.deleted"
	PolicyCreated  = "policy.created"
	PolicyDeleted  = "policy.deleted"
	CronCreated    = "cron.created"
	CronDeleted    = "cron.deleted"
	TriggerCreated = "trigger.created"
	TriggerFired   = "trigger.fired"
)

// critical topics are never dropped under backpressure: a subscriber too
// slow to receive one is disconnected instead.
var critical = map[string]bool{
	ProcessExit:   true,
	ProcessReaped: true,
}

// Critical reports whether events on the topic must never be dropped.
func Critical(topic string) bool {
	return critical[topic]
}
