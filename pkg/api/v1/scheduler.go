package v1

// CronJob spawns an agent on a time schedule. Expressions use five-field
// cron semantics plus @hourly/@daily/@weekly/@monthly macros.
type CronJob struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CronExpression string `json:"cronExpression"`
	AgentConfig    string `json:"agentConfig"` // serialized AgentConfig
	Enabled        bool   `json:"enabled"`
	OwnerUID       string `json:"ownerUid"`
	LastRun        *int64 `json:"lastRun,omitempty"`
	NextRun        int64  `json:"nextRun"`
	RunCount       int    `json:"runCount"`
	CreatedAt      int64  `json:"createdAt"`
}

// EventTrigger spawns an agent when a matching kernel event is observed,
// rate-limited by a cooldown window.
type EventTrigger struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	EventType   string `json:"eventType"`
	EventFilter string `json:"eventFilter,omitempty"` // "path=value", empty always matches
	AgentConfig string `json:"agentConfig"`
	Enabled     bool   `json:"enabled"`
	OwnerUID    string `json:"ownerUid"`
	CooldownMs  int64  `json:"cooldownMs"`
	LastFired   *int64 `json:"lastFired,omitempty"`
	FireCount   int    `json:"fireCount"`
	CreatedAt   int64  `json:"createdAt"`
}
