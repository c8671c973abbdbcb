package v1

// Webhook is an outbound HTTP subscription to kernel events.
type Webhook struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Secret       string            `json:"-"`
	Events       []string          `json:"events"`
	Filters      map[string]string `json:"filters,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Enabled      bool              `json:"enabled"`
	OwnerUID     string            `json:"ownerUid"`
	RetryCount   int               `json:"retryCount"`
	TimeoutMs    int64             `json:"timeoutMs"`
	FailureCount int               `json:"failureCount"`
	CreatedAt    int64             `json:"createdAt"`
}

// InboundWebhook accepts external POSTs at /hook/{token} and spawns an
// agent from its stored config.
type InboundWebhook struct {
	ID            string `json:"id"`
	Token         string `json:"token"`
	Name          string `json:"name"`
	AgentConfig   string `json:"agentConfig"`
	Transform     string `json:"transform,omitempty"` // dot-path projection into the request body
	OwnerUID      string `json:"ownerUid"`
	LastTriggered *int64 `json:"lastTriggered,omitempty"`
	TriggerCount  int    `json:"triggerCount"`
	CreatedAt     int64  `json:"createdAt"`
}

// WebhookLog records one delivery attempt.
type WebhookLog struct {
	ID         int64  `json:"id"`
	WebhookID  string `json:"webhookId"`
	EventType  string `json:"eventType"`
	Attempt    int    `json:"attempt"`
	StatusCode int    `json:"statusCode"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// DLQEntry is a delivery that exhausted its retries.
type DLQEntry struct {
	ID        string `json:"id"`
	WebhookID string `json:"webhookId"`
	EventType string `json:"eventType"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
	CreatedAt int64  `json:"createdAt"`
}
