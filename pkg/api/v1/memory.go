package v1

// Memory layers. Each layer carries its own cap and eviction.
const (
	LayerEpisodic   = "episodic"
	LayerSemantic   = "semantic"
	LayerProcedural = "procedural"
	LayerSocial     = "social"
)

// ValidLayer reports whether the layer name is one of the known layers.
func ValidLayer(layer string) bool {
	switch layer {
	case LayerEpisodic, LayerSemantic, LayerProcedural, LayerSocial:
		return true
	}
	return false
}

// Memory is one agent memory record.
type Memory struct {
	ID           string   `json:"id"`
	AgentUID     string   `json:"agentUid"`
	Layer        string   `json:"layer"`
	Content      string   `json:"content"`
	Tags         []string `json:"tags,omitempty"`
	Importance   float64  `json:"importance"` // [0,1]
	AccessCount  int      `json:"accessCount"`
	CreatedAt    int64    `json:"createdAt"`
	LastAccessed int64    `json:"lastAccessed"`
	ExpiresAt    *int64   `json:"expiresAt,omitempty"`
	SourcePID    *int     `json:"sourcePid,omitempty"`
	Related      []string `json:"related,omitempty"`
}

// Plan statuses. Transitions are monotone: active -> completed|abandoned.
const (
	PlanActive    = "active"
	PlanCompleted = "completed"
	PlanAbandoned = "abandoned"
)

// Plan is a structured plan tree produced by an agent.
type Plan struct {
	ID        string `json:"id"`
	PID       int    `json:"pid"`
	AgentUID  string `json:"agentUid"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Tree      string `json:"tree"` // serialized step tree, opaque to the kernel
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Feedback is a human rating attached to a run.
type Feedback struct {
	ID        string `json:"id"`
	PID       int    `json:"pid"`
	AgentUID  string `json:"agentUid"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Reflection is an agent's post-run self-assessment.
type Reflection struct {
	ID        string `json:"id"`
	PID       int    `json:"pid"`
	AgentUID  string `json:"agentUid"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// KVEntry is a last-write-wins key-value record.
type KVEntry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
}
