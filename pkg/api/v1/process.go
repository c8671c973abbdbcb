// Package v1 defines the shared API types exchanged over the kernel
// protocol. All timestamps are Unix milliseconds.
package v1

// ProcessState is the lifecycle state of a supervised agent process.
type ProcessState string

const (
	StateCreated ProcessState = "created"
	StateRunning ProcessState = "running"
	StatePaused  ProcessState = "paused"
	StateZombie  ProcessState = "zombie"
	StateDead    ProcessState = "dead"
)

// Terminal reports whether the state accepts no further commands.
func (s ProcessState) Terminal() bool {
	return s == StateZombie || s == StateDead
}

// AgentPhase is the reasoning-loop phase within a running process.
type AgentPhase string

const (
	PhaseIdle      AgentPhase = "idle"
	PhaseThinking  AgentPhase = "thinking"
	PhaseActing    AgentPhase = "acting"
	PhaseObserving AgentPhase = "observing"
	PhaseCompleted AgentPhase = "completed"
	PhaseFailed    AgentPhase = "failed"
)

// Exit codes reported on process.exit.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitKilled = 137
)

// ProcessInfo is the authoritative record of a process.
type ProcessInfo struct {
	PID       int               `json:"pid"`
	UID       string            `json:"uid"`
	Name      string            `json:"name"`
	Role      string            `json:"role"`
	Goal      string            `json:"goal"`
	State     ProcessState      `json:"state"`
	Phase     AgentPhase        `json:"phase"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	ExitedAt  *int64            `json:"exitedAt,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TTYID     string            `json:"ttyId,omitempty"`
	VNCWsURL  string            `json:"vncWsUrl,omitempty"`
}

// AgentConfig is the spawn request payload, also embedded (serialized)
// inside cron jobs, triggers, and inbound webhooks.
type AgentConfig struct {
	Name     string            `json:"name,omitempty"`
	Role     string            `json:"role"`
	Goal     string            `json:"goal"`
	MaxSteps int               `json:"maxSteps,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// LogPhase classifies an agent log entry.
type LogPhase string

const (
	LogThought     LogPhase = "thought"
	LogAction      LogPhase = "action"
	LogObservation LogPhase = "observation"
	LogSystem      LogPhase = "system"
)

// AgentLogEntry is one row of an agent's append-only log stream.
type AgentLogEntry struct {
	ID        int64    `json:"id"`
	PID       int      `json:"pid"`
	Step      int      `json:"step"`
	Phase     LogPhase `json:"phase"`
	Tool      string   `json:"tool,omitempty"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
}

// Snapshot is a point-in-time capture of a process and its home tree.
type Snapshot struct {
	ID          string `json:"id"`
	PID         int    `json:"pid"`
	Timestamp   int64  `json:"timestamp"`
	Description string `json:"description"`
	FilePath    string `json:"filePath"`
	TarballPath string `json:"tarballPath"`
	ProcessInfo string `json:"processInfo"` // serialized ProcessInfo
	SizeBytes   int64  `json:"sizeBytes"`
}

// FileMetadata indexes a file created by an agent under its home.
type FileMetadata struct {
	Path       string `json:"path"`
	OwnerUID   string `json:"ownerUid"`
	Size       int64  `json:"size"`
	FileType   string `json:"fileType"` // file | directory
	CreatedAt  int64  `json:"createdAt"`
	ModifiedAt int64  `json:"modifiedAt"`
}

// KernelMetric is one sample of kernel-wide resource usage.
type KernelMetric struct {
	Timestamp      int64   `json:"timestamp"`
	ProcessCount   int     `json:"processCount"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryMB       float64 `json:"memoryMB"`
	ContainerCount int     `json:"containerCount"`
}
