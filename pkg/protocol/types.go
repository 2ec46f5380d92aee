package protocol

import "time"

// ProbeKind selects how a supervised process is checked for liveness.
type ProbeKind string

// Liveness probe kinds.
const (
	// ProbePID checks the OS process table for the tracked pid.
	ProbePID ProbeKind = "pid"
	// ProbePort checks that something accepts TCP connections on a port.
	ProbePort ProbeKind = "port"
)

// ProbeConfig describes the liveness probe for one process entry.
type ProbeConfig struct {
	Kind ProbeKind `json:"kind" yaml:"kind" toml:"kind"`
	Host string    `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	Port int       `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`
}

// ProcessEntry is the configuration of one supervisable worker process.
// It is owned by external configuration; the registry only reads it.
type ProcessEntry struct {
	ID          string      `json:"id" yaml:"id" toml:"id"`
	Name        string      `json:"name" yaml:"name" toml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Command     string      `json:"command" yaml:"command" toml:"command"`
	Args        []string    `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Cwd         string      `json:"cwd,omitempty" yaml:"cwd,omitempty" toml:"cwd,omitempty"`
	Env         []string    `json:"-" yaml:"env,omitempty" toml:"env,omitempty"` // may hold secrets; never projected
	Probe       ProbeConfig `json:"probe" yaml:"probe" toml:"probe"`
}

// ProcessStatus is the externally visible state of a process entry.
type ProcessStatus string

// Process status values shown by the control surface.
const (
	StatusRunning       ProcessStatus = "Running"
	StatusStopped       ProcessStatus = "Stopped"
	StatusStarting      ProcessStatus = "Starting..."
	StatusStopping      ProcessStatus = "Stopping..."
	StatusUnknown       ProcessStatus = "Unknown"
	StatusFailedToStart ProcessStatus = "Failed to Start"
	StatusFailedToStop  ProcessStatus = "Failed to Stop"
	// StatusNotTracked is returned by stop when this supervisor never
	// started the process; it is deliberately distinct from StatusStopped.
	StatusNotTracked ProcessStatus = "Not Tracked"
)

// ProcessInfo is the client-safe projection of a process entry.
type ProcessInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProcessStatus `json:"status"`
	PID         int           `json:"pid,omitempty"`
}

// RunningHandle is the runtime record of a spawned process.
type RunningHandle struct {
	EntryID   string    `json:"entry_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Role identifies the author of a conversation turn.
type Role string

// Conversation roles.
const (
	RoleRequester Role = "requester"
	RoleResponder Role = "responder"
)

// Turn is one entry in a conversation history.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}
