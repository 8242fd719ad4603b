package types

import "time"

// SandboxStatus is the lifecycle status of a SandboxInstance.
type SandboxStatus string

const (
	SandboxStatusCreated     SandboxStatus = "created"
	SandboxStatusRunning     SandboxStatus = "running"
	SandboxStatusStopped     SandboxStatus = "stopped"
	SandboxStatusError       SandboxStatus = "error"
	SandboxStatusHibernated  SandboxStatus = "hibernated" // supplemented, see SPEC_FULL.md §13
)

// SandboxInstance represents one remote sandbox managed by SandboxManager.
type SandboxInstance struct {
	ID        string            `json:"id"`
	Status    SandboxStatus     `json:"status"`
	Config    SandboxConfig     `json:"config"`
	CreatedAt time.Time         `json:"createdAt"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	StoppedAt *time.Time        `json:"stoppedAt,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// SandboxConfig is the request body for creating a sandbox.
type SandboxConfig struct {
	Template      string            `json:"template,omitempty"`
	Provider      string            `json:"provider,omitempty"` // "podman", "aws", "azure" — must be the recognized set (spec.md §6.2)
	Timeout       int               `json:"timeout,omitempty"`  // seconds; no provider reads this field
	CPUCount      int               `json:"cpuCount,omitempty"`
	MemoryMB      int               `json:"memoryMB,omitempty"`
	DiskQuotaMB   int               `json:"diskQuotaMB,omitempty"` // 0 = no quota (podman provider only)
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SecretGroupID string            `json:"secretGroupId,omitempty"`
}

// SnapshotFileEncoding is the encoding of a SnapshotFile's Content.
type SnapshotFileEncoding string

const (
	EncodingUTF8   SnapshotFileEncoding = "utf8"
	EncodingBase64 SnapshotFileEncoding = "base64"
)

// SnapshotFile is one file captured into a Snapshot.
type SnapshotFile struct {
	Path     string               `json:"path"`
	Content  string               `json:"content"`
	Encoding SnapshotFileEncoding `json:"encoding"`
}

// Snapshot is a persisted bundle of selected sandbox files, in-memory
// custom state, and a bounded log slice, suitable to seed a new sandbox.
type Snapshot struct {
	ID        string                 `json:"id"`
	SandboxID string                 `json:"sandboxId"`
	Timestamp time.Time              `json:"timestamp"`
	Files     []SnapshotFile         `json:"files"`
	State     map[string]interface{} `json:"state"`
	Logs      []LogEntry             `json:"logs"`
}
