// Package sandbox implements remote sandbox lifecycle management: process
// isolation backends (Podman, AWS EC2, Azure VM) behind a single Provider
// interface, SandboxManager for single-sandbox orchestration, and
// MultiSandboxManager for routing across many concurrently running sandboxes.
package sandbox

import (
	"context"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// Stats holds live resource usage for a sandbox. Fields are populated on a
// best-effort basis; a provider that cannot report a metric leaves it zero.
type Stats struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemUsageMB uint64  `json:"memUsageMB"`
	MemLimitMB uint64  `json:"memLimitMB"`
	PIDs       int     `json:"pids"`
}

// ExecResult is the outcome of running a command inside a sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Provider defines the sandbox lifecycle surface. SandboxManager and
// MultiSandboxManager depend on this interface, not on a concrete backend,
// so swapping Podman for an EC2 or Azure VM provider never touches callers.
type Provider interface {
	Create(ctx context.Context, cfg types.SandboxConfig) (*types.SandboxInstance, error)
	Kill(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (types.SandboxStatus, error)

	Exec(ctx context.Context, id string, command string, args []string, timeout int) (ExecResult, error)

	ReadFile(ctx context.Context, id, path string) (string, error)
	WriteFile(ctx context.Context, id, path, content string) error
	ListDir(ctx context.Context, id, path string) ([]types.EntryInfo, error)
	RemovePath(ctx context.Context, id, path string) error

	Stats(ctx context.Context, id string) (Stats, error)

	// Name identifies the provider ("podman", "aws", "azure") for SandboxConfig.Provider matching.
	Name() string

	Close() error
}
