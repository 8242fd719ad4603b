// Package debugadapter defines the uniform debug client contract shared by
// the V8 Inspector (WebSocket) and Debug Adapter Protocol (TCP) transports,
// and implements both concrete adapters.
package debugadapter

import (
	"context"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// ConnectOptions carries transport-specific connection parameters.
type ConnectOptions struct {
	Host string
	Port int
	// WebSocketURL overrides host/port for the V8 adapter when the exact
	// inspector URL (with uuid) was already parsed from the debuggee banner.
	WebSocketURL string
}

// LaunchConfig carries transport-specific launch parameters.
type LaunchConfig struct {
	StopAtEntry bool
	Program     string
	Args        []string
	Cwd         string
}

// BreakpointResult is returned by SetBreakpoint.
type BreakpointResult struct {
	BreakpointID string
	Verified     bool
	Line         int
	Source       types.Source
}

// EventHandlers are invoked on adapter events. Any handler left nil is
// skipped. Handlers run on the adapter's single reader goroutine and must
// not block.
type EventHandlers struct {
	OnPaused             func(types.PausedEvent)
	OnResumed            func()
	OnDisconnected       func()
	OnOutput             func(category, text, source string, line int)
	OnBreakpointResolved func(id string, line int, verified bool)
}

// DebugAdapter is the uniform contract implemented by V8InspectorAdapter and
// DapAdapter. isPaused() is true from the moment OnPaused fires until the
// next OnResumed.
type DebugAdapter interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect() error
	IsConnected() bool
	IsPaused() bool
	Initialize(ctx context.Context) error
	Launch(ctx context.Context, cfg LaunchConfig) error

	SetBreakpoint(ctx context.Context, file string, line int, condition string) (BreakpointResult, error)
	RemoveBreakpoint(ctx context.Context, id string) error
	ListBreakpoints() []types.BreakpointInfo

	Resume(ctx context.Context, threadID int) error
	Pause(ctx context.Context, threadID int) error
	StepOver(ctx context.Context, threadID int) error
	StepInto(ctx context.Context, threadID int) error
	StepOut(ctx context.Context, threadID int) error

	GetCallStack(ctx context.Context, threadID int) ([]types.StackFrame, error)
	GetScopes(ctx context.Context, frameID int) ([]types.Scope, error)
	GetVariables(ctx context.Context, variablesReference int) ([]types.Variable, error)
	Evaluate(ctx context.Context, expr string, frameID int, evalContext string) (string, error)

	SetEventHandlers(h EventHandlers)
}
