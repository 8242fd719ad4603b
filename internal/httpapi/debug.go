package httpapi

import (
	"context"
	"errors"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

var errNoDebugger = errors.New("no debugger attached")

// debugHandle is a structurally-typed wrapper around *remotedebug.RemoteDebugger's
// method set, mirroring internal/toolplane/cli.go's debuggerHandle so the
// dashboard routes don't need their own import of internal/remotedebug
// beyond this narrow surface.
type debugHandle struct {
	d interface {
		SetBreakpoint(ctx context.Context, file string, line int, condition string) (types.BreakpointInfo, error)
		RemoveBreakpoint(ctx context.Context, localID string) error
		ListBreakpoints() []types.BreakpointInfo
		Resume(ctx context.Context, threadID int) error
		StepOver(ctx context.Context, threadID int) error
		StepInto(ctx context.Context, threadID int) error
		StepOut(ctx context.Context, threadID int) error
		GetDebuggerState() types.DebuggerState
	}
}

func (h *debugHandle) SetBreakpoint(ctx context.Context, file string, line int, condition string) (types.BreakpointInfo, error) {
	return h.d.SetBreakpoint(ctx, file, line, condition)
}
func (h *debugHandle) RemoveBreakpoint(ctx context.Context, localID string) error {
	return h.d.RemoveBreakpoint(ctx, localID)
}
func (h *debugHandle) ListBreakpoints() []types.BreakpointInfo { return h.d.ListBreakpoints() }
func (h *debugHandle) Resume(ctx context.Context, threadID int) error {
	return h.d.Resume(ctx, threadID)
}
func (h *debugHandle) StepOver(ctx context.Context, threadID int) error {
	return h.d.StepOver(ctx, threadID)
}
func (h *debugHandle) StepInto(ctx context.Context, threadID int) error {
	return h.d.StepInto(ctx, threadID)
}
func (h *debugHandle) StepOut(ctx context.Context, threadID int) error {
	return h.d.StepOut(ctx, threadID)
}
func (h *debugHandle) GetDebuggerState() types.DebuggerState { return h.d.GetDebuggerState() }
