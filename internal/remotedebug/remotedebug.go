// Package remotedebug provides RemoteDebugger, a facade that holds one
// DebugAdapter plus a logical breakpoint registry whose ids stay stable
// across adapter reconnects (adapter-assigned ids do not survive a
// disconnect/reconnect, but the local UI's ids must).
package remotedebug

import (
	"context"
	"fmt"
	"sync"

	"github.com/reflexive-dev/reflexive/internal/debugadapter"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// logicalBreakpoint is a desired breakpoint keyed by a stable local id,
// independent of whatever id the current adapter connection assigned it.
type logicalBreakpoint struct {
	localID   string
	file      string
	line      int
	condition string
	adapterID string // empty until armed against a live adapter
	verified  bool
}

// RemoteDebugger wraps a single DebugAdapter, re-arming the logical
// breakpoint set on every (re)connect and caching paused/call-stack state.
type RemoteDebugger struct {
	mu      sync.Mutex
	adapter debugadapter.DebugAdapter

	nextLocalID int64
	breakpoints map[string]*logicalBreakpoint // keyed by localID

	connected bool
	paused    bool
	callStack []types.StackFrame

	onPaused  func(types.PausedEvent)
	onResumed func()
}

// New creates a RemoteDebugger bound to adapter. adapter must not yet be
// connected; RemoteDebugger drives its lifecycle.
func New(adapter debugadapter.DebugAdapter) *RemoteDebugger {
	d := &RemoteDebugger{
		adapter:     adapter,
		breakpoints: make(map[string]*logicalBreakpoint),
	}
	adapter.SetEventHandlers(debugadapter.EventHandlers{
		OnPaused:             d.handlePaused,
		OnResumed:            d.handleResumed,
		OnDisconnected:       d.handleDisconnected,
		OnBreakpointResolved: d.handleBreakpointResolved,
	})
	return d
}

// OnPaused registers a callback forwarded every time the underlying adapter pauses.
func (d *RemoteDebugger) OnPaused(fn func(types.PausedEvent)) {
	d.mu.Lock()
	d.onPaused = fn
	d.mu.Unlock()
}

// OnResumed registers a callback forwarded every time the underlying adapter resumes.
func (d *RemoteDebugger) OnResumed(fn func()) {
	d.mu.Lock()
	d.onResumed = fn
	d.mu.Unlock()
}

// Connect dials the adapter, initializes it, re-arms every logical
// breakpoint (ordering guarantee: breakpoints must land before the
// debuggee runs user code), then launches.
func (d *RemoteDebugger) Connect(ctx context.Context, opts debugadapter.ConnectOptions, launch debugadapter.LaunchConfig) error {
	if err := d.adapter.Connect(ctx, opts); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()

	if err := d.adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("remotedebug: initialize: %w", err)
	}

	if err := d.rearmBreakpoints(ctx); err != nil {
		return fmt.Errorf("remotedebug: rearm breakpoints: %w", err)
	}

	if err := d.adapter.Launch(ctx, launch); err != nil {
		return fmt.Errorf("remotedebug: launch: %w", err)
	}
	return nil
}

func (d *RemoteDebugger) rearmBreakpoints(ctx context.Context) error {
	d.mu.Lock()
	snapshot := make([]*logicalBreakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		snapshot = append(snapshot, bp)
	}
	d.mu.Unlock()

	for _, bp := range snapshot {
		result, err := d.adapter.SetBreakpoint(ctx, bp.file, bp.line, bp.condition)
		if err != nil {
			return fmt.Errorf("rearm %s:%d: %w", bp.file, bp.line, err)
		}
		d.mu.Lock()
		bp.adapterID = result.BreakpointID
		bp.verified = result.Verified
		bp.line = result.Line
		d.mu.Unlock()
	}
	return nil
}

// Disconnect tears down the adapter. Logical breakpoints survive; their
// adapterID is cleared so the next Connect re-arms them fresh.
func (d *RemoteDebugger) Disconnect() error {
	err := d.adapter.Disconnect()
	d.handleDisconnected()
	return err
}

func (d *RemoteDebugger) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *RemoteDebugger) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// SetBreakpoint records the logical breakpoint and, if connected, arms it
// immediately against the live adapter.
func (d *RemoteDebugger) SetBreakpoint(ctx context.Context, file string, line int, condition string) (types.BreakpointInfo, error) {
	d.mu.Lock()
	d.nextLocalID++
	localID := fmt.Sprintf("bp-%d", d.nextLocalID)
	bp := &logicalBreakpoint{localID: localID, file: file, line: line, condition: condition}
	d.breakpoints[localID] = bp
	connected := d.connected
	d.mu.Unlock()

	if connected {
		result, err := d.adapter.SetBreakpoint(ctx, file, line, condition)
		if err != nil {
			return types.BreakpointInfo{}, err
		}
		d.mu.Lock()
		bp.adapterID = result.BreakpointID
		bp.verified = result.Verified
		bp.line = result.Line
		d.mu.Unlock()
	}

	return d.toBreakpointInfo(bp), nil
}

// RemoveBreakpoint removes a logical breakpoint, also removing it from the
// live adapter if armed.
func (d *RemoteDebugger) RemoveBreakpoint(ctx context.Context, localID string) error {
	d.mu.Lock()
	bp, ok := d.breakpoints[localID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("remotedebug: unknown breakpoint %s", localID)
	}
	delete(d.breakpoints, localID)
	adapterID := bp.adapterID
	d.mu.Unlock()

	if adapterID != "" {
		return d.adapter.RemoveBreakpoint(ctx, adapterID)
	}
	return nil
}

// ListBreakpoints returns every logical breakpoint.
func (d *RemoteDebugger) ListBreakpoints() []types.BreakpointInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.BreakpointInfo, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		out = append(out, d.toBreakpointInfo(bp))
	}
	return out
}

func (d *RemoteDebugger) toBreakpointInfo(bp *logicalBreakpoint) types.BreakpointInfo {
	return types.BreakpointInfo{
		ID:        bp.localID,
		File:      bp.file,
		Line:      bp.line,
		Condition: bp.condition,
		Verified:  bp.verified,
	}
}

func (d *RemoteDebugger) Resume(ctx context.Context, threadID int) error    { return d.adapter.Resume(ctx, threadID) }
func (d *RemoteDebugger) Pause(ctx context.Context, threadID int) error    { return d.adapter.Pause(ctx, threadID) }
func (d *RemoteDebugger) StepOver(ctx context.Context, threadID int) error { return d.adapter.StepOver(ctx, threadID) }
func (d *RemoteDebugger) StepInto(ctx context.Context, threadID int) error { return d.adapter.StepInto(ctx, threadID) }
func (d *RemoteDebugger) StepOut(ctx context.Context, threadID int) error  { return d.adapter.StepOut(ctx, threadID) }

func (d *RemoteDebugger) GetCallStack(ctx context.Context, threadID int) ([]types.StackFrame, error) {
	return d.adapter.GetCallStack(ctx, threadID)
}

func (d *RemoteDebugger) GetScopes(ctx context.Context, frameID int) ([]types.Scope, error) {
	return d.adapter.GetScopes(ctx, frameID)
}

func (d *RemoteDebugger) GetVariables(ctx context.Context, variablesReference int) ([]types.Variable, error) {
	return d.adapter.GetVariables(ctx, variablesReference)
}

func (d *RemoteDebugger) Evaluate(ctx context.Context, expr string, frameID int, evalContext string) (string, error) {
	return d.adapter.Evaluate(ctx, expr, frameID, evalContext)
}

// GetDebuggerState returns the composite state consumed by ToolPlane and the REST API.
func (d *RemoteDebugger) GetDebuggerState() types.DebuggerState {
	d.mu.Lock()
	defer d.mu.Unlock()

	breakpoints := make([]types.BreakpointInfo, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		breakpoints = append(breakpoints, d.toBreakpointInfo(bp))
	}

	return types.DebuggerState{
		Connected:   d.connected,
		Paused:      d.paused,
		Breakpoints: breakpoints,
		CallStack:   append([]types.StackFrame(nil), d.callStack...),
	}
}

func (d *RemoteDebugger) handlePaused(evt types.PausedEvent) {
	d.mu.Lock()
	d.paused = true
	callStack, _ := d.adapter.GetCallStack(context.Background(), evt.ThreadID)
	d.callStack = callStack
	cb := d.onPaused
	d.mu.Unlock()
	if cb != nil {
		cb(evt)
	}
}

func (d *RemoteDebugger) handleResumed() {
	d.mu.Lock()
	d.paused = false
	d.callStack = nil
	cb := d.onResumed
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (d *RemoteDebugger) handleDisconnected() {
	d.mu.Lock()
	d.connected = false
	d.paused = false
	d.callStack = nil
	for _, bp := range d.breakpoints {
		bp.adapterID = ""
		bp.verified = false
	}
	d.mu.Unlock()
}

func (d *RemoteDebugger) handleBreakpointResolved(adapterID string, line int, verified bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bp := range d.breakpoints {
		if bp.adapterID == adapterID {
			bp.line = line
			bp.verified = verified
			return
		}
	}
}
