package remotedebug

import (
	"context"
	"testing"

	"github.com/reflexive-dev/reflexive/internal/debugadapter"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// fakeAdapter is a minimal in-memory DebugAdapter for exercising RemoteDebugger
// without a real V8/DAP transport.
type fakeAdapter struct {
	connected    bool
	handlers     debugadapter.EventHandlers
	breakpoints  map[string]types.BreakpointInfo
	nextBpID     int
	setCallCount int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{breakpoints: make(map[string]types.BreakpointInfo)}
}

func (f *fakeAdapter) Connect(ctx context.Context, opts debugadapter.ConnectOptions) error {
	f.connected = true
	return nil
}
func (f *fakeAdapter) Disconnect() error {
	f.connected = false
	if f.handlers.OnDisconnected != nil {
		f.handlers.OnDisconnected()
	}
	return nil
}
func (f *fakeAdapter) IsConnected() bool { return f.connected }
func (f *fakeAdapter) IsPaused() bool    { return false }
func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }
func (f *fakeAdapter) Launch(ctx context.Context, cfg debugadapter.LaunchConfig) error { return nil }

func (f *fakeAdapter) SetBreakpoint(ctx context.Context, file string, line int, condition string) (debugadapter.BreakpointResult, error) {
	f.setCallCount++
	f.nextBpID++
	return debugadapter.BreakpointResult{BreakpointID: string(rune('0' + f.nextBpID)), Verified: true, Line: line}, nil
}
func (f *fakeAdapter) RemoveBreakpoint(ctx context.Context, id string) error { return nil }
func (f *fakeAdapter) ListBreakpoints() []types.BreakpointInfo              { return nil }

func (f *fakeAdapter) Resume(ctx context.Context, threadID int) error    { return nil }
func (f *fakeAdapter) Pause(ctx context.Context, threadID int) error     { return nil }
func (f *fakeAdapter) StepOver(ctx context.Context, threadID int) error  { return nil }
func (f *fakeAdapter) StepInto(ctx context.Context, threadID int) error  { return nil }
func (f *fakeAdapter) StepOut(ctx context.Context, threadID int) error   { return nil }

func (f *fakeAdapter) GetCallStack(ctx context.Context, threadID int) ([]types.StackFrame, error) {
	return []types.StackFrame{{ID: 1, Name: "main"}}, nil
}
func (f *fakeAdapter) GetScopes(ctx context.Context, frameID int) ([]types.Scope, error) { return nil, nil }
func (f *fakeAdapter) GetVariables(ctx context.Context, variablesReference int) ([]types.Variable, error) {
	return nil, nil
}
func (f *fakeAdapter) Evaluate(ctx context.Context, expr string, frameID int, evalContext string) (string, error) {
	return "42", nil
}

func (f *fakeAdapter) SetEventHandlers(h debugadapter.EventHandlers) { f.handlers = h }

func TestRemoteDebugger_ConnectRearmsBreakpointsBeforeLaunch(t *testing.T) {
	fa := newFakeAdapter()
	d := New(fa)

	// Set a breakpoint before connecting.
	bp, err := d.SetBreakpoint(context.Background(), "app.js", 10, "")
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if bp.Verified {
		t.Error("expected unverified breakpoint before adapter connection")
	}

	if err := d.Connect(context.Background(), debugadapter.ConnectOptions{}, debugadapter.LaunchConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if fa.setCallCount != 1 {
		t.Errorf("expected breakpoint rearmed exactly once on connect, got %d calls", fa.setCallCount)
	}

	list := d.ListBreakpoints()
	if len(list) != 1 || !list[0].Verified {
		t.Errorf("expected one verified breakpoint after connect, got %+v", list)
	}
}

func TestRemoteDebugger_PausedAndResumedForwarded(t *testing.T) {
	fa := newFakeAdapter()
	d := New(fa)

	var pausedEvt types.PausedEvent
	pausedFired := false
	resumedFired := false
	d.OnPaused(func(e types.PausedEvent) { pausedEvt = e; pausedFired = true })
	d.OnResumed(func() { resumedFired = true })

	_ = d.Connect(context.Background(), debugadapter.ConnectOptions{}, debugadapter.LaunchConfig{})

	fa.handlers.OnPaused(types.PausedEvent{Reason: "breakpoint"})
	if !pausedFired || !d.IsPaused() {
		t.Fatal("expected paused state and callback after OnPaused fires")
	}
	if pausedEvt.Reason != "breakpoint" {
		t.Errorf("expected reason breakpoint, got %s", pausedEvt.Reason)
	}

	state := d.GetDebuggerState()
	if len(state.CallStack) != 1 {
		t.Errorf("expected call stack captured on pause, got %+v", state.CallStack)
	}

	fa.handlers.OnResumed()
	if !resumedFired || d.IsPaused() {
		t.Fatal("expected resumed state and callback after OnResumed fires")
	}
}

func TestRemoteDebugger_DisconnectClearsAdapterIDsNotLogicalBreakpoints(t *testing.T) {
	fa := newFakeAdapter()
	d := New(fa)
	_ = d.Connect(context.Background(), debugadapter.ConnectOptions{}, debugadapter.LaunchConfig{})

	_, err := d.SetBreakpoint(context.Background(), "app.js", 5, "")
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	list := d.ListBreakpoints()
	if len(list) != 1 {
		t.Fatalf("expected logical breakpoint to survive disconnect, got %d", len(list))
	}
	if list[0].Verified {
		t.Error("expected breakpoint verified flag cleared on disconnect")
	}
}
