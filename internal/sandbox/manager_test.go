package sandbox

import (
	"context"
	"testing"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

func TestManager_CreateTwiceErrors(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, appstate.New(0))

	if _, err := m.Create(context.Background(), types.SandboxConfig{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.Create(context.Background(), types.SandboxConfig{}); err == nil {
		t.Fatal("expected error on second create")
	}
}

func TestManager_StartBeforeCreateErrors(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, appstate.New(0))

	if err := m.Start(context.Background(), "node", []string{"app.js"}); err == nil {
		t.Fatal("expected error starting before create")
	}
}

func TestManager_RestartWithoutPriorStartErrors(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, appstate.New(0))
	if _, err := m.Create(context.Background(), types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Restart(context.Background()); err == nil {
		t.Fatal("expected error restarting without a prior start")
	}
}

func TestManager_DestroyIsIdempotent(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, appstate.New(0))

	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy on never-created manager: %v", err)
	}

	if _, err := m.Create(context.Background(), types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Fatalf("second destroy should be a no-op, got: %v", err)
	}
}

func TestManager_StartThenStopStopsPolling(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, appstate.New(0))
	if _, err := m.Create(context.Background(), types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), "node", []string{"app.js"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
}

func TestManager_RouteShimLineDispatchesByType(t *testing.T) {
	app := appstate.New(0)
	p := newFakeProvider()
	m := NewManager(p, app)

	m.routeShimLine(shimLogLine{Type: "log", Data: []byte(`{"level":"info","message":"hello"}`)})
	logs := app.GetLogs(0, "")
	if len(logs) != 1 || logs[0].Message != "hello" {
		t.Fatalf("expected one log entry 'hello', got %+v", logs)
	}

	m.routeShimLine(shimLogLine{Type: "state", Data: []byte(`{"key":"phase","value":"ready"}`)})
	state := app.GetAllState()
	if state["phase"] != "ready" {
		t.Fatalf("expected state phase=ready, got %v", state)
	}

	m.routeShimLine(shimLogLine{Type: "error", Data: []byte(`{"message":"boom","name":"Err","stack":"at x"}`)})
	logs = app.GetLogs(0, types.LogInjectError)
	if len(logs) != 1 {
		t.Fatalf("expected one inject:error log, got %d", len(logs))
	}
}
