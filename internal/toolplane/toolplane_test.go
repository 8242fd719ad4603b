package toolplane

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

func hasTool(p *Plane, name string) bool {
	for _, t := range p.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

func TestLibraryPlane_SetAndGetCustomState(t *testing.T) {
	app := appstate.New(10)
	p := NewLibraryPlane(app)

	setRes := p.Call(context.Background(), "set_custom_state", json.RawMessage(`{"key":"counter","value":1}`))
	if setRes.IsError {
		t.Fatalf("set_custom_state returned error: %+v", setRes)
	}

	getRes := p.Call(context.Background(), "get_custom_state", json.RawMessage(`{"key":"counter"}`))
	if getRes.IsError {
		t.Fatalf("get_custom_state returned error: %+v", getRes)
	}
	if getRes.Content[0].Text != "1" {
		t.Fatalf("expected state value 1, got %q", getRes.Content[0].Text)
	}
}

func TestLibraryPlane_UnknownToolReturnsErrorNotPanic(t *testing.T) {
	app := appstate.New(10)
	p := NewLibraryPlane(app)
	res := p.Call(context.Background(), "does_not_exist", nil)
	if !res.IsError {
		t.Fatal("expected isError for unknown tool")
	}
}

func TestCLIPlane_OmitsGatedToolsWhenCapabilityDisabled(t *testing.T) {
	p := NewCLIPlane(nil, types.Capabilities{})
	for _, name := range []string{"restart_process", "stop_process", "start_process", "get_injected_state", "evaluate_in_app", "debug_resume"} {
		if hasTool(p, name) {
			t.Errorf("expected %s to be omitted with no capabilities enabled", name)
		}
	}
	if !hasTool(p, "get_process_state") {
		t.Error("expected always-available get_process_state to be present")
	}
}

func TestCLIPlane_IncludesGatedToolsWhenCapabilityEnabled(t *testing.T) {
	p := NewCLIPlane(nil, types.Capabilities{Restart: true, Inject: true, Eval: true, Debug: true})
	for _, name := range []string{"restart_process", "get_injected_state", "evaluate_in_app", "debug_resume", "debug_evaluate"} {
		if !hasTool(p, name) {
			t.Errorf("expected %s to be present with its capability enabled", name)
		}
	}
}

func TestCLIPlane_EvalImpliesInjectGuard(t *testing.T) {
	p := NewCLIPlane(nil, types.Capabilities{Eval: true, Inject: false})
	res := p.Call(context.Background(), "evaluate_in_app", json.RawMessage(`{"code":"1+1"}`))
	if !res.IsError {
		t.Fatal("expected eval to fail defensively when inject is disabled despite eval flag")
	}
}

func TestHostedPlane_OmitsShellAndFileToolsWhenDisabled(t *testing.T) {
	p := NewHostedPlane(nil, types.Capabilities{})
	for _, name := range []string{"run_command", "read_sandbox_file", "write_sandbox_file"} {
		if hasTool(p, name) {
			t.Errorf("expected %s to be omitted with no capabilities enabled", name)
		}
	}
	if !hasTool(p, "list_sandboxes") {
		t.Error("expected always-available list_sandboxes to be present")
	}
}

func TestHostedPlane_IncludesFileAndShellToolsWhenEnabled(t *testing.T) {
	p := NewHostedPlane(nil, types.Capabilities{ShellAccess: true, ReadFiles: true, WriteFiles: true})
	for _, name := range []string{"run_command", "read_sandbox_file", "write_sandbox_file"} {
		if !hasTool(p, name) {
			t.Errorf("expected %s to be present with its capability enabled", name)
		}
	}
}
