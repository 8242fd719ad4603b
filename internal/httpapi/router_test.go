package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/reflexive-dev/reflexive/internal/config"
	"github.com/reflexive-dev/reflexive/internal/sandbox"
	"github.com/reflexive-dev/reflexive/internal/storage"
	"github.com/reflexive-dev/reflexive/internal/toolplane"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// testProvider is a minimal in-memory sandbox.Provider for exercising the
// router's sandbox-mode route mounting without a real podman/EC2/Azure
// backend.
type testProvider struct {
	instances map[string]*types.SandboxInstance
}

func newTestProvider() *testProvider {
	return &testProvider{instances: make(map[string]*types.SandboxInstance)}
}

func (p *testProvider) Name() string { return "test" }

func (p *testProvider) Create(ctx context.Context, cfg types.SandboxConfig) (*types.SandboxInstance, error) {
	inst := &types.SandboxInstance{ID: "test-1", Status: types.SandboxStatusCreated, Config: cfg}
	p.instances[inst.ID] = inst
	return inst, nil
}

func (p *testProvider) Kill(ctx context.Context, id string) error { return nil }

func (p *testProvider) Status(ctx context.Context, id string) (types.SandboxStatus, error) {
	if inst, ok := p.instances[id]; ok {
		return inst.Status, nil
	}
	return "", nil
}

func (p *testProvider) Exec(ctx context.Context, id, command string, args []string, timeout int) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}

func (p *testProvider) ReadFile(ctx context.Context, id, path string) (string, error) { return "", nil }
func (p *testProvider) WriteFile(ctx context.Context, id, path, content string) error { return nil }
func (p *testProvider) ListDir(ctx context.Context, id, path string) ([]types.EntryInfo, error) {
	return nil, nil
}
func (p *testProvider) RemovePath(ctx context.Context, id, path string) error { return nil }
func (p *testProvider) Stats(ctx context.Context, id string) (sandbox.Stats, error) {
	return sandbox.Stats{}, nil
}
func (p *testProvider) Close() error { return nil }

func TestNewServer_LocalModeHealthEndpoint(t *testing.T) {
	cfg := &config.Config{Mode: "local", APIBase: "/api"}
	plane := toolplane.NewLibraryPlane(nil)
	s := NewServer(Deps{Config: cfg, Plane: plane, Capabilities: types.Capabilities{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewServer_SandboxModeMountsRESTRoutes(t *testing.T) {
	cfg := &config.Config{Mode: "sandbox", APIBase: "/api"}
	mgr := sandbox.NewMultiSandboxManager(newTestProvider(), storage.NewMemoryStore(), 10, 100)
	plane := toolplane.NewHostedPlane(mgr, types.Capabilities{})
	s := NewServer(Deps{Config: cfg, Sandboxes: mgr, Plane: plane, Capabilities: types.Capabilities{}})

	req := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from GET /api/sandboxes, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewServer_LocalModeDoesNotMountSandboxRoutes(t *testing.T) {
	cfg := &config.Config{Mode: "local", APIBase: "/api"}
	plane := toolplane.NewLibraryPlane(nil)
	s := NewServer(Deps{Config: cfg, Plane: plane, Capabilities: types.Capabilities{}})

	req := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for sandbox route in local mode, got %d", rec.Code)
	}
}

func TestServer_HealthReportsSandboxCounts(t *testing.T) {
	cfg := &config.Config{Mode: "sandbox", APIBase: "/api"}
	mgr := sandbox.NewMultiSandboxManager(newTestProvider(), storage.NewMemoryStore(), 10, 100)
	if _, err := mgr.Create(context.Background(), "s1", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	plane := toolplane.NewHostedPlane(mgr, types.Capabilities{})
	s := NewServer(Deps{Config: cfg, Sandboxes: mgr, Plane: plane, Capabilities: types.Capabilities{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if want := `"sandboxes":1`; !strings.Contains(rec.Body.String(), want) {
		t.Errorf("expected body to report 1 sandbox, got %s", rec.Body.String())
	}
}
