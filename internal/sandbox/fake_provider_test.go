package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// fakeProvider is an in-memory Provider for exercising Manager/MultiSandboxManager
// logic without a real podman/EC2/Azure backend.
type fakeProvider struct {
	mu        sync.Mutex
	nextID    int
	instances map[string]*types.SandboxInstance
	files     map[string]map[string]string // sandboxID -> path -> content
	killed    map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		instances: make(map[string]*types.SandboxInstance),
		files:     make(map[string]map[string]string),
		killed:    make(map[string]bool),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(ctx context.Context, cfg types.SandboxConfig) (*types.SandboxInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	inst := &types.SandboxInstance{ID: id, Status: types.SandboxStatusCreated, Config: cfg, CreatedAt: time.Now()}
	f.instances[id] = inst
	f.files[id] = make(map[string]string)
	return inst, nil
}

func (f *fakeProvider) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[id] = true
	return nil
}

func (f *fakeProvider) Status(ctx context.Context, id string) (types.SandboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return "", fmt.Errorf("unknown id")
	}
	return inst.Status, nil
}

func (f *fakeProvider) Exec(ctx context.Context, id, command string, args []string, timeout int) (ExecResult, error) {
	return ExecResult{ExitCode: 0}, nil
}

func (f *fakeProvider) ReadFile(ctx context.Context, id, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.files[id]
	if !ok {
		return "", fmt.Errorf("unknown id")
	}
	return m[path], nil
}

func (f *fakeProvider) WriteFile(ctx context.Context, id, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.files[id]
	if !ok {
		return fmt.Errorf("unknown id")
	}
	m[path] = content
	return nil
}

func (f *fakeProvider) ListDir(ctx context.Context, id, path string) ([]types.EntryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []types.EntryInfo
	for p := range f.files[id] {
		if strings.HasPrefix(p, path) {
			entries = append(entries, types.EntryInfo{Path: p})
		}
	}
	return entries, nil
}

func (f *fakeProvider) RemovePath(ctx context.Context, id, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files[id], path)
	return nil
}

func (f *fakeProvider) Stats(ctx context.Context, id string) (Stats, error) {
	return Stats{}, nil
}

func (f *fakeProvider) Close() error { return nil }
