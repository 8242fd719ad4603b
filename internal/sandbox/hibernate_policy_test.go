package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/reflexive-dev/reflexive/internal/storage"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

func TestMultiSandboxManager_IdleTimeoutAutoHibernatesAndWakes(t *testing.T) {
	p := newFakeProvider()
	store := storage.NewMemoryStore()
	m := NewMultiSandboxManager(p, store, 0, 0)

	hibernated := make(chan string, 1)
	m.SetIdleTimeout(20*time.Millisecond, func(id, snapID string) { hibernated <- snapID })

	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), "a", "node", []string{"app.js"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-hibernated:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auto-hibernate")
	}

	state, ok := m.State("a")
	if !ok || state != StateHibernated {
		t.Fatalf("expected state hibernated, got %v (ok=%v)", state, ok)
	}
	if m.RunningCount() != 0 {
		t.Fatalf("expected 0 running after hibernate, got %d", m.RunningCount())
	}

	if err := m.Wake(context.Background(), "a"); err != nil {
		t.Fatalf("wake: %v", err)
	}
	state, ok = m.State("a")
	if !ok || state != StateRunning {
		t.Fatalf("expected state running after wake, got %v (ok=%v)", state, ok)
	}
}

func TestMultiSandboxManager_WakeNonHibernatedErrors(t *testing.T) {
	p := newFakeProvider()
	store := storage.NewMemoryStore()
	m := NewMultiSandboxManager(p, store, 0, 0)

	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Wake(context.Background(), "a"); err == nil {
		t.Fatal("expected error waking a non-hibernated sandbox")
	}
}

func TestMultiSandboxManager_TouchResetsIdleTimer(t *testing.T) {
	p := newFakeProvider()
	store := storage.NewMemoryStore()
	m := NewMultiSandboxManager(p, store, 0, 0)
	m.SetIdleTimeout(60*time.Millisecond, nil)

	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), "a", "node", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		m.Touch("a")
		if state, _ := m.State("a"); state == StateHibernated {
			t.Fatal("sandbox hibernated despite continuous activity")
		}
	}
}
