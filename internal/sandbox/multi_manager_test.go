package sandbox

import (
	"context"
	"testing"

	"github.com/reflexive-dev/reflexive/internal/storage"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

func TestMultiSandboxManager_CreateRejectsDuplicateID(t *testing.T) {
	m := NewMultiSandboxManager(newFakeProvider(), storage.NewMemoryStore(), 0, 0)
	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err == nil {
		t.Fatal("expected error on duplicate id")
	}
}

func TestMultiSandboxManager_CreateRejectsOverCapacity(t *testing.T) {
	m := NewMultiSandboxManager(newFakeProvider(), storage.NewMemoryStore(), 1, 0)
	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := m.Create(context.Background(), "b", types.SandboxConfig{}); err == nil {
		t.Fatal("expected capacity error")
	}
}

func TestMultiSandboxManager_StopNonRunningIsNoop(t *testing.T) {
	m := NewMultiSandboxManager(newFakeProvider(), storage.NewMemoryStore(), 0, 0)
	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Stop(context.Background(), "a"); err != nil {
		t.Fatalf("stop non-running should be a no-op, got: %v", err)
	}
}

func TestMultiSandboxManager_DestroyStopsFirstIfRunning(t *testing.T) {
	m := NewMultiSandboxManager(newFakeProvider(), storage.NewMemoryStore(), 0, 0)
	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), "a", "node", []string{"app.js"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Destroy(context.Background(), "a"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("expected 0 sandboxes after destroy, got %d", m.Count())
	}
}

func TestMultiSandboxManager_CountAndRunningCount(t *testing.T) {
	m := NewMultiSandboxManager(newFakeProvider(), storage.NewMemoryStore(), 0, 0)
	if _, err := m.Create(context.Background(), "a", types.SandboxConfig{}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := m.Create(context.Background(), "b", types.SandboxConfig{}); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := m.Start(context.Background(), "a", "node", nil); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if m.Count() != 2 {
		t.Fatalf("expected count 2, got %d", m.Count())
	}
	if m.RunningCount() != 1 {
		t.Fatalf("expected running count 1, got %d", m.RunningCount())
	}
}

func TestMultiSandboxManager_SnapshotAndResumeRoundTrip(t *testing.T) {
	p := newFakeProvider()
	store := storage.NewMemoryStore()
	m := NewMultiSandboxManager(p, store, 0, 0)

	if _, err := m.Create(context.Background(), "orig", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Get("orig").WriteFile(context.Background(), "/workspace/hello.txt", "hi there"); err != nil {
		t.Fatalf("write file: %v", err)
	}

	snapID, err := m.Snapshot(context.Background(), "orig", SnapshotOptions{Files: []string{"/workspace/hello.txt"}})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapID == "" {
		t.Fatal("expected non-empty snapshot id")
	}

	newID, err := m.Resume(context.Background(), snapID, ResumeOptions{}, types.SandboxConfig{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if newID == "orig" {
		t.Fatal("expected a distinct resumed id")
	}

	content, err := m.Get(newID).ReadFile(context.Background(), "/workspace/hello.txt")
	if err != nil {
		t.Fatalf("read resumed file: %v", err)
	}
	if content != "hi there" {
		t.Fatalf("expected resumed file content 'hi there', got %q", content)
	}

	stateJSON, err := m.Get(newID).ReadFile(context.Background(), "/tmp/reflexive-state.json")
	if err != nil {
		t.Fatalf("read resumed state: %v", err)
	}
	if stateJSON == "" {
		t.Fatal("expected resumed state file to be written")
	}
}

func TestMultiSandboxManager_ListSnapshotsAndDelete(t *testing.T) {
	p := newFakeProvider()
	store := storage.NewMemoryStore()
	m := NewMultiSandboxManager(p, store, 0, 0)

	if _, err := m.Create(context.Background(), "orig", types.SandboxConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	snapID, err := m.Snapshot(context.Background(), "orig", SnapshotOptions{})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	snaps, err := m.ListSnapshots()
	if err != nil || len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d (err=%v)", len(snaps), err)
	}

	ok, err := m.DeleteSnapshot(snapID)
	if err != nil || !ok {
		t.Fatalf("expected delete to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = m.DeleteSnapshot(snapID)
	if err != nil || ok {
		t.Fatalf("expected second delete to report false, got ok=%v err=%v", ok, err)
	}
}
