package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// SandboxState is the lifecycle state State reports for a sandbox, for
// callers that want router-style introspection without reaching into the
// Manager directly. There is no separate waking state: a sandbox stays
// hibernated until Wake has finished restoring it.
type SandboxState string

const (
	StateRunning    SandboxState = "running"
	StateStopped    SandboxState = "stopped"
	StateHibernated SandboxState = "hibernated"
)

// This file implements the rolling idle-timeout auto-hibernate supplement
// (SPEC_FULL.md §13), grounded on opencomputer's sandbox/router.go
// SandboxRouter: a per-id timer that, on firing, transitions a running
// sandbox out from under its compute resource. Where the teacher checkpoints
// process memory via CRIU and archives the workspace to S3, this spec has no
// process-checkpoint primitive, so auto-hibernate here snapshots via the
// same Snapshot/Resume path exposed to callers, then tears the sandbox's
// compute down; Wake reverses it in place under the same id.

// arm (re)starts the idle timer for id. Called after every successful Start
// and after every Touch. No-op if idle-hibernate is disabled or id is unknown.
func (m *MultiSandboxManager) arm(id string) {
	m.mu.Lock()
	timeout := m.idleTimeout
	e, ok := m.entries[id]
	if !ok || timeout <= 0 {
		m.mu.Unlock()
		return
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(timeout, func() { m.onIdleTimeout(id) })
	m.mu.Unlock()
}

// disarm stops id's idle timer, if any.
func (m *MultiSandboxManager) disarm(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok && e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	m.mu.Unlock()
}

// Touch resets the rolling idle timeout for id without performing an
// operation. Call this from routed per-id delegations; it is a no-op for a
// non-running or unknown id.
func (m *MultiSandboxManager) Touch(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	running := ok && e.state == "running"
	m.mu.Unlock()
	if running {
		m.arm(id)
	}
}

// State reports id's lifecycle state from the router's perspective.
func (m *MultiSandboxManager) State(id string) (SandboxState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	return SandboxState(e.state), true
}

// onIdleTimeout fires when id has seen no activity for the configured idle
// timeout. It snapshots the sandbox's current state, tears down its compute
// resource, and marks it hibernated — the sandbox's external id stays
// reserved in the pool so Wake can bring it back.
func (m *MultiSandboxManager) onIdleTimeout(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.state != "running" {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	snapID, err := m.Snapshot(ctx, id, SnapshotOptions{})
	if err != nil {
		log.Printf("sandbox: auto-hibernate snapshot failed for %s: %v", id, err)
		return
	}
	if err := e.manager.Stop(ctx); err != nil {
		log.Printf("sandbox: auto-hibernate stop failed for %s: %v", id, err)
	}
	if err := e.manager.Destroy(ctx); err != nil {
		log.Printf("sandbox: auto-hibernate destroy failed for %s: %v", id, err)
		return
	}

	m.mu.Lock()
	e.running = false
	e.state = string(StateHibernated)
	e.hibernatedSnapshot = snapID
	m.mu.Unlock()

	log.Printf("sandbox: auto-hibernated %s (snapshot=%s)", id, snapID)
	if m.onHibernate != nil {
		m.onHibernate(id, snapID)
	}
}

// Wake restores a hibernated sandbox under its original id: re-provisions
// compute, restores the last auto-hibernate snapshot's files and state, and
// relaunches the last entry/args that were running. Returns an error if id
// is not currently hibernated.
func (m *MultiSandboxManager) Wake(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("sandbox: unknown id %q", id)
	}
	if e.state != string(StateHibernated) {
		m.mu.Unlock()
		return fmt.Errorf("sandbox: %q is not hibernated", id)
	}
	snapID := e.hibernatedSnapshot
	cfg := e.cfg
	entryCmd := e.entryCmd
	args := e.args
	m.mu.Unlock()

	snap, err := m.store.Load(snapID)
	if err != nil {
		return fmt.Errorf("sandbox: wake load snapshot: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("sandbox: auto-hibernate snapshot %q missing from storage", snapID)
	}

	if _, err := e.manager.Create(ctx, cfg); err != nil {
		return fmt.Errorf("sandbox: wake recreate: %w", err)
	}
	if err := e.manager.UploadFiles(ctx, snap.Files); err != nil {
		return fmt.Errorf("sandbox: wake upload files: %w", err)
	}
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("sandbox: wake marshal state: %w", err)
	}
	if err := e.manager.WriteFile(ctx, "/tmp/reflexive-state.json", string(stateJSON)); err != nil {
		return fmt.Errorf("sandbox: wake write state: %w", err)
	}

	if entryCmd != "" {
		if err := e.manager.Start(ctx, entryCmd, args); err != nil {
			return fmt.Errorf("sandbox: wake restart target: %w", err)
		}
	}

	m.mu.Lock()
	e.running = entryCmd != ""
	if e.running {
		e.state = string(StateRunning)
	} else {
		e.state = "stopped"
	}
	e.hibernatedSnapshot = ""
	m.mu.Unlock()

	if e.running {
		m.arm(id)
	}
	log.Printf("sandbox: woke %s from snapshot %s", id, snapID)
	return nil
}
