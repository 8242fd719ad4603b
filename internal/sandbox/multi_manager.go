package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/internal/storage"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

const defaultSnapshotLogCount = 100

// multiEntry is one caller-keyed sandbox tracked by MultiSandboxManager. The
// external id here has nothing to do with the Provider's own internal
// instance id — Manager already hides that behind Instance().ID.
type multiEntry struct {
	manager *Manager
	app     *appstate.AppState
	cfg     types.SandboxConfig
	running bool

	// entryCmd/args remember the last Start call so an auto-hibernated
	// sandbox can be woken back into the same running state it had before
	// hibernation. Resume does not use them: a resumed sandbox is created
	// without a running target.
	entryCmd string
	args     []string

	// state and hibernatedSnapshot support the rolling idle-timeout
	// auto-hibernate supplement (see hibernate_policy.go). state is one of
	// "", "running", "stopped", "hibernated".
	state              string
	hibernatedSnapshot string
	idleTimer          *time.Timer
}

// SnapshotOptions controls what a snapshot captures.
type SnapshotOptions struct {
	Files []string
}

// ResumeOptions controls how a snapshot is restored into a new sandbox.
type ResumeOptions struct {
	NewID string
}

// MultiSandboxManager owns a pool of independently addressable sandboxes,
// routed by caller-supplied id, plus snapshot capture/restore against a
// Storage backend. It mirrors the opencomputer SandboxRouter's per-id entry
// map; the rolling idle-timeout auto-hibernate state machine is off by
// default and is enabled with SetIdleTimeout (see hibernate_policy.go).
type MultiSandboxManager struct {
	provider     Provider
	store        storage.Store
	maxSandboxes int
	maxLogs      int

	// idleTimeout > 0 enables the rolling idle-timeout auto-hibernate
	// supplement; 0 disables it (the default).
	idleTimeout time.Duration
	onHibernate func(id, snapshotID string)

	// natsURL, when set, fans every new sandbox's AppState events out onto
	// NATS (see SetNATSURL).
	natsURL string

	// ownership, when set, records which reflexive instance owns each
	// sandbox id in a horizontally scaled hosted deployment (see
	// SetOwnershipRegistry).
	ownership OwnershipRegistry

	mu      sync.Mutex
	entries map[string]*multiEntry
}

// OwnershipRegistry tracks sandbox-to-instance ownership across a pool of
// reflexive hosted-mode instances. controlplane.RedisSandboxRegistry
// satisfies this; it's expressed as a narrow interface here so this package
// doesn't need to import controlplane (and its redis client) when running
// single-instance.
type OwnershipRegistry interface {
	Register(ctx context.Context, sandboxID string) error
	Unregister(ctx context.Context, sandboxID string) error
}

// NewMultiSandboxManager binds a Provider shared across every sandbox in
// the pool and a Storage backend for snapshots. maxSandboxes <= 0 means
// unlimited.
func NewMultiSandboxManager(provider Provider, store storage.Store, maxSandboxes, maxLogs int) *MultiSandboxManager {
	if maxLogs <= 0 {
		maxLogs = 500
	}
	return &MultiSandboxManager{
		provider:     provider,
		store:        store,
		maxSandboxes: maxSandboxes,
		maxLogs:      maxLogs,
		entries:      make(map[string]*multiEntry),
	}
}

// SetIdleTimeout enables (d > 0) or disables (d <= 0) the rolling
// idle-timeout auto-hibernate policy for every sandbox started after this
// call. onHibernate, if non-nil, is notified after a successful auto-hibernate.
func (m *MultiSandboxManager) SetIdleTimeout(d time.Duration, onHibernate func(id, snapshotID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
	m.onHibernate = onHibernate
}

// SetNATSURL enables a per-sandbox appstate.NATSFanout: every sandbox
// created after this call republishes its AppState events onto NATS, so
// multiple dashboard instances watching the same hosted pool observe
// events in near real time. Empty url disables it (the default).
func (m *MultiSandboxManager) SetNATSURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.natsURL = url
}

// SetOwnershipRegistry wires a cross-instance sandbox-ownership tracker.
// Every sandbox created or destroyed after this call registers/unregisters
// itself against registry. A registration failure is logged, not fatal: an
// unreachable registry shouldn't block serving the sandbox it's meant to
// describe.
func (m *MultiSandboxManager) SetOwnershipRegistry(registry OwnershipRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownership = registry
}

// Create provisions a new sandbox under id. Rejects a duplicate id or
// exceeding maxSandboxes.
func (m *MultiSandboxManager) Create(ctx context.Context, id string, cfg types.SandboxConfig) (*types.SandboxInstance, error) {
	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox: id %q already exists", id)
	}
	if m.maxSandboxes > 0 && len(m.entries) >= m.maxSandboxes {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox: at capacity (%d sandboxes)", m.maxSandboxes)
	}
	natsURL := m.natsURL
	ownership := m.ownership
	m.mu.Unlock()

	app := appstate.New(m.maxLogs)
	if natsURL != "" {
		if fanout, err := appstate.NewNATSFanout(natsURL, id); err != nil {
			log.Printf("sandbox: nats fanout disabled for %s: %v", id, err)
		} else {
			fanout.Attach(app)
		}
	}
	mgr := NewManager(m.provider, app)
	instance, err := mgr.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if ownership != nil {
		if err := ownership.Register(ctx, id); err != nil {
			log.Printf("sandbox: ownership registration failed for %s: %v", id, err)
		}
	}

	m.mu.Lock()
	m.entries[id] = &multiEntry{manager: mgr, app: app, cfg: cfg, state: "stopped"}
	m.mu.Unlock()

	return instance, nil
}

func (m *MultiSandboxManager) lookup(id string) (*multiEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown id %q", id)
	}
	return e, nil
}

// Start launches entry inside sandbox id.
func (m *MultiSandboxManager) Start(ctx context.Context, id, entryCmd string, args []string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := e.manager.Start(ctx, entryCmd, args); err != nil {
		return err
	}
	m.mu.Lock()
	e.running = true
	e.state = "running"
	e.entryCmd = entryCmd
	e.args = args
	m.mu.Unlock()
	m.arm(id)
	return nil
}

// Stop is a no-op when id is not currently running.
func (m *MultiSandboxManager) Stop(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	running := e.running
	m.mu.Unlock()
	if !running {
		return nil
	}
	if err := e.manager.Stop(ctx); err != nil {
		return err
	}
	m.disarm(id)
	m.mu.Lock()
	e.running = false
	e.state = "stopped"
	m.mu.Unlock()
	return nil
}

// Destroy stops id first if running, then tears down its sandbox and
// removes it from the pool.
func (m *MultiSandboxManager) Destroy(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	if err := e.manager.Destroy(ctx); err != nil {
		return err
	}
	m.disarm(id)
	m.mu.Lock()
	delete(m.entries, id)
	ownership := m.ownership
	m.mu.Unlock()
	if ownership != nil {
		if err := ownership.Unregister(ctx, id); err != nil {
			log.Printf("sandbox: ownership release failed for %s: %v", id, err)
		}
	}
	return nil
}

// DestroyAll tears down every sandbox in the pool, collecting (not
// short-circuiting on) the first error per id.
func (m *MultiSandboxManager) DestroyAll(ctx context.Context) error {
	var errs []string
	for _, id := range m.List() {
		if err := m.Destroy(ctx, id); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sandbox: destroyAll: %s", strings.Join(errs, "; "))
	}
	return nil
}

// List returns the currently tracked ids, sorted.
func (m *MultiSandboxManager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// App returns the AppState backing sandbox id, for wiring an additive event
// subscriber (e.g. appstate.NATSFanout) at sandbox-creation time. Returns
// nil if id is unknown.
func (m *MultiSandboxManager) App(id string) *appstate.AppState {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	return e.app
}

// Get returns the Manager for id, or nil if unknown.
func (m *MultiSandboxManager) Get(id string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	return e.manager
}

// Count returns the number of tracked sandboxes.
func (m *MultiSandboxManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunningCount returns the number of tracked sandboxes currently started.
func (m *MultiSandboxManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.running {
			n++
		}
	}
	return n
}

// RunCommand, ReadFile, WriteFile, ListFiles, GetLogs, SearchLogs and
// GetCustomState are per-id delegations to the underlying Manager.
// RunCommand, ReadFile, WriteFile and ListFiles count as activity and reset
// the idle-hibernate timer (mirroring opencomputer's SandboxRouter.Route
// resetting the rolling timeout on every routed operation); GetLogs,
// SearchLogs and GetCustomState do not.

func (m *MultiSandboxManager) RunCommand(ctx context.Context, id, cmd string, args []string) (ExecResult, error) {
	e, err := m.lookup(id)
	if err != nil {
		return ExecResult{}, err
	}
	m.Touch(id)
	return e.manager.RunCommand(ctx, cmd, args)
}

func (m *MultiSandboxManager) ReadFile(ctx context.Context, id, path string) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	m.Touch(id)
	return e.manager.ReadFile(ctx, path)
}

func (m *MultiSandboxManager) WriteFile(ctx context.Context, id, path, content string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.Touch(id)
	return e.manager.WriteFile(ctx, path, content)
}

func (m *MultiSandboxManager) ListFiles(ctx context.Context, id, dir string) ([]types.EntryInfo, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	m.Touch(id)
	return e.manager.ListFiles(ctx, dir)
}

func (m *MultiSandboxManager) GetLogs(id string, count int, filter types.LogType) ([]types.LogEntry, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.manager.GetLogs(count, filter), nil
}

func (m *MultiSandboxManager) SearchLogs(id, query string) ([]types.LogEntry, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.manager.SearchLogs(query), nil
}

func (m *MultiSandboxManager) GetCustomState(id string) (map[string]interface{}, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.manager.GetCustomState(), nil
}

// Snapshot reads opts.Files (if any) from sandbox id, captures its custom
// state and a bounded tail of its logs, and persists the result to Storage
// under a fresh snap_<ts36>_<rand6> id.
func (m *MultiSandboxManager) Snapshot(ctx context.Context, id string, opts SnapshotOptions) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	var files []types.SnapshotFile
	for _, path := range opts.Files {
		content, err := e.manager.ReadFile(ctx, path)
		if err != nil {
			return "", fmt.Errorf("sandbox: snapshot read %s: %w", path, err)
		}
		files = append(files, types.SnapshotFile{Path: path, Content: content, Encoding: types.EncodingUTF8})
	}

	snap := types.Snapshot{
		ID:        newSnapshotID(),
		SandboxID: id,
		Timestamp: time.Now(),
		Files:     files,
		State:     e.manager.GetCustomState(),
		Logs:      e.manager.GetLogs(defaultSnapshotLogCount, ""),
	}

	if err := m.store.Save(snap); err != nil {
		return "", fmt.Errorf("sandbox: snapshot save: %w", err)
	}
	return snap.ID, nil
}

// Resume materializes snapshotID into a new sandbox: creates it (default id
// "<origId>-resume-<ts36>" unless opts.NewID is set), writes the snapshot's
// files back, and writes its custom state to /tmp/reflexive-state.json for
// the shim to ingest on next start. Historical logs are not re-injected
// into the new sandbox's rolling buffer.
func (m *MultiSandboxManager) Resume(ctx context.Context, snapshotID string, opts ResumeOptions, cfg types.SandboxConfig) (string, error) {
	snap, err := m.store.Load(snapshotID)
	if err != nil {
		return "", fmt.Errorf("sandbox: resume load: %w", err)
	}
	if snap == nil {
		return "", fmt.Errorf("sandbox: unknown snapshot %q", snapshotID)
	}

	newID := opts.NewID
	if newID == "" {
		newID = fmt.Sprintf("%s-resume-%s", snap.SandboxID, strconv.FormatInt(time.Now().UnixNano(), 36))
	}

	if _, err := m.Create(ctx, newID, cfg); err != nil {
		return "", err
	}
	e, err := m.lookup(newID)
	if err != nil {
		return "", err
	}

	if err := e.manager.UploadFiles(ctx, snap.Files); err != nil {
		return "", fmt.Errorf("sandbox: resume upload files: %w", err)
	}

	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return "", fmt.Errorf("sandbox: resume marshal state: %w", err)
	}
	if err := e.manager.WriteFile(ctx, "/tmp/reflexive-state.json", string(stateJSON)); err != nil {
		return "", fmt.Errorf("sandbox: resume write state: %w", err)
	}

	return newID, nil
}

// ListSnapshots returns every persisted snapshot, newest first.
func (m *MultiSandboxManager) ListSnapshots() ([]types.Snapshot, error) {
	return m.store.List()
}

// DeleteSnapshot removes a persisted snapshot. Returns false if it did not exist.
func (m *MultiSandboxManager) DeleteSnapshot(id string) (bool, error) {
	return m.store.Delete(id)
}

func newSnapshotID() string {
	return fmt.Sprintf("snap_%s_%s", strconv.FormatInt(time.Now().UnixNano(), 36), randBase36(6))
}

func randBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, n)
	raw := make([]byte, n)
	_, _ = rand.Read(raw)
	for i, b := range raw {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}
