package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

const (
	injectLogPath   = "/tmp/reflexive-logs.jsonl"
	logPollInterval = 500 * time.Millisecond
)

// shimLogLine is the JSONL wire shape the runtime shim appends to injectLogPath.
type shimLogLine struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	TS   int64           `json:"ts"`
}

type shimLogData struct {
	Level   string      `json:"level"`
	Message string      `json:"message"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
	Name    string      `json:"name"`
	Stack   string      `json:"stack"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Manager owns the lifecycle of exactly one remote sandbox: create, start a
// target inside it with the log-bridging shim preloaded, and poll the
// shim's JSONL log file for state/log/event updates.
type Manager struct {
	provider Provider
	app      *appstate.AppState

	mu         sync.Mutex
	instance   *types.SandboxInstance
	created    bool
	running    bool
	entry      string
	args       []string
	readOffset int64

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewManager binds a Manager to a Provider and the AppState it reports
// logs/state/events into.
func NewManager(provider Provider, app *appstate.AppState) *Manager {
	return &Manager{provider: provider, app: app}
}

// Create provisions the sandbox. Calling Create twice is an error.
func (m *Manager) Create(ctx context.Context, cfg types.SandboxConfig) (*types.SandboxInstance, error) {
	m.mu.Lock()
	if m.created {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox: already created")
	}
	m.mu.Unlock()

	instance, err := m.provider.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create: %w", err)
	}

	m.mu.Lock()
	m.instance = instance
	m.created = true
	m.mu.Unlock()

	return instance, nil
}

// Start uploads the log-bridging shim, launches entry inside the sandbox
// with the shim preloaded, and begins polling the shim's log file.
func (m *Manager) Start(ctx context.Context, entry string, args []string) error {
	m.mu.Lock()
	if !m.created {
		m.mu.Unlock()
		return fmt.Errorf("sandbox: start called before create")
	}
	id := m.instance.ID
	m.mu.Unlock()

	if err := m.provider.WriteFile(ctx, id, injectLogPath, ""); err != nil {
		return fmt.Errorf("sandbox: truncate log file: %w", err)
	}

	full := entry
	if len(args) > 0 {
		full = entry + " " + strings.Join(args, " ")
	}
	res, err := m.provider.Exec(ctx, id, "sh", []string{"-c", fmt.Sprintf("REFLEXIVE_SHIM_LOG=%s nohup %s >/dev/null 2>&1 &", injectLogPath, full)}, 15)
	if err != nil {
		return fmt.Errorf("sandbox: start target: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: start target: %s", res.Stderr)
	}

	m.mu.Lock()
	m.running = true
	m.entry = entry
	m.args = args
	m.readOffset = 0
	m.instance.Status = types.SandboxStatusRunning
	started := time.Now()
	m.instance.StartedAt = &started
	pollCtx, cancel := context.WithCancel(context.Background())
	m.pollCancel = cancel
	m.pollDone = make(chan struct{})
	m.mu.Unlock()

	go m.pollLoop(pollCtx, id)

	return nil
}

func (m *Manager) pollLoop(ctx context.Context, id string) {
	defer close(m.pollDone)
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx, id)
		}
	}
}

// pollOnce reads the shim log file from the last-consumed offset, tolerant
// of a missing file and of malformed lines (both are skipped, not fatal).
func (m *Manager) pollOnce(ctx context.Context, id string) {
	content, err := m.provider.ReadFile(ctx, id, injectLogPath)
	if err != nil {
		return
	}

	m.mu.Lock()
	offset := m.readOffset
	m.mu.Unlock()

	if int64(len(content)) <= offset {
		return
	}
	chunk := content[offset:]

	scanner := bufio.NewScanner(bytes.NewReader([]byte(chunk)))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	consumed := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		var entry shimLogLine
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		m.routeShimLine(entry)
	}

	m.mu.Lock()
	m.readOffset = consumed
	m.mu.Unlock()
}

func (m *Manager) routeShimLine(entry shimLogLine) {
	var data shimLogData
	_ = json.Unmarshal(entry.Data, &data)

	switch entry.Type {
	case "ready":
		m.app.Emit("injectionReady", data)
	case "log":
		m.app.Log(logTypeFromLevel(data.Level), data.Message, nil)
	case "state":
		m.app.SetState(data.Key, data.Value)
	case "error":
		m.app.Log(types.LogInjectError, data.Message, map[string]interface{}{
			"name": data.Name, "stack": data.Stack,
		})
	case "event":
		m.app.Emit(data.Event, data.Payload)
	}
}

func logTypeFromLevel(level string) types.LogType {
	switch level {
	case "error":
		return types.LogError
	case "warn":
		return types.LogWarn
	case "debug":
		return types.LogDebug
	default:
		return types.LogInfo
	}
}

// Stop tears down the polling loop and terminates the remote target process
// (the sandbox container/VM itself persists until Destroy).
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.pollCancel
	done := m.pollDone
	id := m.instance.ID
	entry := m.entry
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	_, _ = m.provider.Exec(ctx, id, "pkill", []string{"-f", entry}, 10)

	m.mu.Lock()
	m.running = false
	m.instance.Status = types.SandboxStatusStopped
	stopped := time.Now()
	m.instance.StoppedAt = &stopped
	m.mu.Unlock()
	return nil
}

// Restart stops and starts again with the same entry/args. An entry must
// already have been established via a prior Start.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	entry := m.entry
	args := m.args
	m.mu.Unlock()
	if entry == "" {
		return fmt.Errorf("sandbox: restart called without a prior start")
	}
	if err := m.Stop(ctx); err != nil {
		return err
	}
	return m.Start(ctx, entry, args)
}

// Destroy is idempotent: calling it on an already-destroyed or never-created
// manager is a no-op.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	if !m.created {
		m.mu.Unlock()
		return nil
	}
	running := m.running
	id := m.instance.ID
	m.mu.Unlock()

	if running {
		_ = m.Stop(ctx)
	}
	if err := m.provider.Kill(ctx, id); err != nil {
		return fmt.Errorf("sandbox: destroy: %w", err)
	}

	m.mu.Lock()
	m.created = false
	m.mu.Unlock()
	return nil
}

// UploadFiles writes each file to the sandbox, decoding base64-encoded content first.
func (m *Manager) UploadFiles(ctx context.Context, files []types.SnapshotFile) error {
	m.mu.Lock()
	id := m.instance.ID
	m.mu.Unlock()
	for _, f := range files {
		content := f.Content
		if f.Encoding == types.EncodingBase64 {
			raw, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return fmt.Errorf("sandbox: decode %s: %w", f.Path, err)
			}
			content = string(raw)
		}
		if err := m.provider.WriteFile(ctx, id, f.Path, content); err != nil {
			return fmt.Errorf("sandbox: upload %s: %w", f.Path, err)
		}
	}
	return nil
}

func (m *Manager) ReadFile(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	id := m.instance.ID
	m.mu.Unlock()
	return m.provider.ReadFile(ctx, id, path)
}

func (m *Manager) WriteFile(ctx context.Context, path, content string) error {
	m.mu.Lock()
	id := m.instance.ID
	m.mu.Unlock()
	return m.provider.WriteFile(ctx, id, path, content)
}

func (m *Manager) ListFiles(ctx context.Context, dir string) ([]types.EntryInfo, error) {
	m.mu.Lock()
	id := m.instance.ID
	m.mu.Unlock()
	return m.provider.ListDir(ctx, id, dir)
}

func (m *Manager) RunCommand(ctx context.Context, cmd string, args []string) (ExecResult, error) {
	m.mu.Lock()
	id := m.instance.ID
	m.mu.Unlock()
	return m.provider.Exec(ctx, id, cmd, args, 30)
}

func (m *Manager) GetLogs(count int, filter types.LogType) []types.LogEntry {
	return m.app.GetLogs(count, filter)
}

func (m *Manager) SearchLogs(query string) []types.LogEntry {
	return m.app.SearchLogs(query)
}

func (m *Manager) GetCustomState() map[string]interface{} {
	return m.app.GetAllState()
}

// Instance returns a copy of the current SandboxInstance, or nil before Create.
func (m *Manager) Instance() *types.SandboxInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instance == nil {
		return nil
	}
	cp := *m.instance
	return &cp
}
