// Package process owns the lifecycle of a single locally-spawned target: the
// child process, its stdout/stderr capture into AppState, watch triggers,
// the injected-RPC channel, and its RemoteDebugger attachment.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	ptylib "github.com/creack/pty"
	"golang.org/x/term"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/internal/debugadapter"
	"github.com/reflexive-dev/reflexive/internal/remotedebug"
	"github.com/reflexive-dev/reflexive/internal/runtimeregistry"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

const (
	gracefulStopTimeout = 5 * time.Second
	debugReadyTimeout   = 30 * time.Second
)

// Manager spawns and supervises a single target process. There is one
// Manager per supervised target, mirroring the one-AppState-per-target rule.
type Manager struct {
	mu sync.Mutex

	app      *appstate.AppState
	registry *runtimeregistry.Registry
	cfg      types.ProcessConfig

	cmd     *exec.Cmd
	ptyFile *os.File
	stdin   io.WriteCloser
	done    chan struct{}

	pid          *int
	startedAt    time.Time
	restartCount int
	exitCode     *int
	running      bool

	watchesMu sync.Mutex
	watches   map[string]*types.Watch

	inj         *injector
	injListener net.Listener

	debugger     *remotedebug.RemoteDebugger
	inspectorURL string
}

// newInjectSocket binds a unix domain socket under the OS temp dir for the
// target's runtime shim to dial once it starts. The path is handed to the
// child via REFLEXIVE_INJECT_SOCK.
func newInjectSocket() (net.Listener, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("reflexive-inject-%d.sock", time.Now().UnixNano()))
	return net.Listen("unix", path)
}

// acceptInjectedConn waits for the shim's single connection and attaches
// the injector to it. Only one connection is accepted per process lifetime.
func (m *Manager) acceptInjectedConn(ln net.Listener, inj *injector) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	inj.attach(conn, conn)
}

// New creates a Manager bound to app (its single log/state/event sink) and registry.
func New(app *appstate.AppState, registry *runtimeregistry.Registry, cfg types.ProcessConfig) *Manager {
	return &Manager{
		app:      app,
		registry: registry,
		cfg:      cfg,
		watches:  make(map[string]*types.Watch),
	}
}

// State returns a point-in-time ProcessState snapshot.
func (m *Manager) State() types.ProcessState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := types.ProcessState{
		IsRunning:    m.running,
		PID:          m.pid,
		RestartCount: m.restartCount,
		ExitCode:     m.exitCode,
		Entry:        m.cfg.Entry,
		Cwd:          m.cfg.Cwd,
		Interactive:  m.cfg.Interactive,
		Inject:       m.cfg.Inject,
		Debug:        m.cfg.Debug,
		InspectorURL: m.inspectorURL,
	}
	if m.running {
		state.Uptime = time.Since(m.startedAt).Milliseconds()
	}
	if m.inj != nil {
		state.InjectionReady = m.inj.ready()
		state.WaitingForInput = m.cfg.Interactive
	}
	if m.debugger != nil {
		state.DebuggerConnected = m.debugger.IsConnected()
		state.DebuggerPaused = m.debugger.IsPaused()
	}
	return state
}

// Start spawns the target. Returns an error result rather than a fatal error
// on spawn failure, per the spec's "spawn error -> error result" policy; the
// caller decides what to do with a non-running manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("process: already running")
	}
	cfg := m.cfg
	m.mu.Unlock()

	entry := cfg.Entry
	argv := cfg.Args
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	var rt *runtimeregistry.Runtime
	var debugPort int
	if cfg.Debug && m.registry != nil {
		var err error
		rt, err = m.registry.GetByFile(entry)
		if err != nil {
			m.app.Log(types.LogError, fmt.Sprintf("debug: %v", err), nil)
		} else {
			debugPort, err = runtimeregistry.FindAvailablePort(rt.DefaultPort)
			if err != nil {
				m.app.Log(types.LogError, fmt.Sprintf("debug: %v", err), nil)
				rt = nil
			}
		}
	}

	var command string
	var args []string
	if rt != nil {
		command = rt.Command
		args = rt.BuildArgs(debugPort, entry, argv)
		for k, v := range rt.BuildEnv(debugPort) {
			env = append(env, k+"="+v)
		}
	} else {
		command = entry
		args = argv
	}

	var injListener net.Listener
	if cfg.Inject {
		var err error
		injListener, err = newInjectSocket()
		if err != nil {
			m.app.Log(types.LogError, fmt.Sprintf("failed to open injected channel: %v", err), nil)
		} else {
			env = append(env, "REFLEXIVE_INJECT_SOCK="+injListener.Addr().String())
		}
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = env

	var stdin io.WriteCloser
	var ptyFile *os.File
	var stdoutR, stderrR io.ReadCloser

	if cfg.Interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		f, err := ptylib.Start(cmd)
		if err != nil {
			m.app.Log(types.LogError, fmt.Sprintf("failed to start process under pty: %v", err), nil)
			return fmt.Errorf("process: pty start: %w", err)
		}
		ptyFile = f
		stdin = f
	} else {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("process: stdin pipe: %w", err)
		}
		stdoutR, err = cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("process: stdout pipe: %w", err)
		}
		stderrR, err = cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("process: stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			m.app.Log(types.LogError, fmt.Sprintf("failed to spawn process: %v", err), nil)
			return fmt.Errorf("process: spawn: %w", err)
		}
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})

	m.mu.Lock()
	m.cmd = cmd
	m.ptyFile = ptyFile
	m.stdin = stdin
	m.done = done
	m.pid = &pid
	m.startedAt = time.Now()
	m.running = true
	m.exitCode = nil
	m.mu.Unlock()

	m.app.ResetStartTime()
	m.app.Log(types.LogSystem, fmt.Sprintf("started %s (pid %d)", entry, pid), nil)

	var debugReadyLines chan string
	if ptyFile != nil {
		go m.captureStream(ptyFile, types.LogStdout, nil)
	} else {
		if rt != nil {
			debugReadyLines = make(chan string, 16)
			go m.captureStream(stdoutR, types.LogStdout, debugReadyLines)
			go m.captureStream(stderrR, types.LogStderr, debugReadyLines)
		} else {
			go m.captureStream(stdoutR, types.LogStdout, nil)
			go m.captureStream(stderrR, types.LogStderr, nil)
		}
	}

	if cfg.Inject && injListener != nil {
		inj := newInjector(m.app)
		m.mu.Lock()
		m.inj = inj
		m.injListener = injListener
		m.mu.Unlock()
		go m.acceptInjectedConn(injListener, inj)
	}

	go func() {
		err := cmd.Wait()
		close(done)
		m.handleExit(err)
	}()

	if rt != nil {
		go m.attachDebugger(ctx, rt, debugPort, entry, argv, debugReadyLines)
	}

	return nil
}

func (m *Manager) captureStream(r io.Reader, logType types.LogType, readyLines chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m.appendLog(logType, line)
		if readyLines != nil {
			select {
			case readyLines <- line:
			default:
			}
		}
	}
}

func (m *Manager) appendLog(logType types.LogType, message string) {
	entry := m.app.Log(logType, message, nil)
	m.checkWatches(entry)
}

// checkWatches matches every enabled watch against entry.Message exactly
// once (watches do not cascade onto log entries produced by a watch hit).
func (m *Manager) checkWatches(entry types.LogEntry) {
	m.watchesMu.Lock()
	var hits []*types.Watch
	for _, w := range m.watches {
		if w.Enabled && strings.Contains(entry.Message, w.Pattern) {
			w.HitCount++
			hits = append(hits, w)
		}
	}
	m.watchesMu.Unlock()

	for _, w := range hits {
		m.app.Emit("watchHit", map[string]interface{}{"watch": *w, "entry": entry})
	}
}

func (m *Manager) attachDebugger(ctx context.Context, rt *runtimeregistry.Runtime, port int, entry string, args []string, readyLines <-chan string) {
	deadline := time.After(debugReadyTimeout)
	for {
		select {
		case line, ok := <-readyLines:
			if !ok {
				return
			}
			info, matched := rt.ParseDebugReady(line, port)
			if !matched {
				continue
			}
			m.connectDebugger(ctx, rt, info, entry, args)
			return
		case <-deadline:
			m.app.Log(types.LogError, "debugger did not become ready within the startup budget", nil)
			return
		}
	}
}

func (m *Manager) connectDebugger(ctx context.Context, rt *runtimeregistry.Runtime, info runtimeregistry.ReadyInfo, entry string, args []string) {
	adapter := rt.CreateAdapter()
	debugger := remotedebug.New(adapter)

	debugger.OnPaused(func(evt types.PausedEvent) {
		m.app.Emit("debuggerPaused", evt)
		if len(evt.HitBreakpointIDs) > 0 {
			m.emitBreakpointPrompt(evt)
		}
	})
	debugger.OnResumed(func() { m.app.Emit("debuggerResumed", nil) })

	m.mu.Lock()
	m.debugger = debugger
	if info.WebSocketURL != "" {
		m.inspectorURL = info.WebSocketURL
	}
	m.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, debugReadyTimeout)
	defer cancel()

	opts := debugadapter.ConnectOptions{Host: info.Host, Port: info.Port, WebSocketURL: info.WebSocketURL}
	launch := debugadapter.LaunchConfig{Program: entry, Args: args, StopAtEntry: rt.Protocol == runtimeregistry.ProtocolDAP}

	if err := debugger.Connect(connectCtx, opts, launch); err != nil {
		m.app.Log(types.LogError, fmt.Sprintf("debugger connect failed: %v", err), nil)
	}
}

func (m *Manager) emitBreakpointPrompt(evt types.PausedEvent) {
	state := m.debugger.GetDebuggerState()
	var file string
	var line int
	if len(state.CallStack) > 0 {
		file = state.CallStack[0].Source.Path
		line = state.CallStack[0].Line
	}
	m.app.Log(types.LogBreakpointPrompt, fmt.Sprintf("breakpoint hit at %s:%d", file, line), map[string]interface{}{
		"file":      file,
		"line":      line,
		"callStack": state.CallStack,
	})
	m.app.Emit("breakpointPrompt", map[string]interface{}{
		"file":      file,
		"line":      line,
		"callStack": state.CallStack,
	})
}

func (m *Manager) handleExit(err error) {
	m.mu.Lock()
	m.running = false
	m.pid = nil
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	m.exitCode = &code
	if m.injListener != nil {
		_ = m.injListener.Close()
		m.injListener = nil
	}
	m.mu.Unlock()

	m.app.Log(types.LogSystem, fmt.Sprintf("process exited with code %d", code), map[string]interface{}{"exitCode": code})
	m.app.Emit("exit", map[string]interface{}{"exitCode": code})
}

// Send writes text to the target's stdin, newline-terminated by default.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("process: not running")
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := io.WriteString(stdin, text)
	return err
}

// Stop performs a graceful SIGTERM, then SIGKILL after gracefulStopTimeout
// if the process has not exited. A second Stop on a non-running manager is
// a no-op, matching the idempotence law for stop/stop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cmd := m.cmd
	done := m.done
	running := m.running
	m.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(gracefulStopTimeout):
		_ = cmd.Process.Signal(syscall.SIGKILL)
		<-done
		return nil
	}
}

// Restart stops the target (if running) and starts it again with the same
// entry and args. restartCount increments; logs and custom state survive
// (AppState is not recreated); breakpoints survive as RemoteDebugger's
// logical registry and are re-armed on reconnect.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(); err != nil {
		return fmt.Errorf("process: restart: stop: %w", err)
	}

	m.mu.Lock()
	m.restartCount++
	if m.debugger != nil {
		_ = m.debugger.Disconnect()
	}
	if m.inj != nil {
		m.inj.cancelAll(fmt.Errorf("process: restarted"))
	}
	m.mu.Unlock()

	return m.Start(ctx)
}

// AddWatch registers a new watch and returns it.
func (m *Manager) AddWatch(pattern, prompt string) types.Watch {
	m.watchesMu.Lock()
	defer m.watchesMu.Unlock()
	id := fmt.Sprintf("watch-%d", len(m.watches)+1)
	w := &types.Watch{ID: id, Pattern: pattern, Enabled: true, Prompt: prompt}
	m.watches[id] = w
	return *w
}

// RemoveWatch removes a watch by id.
func (m *Manager) RemoveWatch(id string) {
	m.watchesMu.Lock()
	defer m.watchesMu.Unlock()
	delete(m.watches, id)
}

// ListWatches returns every registered watch.
func (m *Manager) ListWatches() []types.Watch {
	m.watchesMu.Lock()
	defer m.watchesMu.Unlock()
	out := make([]types.Watch, 0, len(m.watches))
	for _, w := range m.watches {
		out = append(out, *w)
	}
	return out
}

// App returns the AppState backing this manager's target.
func (m *Manager) App() *appstate.AppState {
	return m.app
}

// Debugger returns the attached RemoteDebugger, or nil if debug is disabled
// or the runtime's debugger-ready banner has not been seen yet. A non-nil
// debugger is not necessarily connected; its IsConnected reports that.
func (m *Manager) Debugger() *remotedebug.RemoteDebugger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debugger
}

// Evaluate runs code inside the target via the injected channel, honoring
// the eval capability and a per-call timeout.
func (m *Manager) Evaluate(ctx context.Context, code string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	inj := m.inj
	evalEnabled := m.cfg.Eval
	m.mu.Unlock()

	if !evalEnabled {
		return "", fmt.Errorf("process: eval capability is not enabled")
	}
	if inj == nil {
		return "", fmt.Errorf("process: injection is not enabled")
	}
	return inj.evaluate(ctx, code, timeout)
}

// QueryInjectedState returns the shim's last-reported custom-state snapshot.
func (m *Manager) QueryInjectedState() (map[string]interface{}, error) {
	m.mu.Lock()
	inj := m.inj
	m.mu.Unlock()
	if inj == nil {
		return nil, fmt.Errorf("process: injection is not enabled")
	}
	return inj.queryState(), nil
}
