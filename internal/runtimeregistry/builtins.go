package runtimeregistry

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/reflexive-dev/reflexive/internal/debugadapter"
)

var nodeInspectorURLPattern = regexp.MustCompile(`ws://[^\s]+`)

func builtinRuntimes() []Runtime {
	return []Runtime{
		{
			Name:        "node",
			DisplayName: "Node.js",
			Extensions:  []string{"js", "mjs", "cjs"},
			Command:     "node",
			DefaultPort: 9229,
			Protocol:    ProtocolV8Inspector,
			BuildArgs: func(port int, entry string, args []string) []string {
				out := []string{fmt.Sprintf("--inspect-brk=%d", port), entry}
				return append(out, args...)
			},
			BuildEnv: func(port int) map[string]string {
				return map[string]string{"FORCE_COLOR": "1"}
			},
			ParseDebugReady: func(line string, port int) (ReadyInfo, bool) {
				if m := nodeInspectorURLPattern.FindString(line); m != "" {
					return ReadyInfo{WebSocketURL: m, Port: port}, true
				}
				return ReadyInfo{}, false
			},
			CreateAdapter: func() debugadapter.DebugAdapter { return debugadapter.NewV8InspectorAdapter() },
			ValidateSetup: func() error { return validateCommandOnPath("node") },
		},
		{
			Name:        "python",
			DisplayName: "Python",
			Extensions:  []string{"py"},
			Command:     "python3",
			DefaultPort: 5678,
			Protocol:    ProtocolDAP,
			BuildArgs: func(port int, entry string, args []string) []string {
				out := []string{"-m", "debugpy", "--listen", fmt.Sprintf("127.0.0.1:%d", port), "--wait-for-client", entry}
				return append(out, args...)
			},
			BuildEnv: func(port int) map[string]string {
				return map[string]string{"PYTHONUNBUFFERED": "1"}
			},
			ParseDebugReady: func(line string, port int) (ReadyInfo, bool) {
				lower := strings.ToLower(line)
				if strings.Contains(lower, "listening on") || strings.Contains(lower, "waiting for client") {
					return ReadyInfo{Host: "127.0.0.1", Port: port}, true
				}
				return ReadyInfo{}, false
			},
			CreateAdapter: func() debugadapter.DebugAdapter { return debugadapter.NewDapAdapter() },
			ValidateSetup: func() error { return validateCommandOnPath("python3") },
		},
		{
			Name:        "go",
			DisplayName: "Go",
			Extensions:  []string{"go"},
			Command:     "dlv",
			DefaultPort: 2345,
			Protocol:    ProtocolDAP,
			BuildArgs: func(port int, entry string, args []string) []string {
				out := []string{"dap", "--listen", fmt.Sprintf("127.0.0.1:%d", port), "--log"}
				return out
			},
			BuildEnv: func(port int) map[string]string { return nil },
			ParseDebugReady: func(line string, port int) (ReadyInfo, bool) {
				if strings.Contains(strings.ToLower(line), "listening") && strings.Contains(line, strconv.Itoa(port)) {
					return ReadyInfo{Host: "127.0.0.1", Port: port}, true
				}
				return ReadyInfo{}, false
			},
			CreateAdapter: func() debugadapter.DebugAdapter { return debugadapter.NewDapAdapter() },
			ValidateSetup: func() error { return validateCommandOnPath("dlv") },
		},
		{
			Name:        "dotnet",
			DisplayName: ".NET",
			Extensions:  []string{"cs", "csx"},
			Command:     "netcoredbg",
			DefaultPort: 4711,
			Protocol:    ProtocolDAP,
			BuildArgs: func(port int, entry string, args []string) []string {
				return []string{"--interpreter=vscode", fmt.Sprintf("--server=%d", port)}
			},
			BuildEnv: func(port int) map[string]string { return nil },
			ParseDebugReady: func(line string, port int) (ReadyInfo, bool) {
				if strings.Contains(strings.ToLower(line), "listening") {
					return ReadyInfo{Host: "127.0.0.1", Port: port}, true
				}
				return ReadyInfo{}, false
			},
			CreateAdapter: func() debugadapter.DebugAdapter { return debugadapter.NewDapAdapter() },
			ValidateSetup: func() error { return validateCommandOnPath("netcoredbg") },
		},
		{
			Name:        "rust",
			DisplayName: "Rust",
			Extensions:  []string{"rs"},
			Command:     "codelldb",
			DefaultPort: 13000,
			Protocol:    ProtocolDAP,
			BuildArgs: func(port int, entry string, args []string) []string {
				return []string{"--port", strconv.Itoa(port)}
			},
			BuildEnv: func(port int) map[string]string {
				return map[string]string{"RUST_BACKTRACE": "1"}
			},
			ParseDebugReady: func(line string, port int) (ReadyInfo, bool) {
				if strings.Contains(strings.ToLower(line), "listening") {
					return ReadyInfo{Host: "127.0.0.1", Port: port}, true
				}
				return ReadyInfo{}, false
			},
			CreateAdapter: func() debugadapter.DebugAdapter { return debugadapter.NewDapAdapter() },
			ValidateSetup: func() error { return validateCommandOnPath("codelldb") },
		},
	}
}

func validateCommandOnPath(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("runtimeregistry: %s not found on PATH: %w", name, err)
	}
	return nil
}
