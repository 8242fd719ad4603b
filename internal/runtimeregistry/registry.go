// Package runtimeregistry maps a target's file extension or language name to
// a Runtime descriptor: how to spawn it under a debugger, how to recognize
// its "debugger ready" banner, and which DebugAdapter transport it speaks.
package runtimeregistry

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/reflexive-dev/reflexive/internal/debugadapter"
)

// Protocol identifies which DebugAdapter transport a Runtime speaks.
type Protocol string

const (
	ProtocolV8Inspector Protocol = "v8-inspector"
	ProtocolDAP         Protocol = "dap"
)

// ReadyInfo is returned by ParseDebugReady when a debuggee's banner line
// indicates the debug transport is ready to accept a connection.
type ReadyInfo struct {
	Host         string
	Port         int
	WebSocketURL string // V8 only, parsed uuid-qualified ws:// URL
}

// Runtime is a per-language descriptor.
type Runtime struct {
	Name        string
	DisplayName string
	Extensions  []string
	Command     string
	DefaultPort int
	Protocol    Protocol

	BuildArgs func(port int, entry string, args []string) []string
	BuildEnv  func(port int) map[string]string

	// ParseDebugReady inspects one line of debuggee stderr/stdout and
	// returns (info, true) when the line signals the debugger is ready.
	ParseDebugReady func(line string, port int) (ReadyInfo, bool)

	CreateAdapter func() debugadapter.DebugAdapter

	// ValidateSetup is an optional precheck (e.g. is the debugger binary on
	// PATH); failure is a non-fatal warning, never an error.
	ValidateSetup func() error
}

// Registry is an append-only, mutex-guarded name -> Runtime map.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

// New creates a Registry pre-populated with the built-in node/python/go/
// dotnet/rust descriptors.
func New() *Registry {
	r := &Registry{runtimes: make(map[string]*Runtime)}
	for _, rt := range builtinRuntimes() {
		rt := rt
		r.runtimes[rt.Name] = &rt
	}
	return r
}

// Get returns the runtime registered under name.
func (r *Registry) Get(name string) (*Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("runtimeregistry: unknown runtime %q", name)
	}
	return rt, nil
}

// GetByExtension finds a runtime whose Extensions list contains ext
// (with or without a leading dot).
func (r *Registry) GetByExtension(ext string) (*Runtime, error) {
	ext = normalizeExt(ext)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.runtimes {
		for _, e := range rt.Extensions {
			if normalizeExt(e) == ext {
				return rt, nil
			}
		}
	}
	return nil, fmt.Errorf("runtimeregistry: no runtime registered for extension %q", ext)
}

// GetByFile resolves a runtime from a file path's extension.
func (r *Registry) GetByFile(path string) (*Runtime, error) {
	return r.GetByExtension(filepath.Ext(path))
}

// List returns every registered runtime.
func (r *Registry) List() []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, *rt)
	}
	return out
}

// Register adds or replaces a runtime descriptor.
func (r *Registry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[rt.Name] = &rt
}

// Unregister removes a runtime by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runtimes, name)
}

func normalizeExt(ext string) string {
	return strings.TrimPrefix(strings.ToLower(ext), ".")
}

// FindAvailablePort binds a TCP listener starting at start, closing it and
// returning the port number on success, incrementing past ports already in
// use. It distinguishes EADDRINUSE from other bind failures via
// golang.org/x/sys/unix so a non-EADDRINUSE error (e.g. permission denied on
// a privileged port) is surfaced immediately rather than looped past.
func FindAvailablePort(start int) (int, error) {
	port := start
	for port < 65536 {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port, nil
		}
		if isAddrInUse(err) {
			port++
			continue
		}
		return 0, fmt.Errorf("runtimeregistry: failed to bind %s: %w", addr, err)
	}
	return 0, fmt.Errorf("runtimeregistry: no available port found starting at %d", start)
}

func isAddrInUse(err error) bool {
	var sysErr *net.OpError
	if ok := asOpError(err, &sysErr); ok {
		return strings.Contains(sysErr.Err.Error(), unix.EADDRINUSE.Error())
	}
	return strings.Contains(err.Error(), "address already in use")
}

func asOpError(err error, target **net.OpError) bool {
	op, ok := err.(*net.OpError)
	if ok {
		*target = op
		return true
	}
	return false
}
