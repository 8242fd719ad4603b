// Package appstate holds the rolling log ring, custom key/value state, and
// event bus that sit at the center of every supervised target (process or
// sandbox). There is exactly one AppState per target, created once and
// living until target destruction.
package appstate

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

const defaultMaxLogs = 500

// Handler is a subscriber callback. A panicking handler is recovered and
// logged so one failing handler never blocks the others.
type Handler func(payload interface{})

// StateChange is the payload emitted on setState.
type StateChange struct {
	Key      string      `json:"key"`
	Value    interface{} `json:"value"`
	OldValue interface{} `json:"oldValue"`
}

// StateDelete is the payload emitted on deleteState.
type StateDelete struct {
	Key string `json:"key"`
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	LogCount   int       `json:"logCount"`
	StateCount int       `json:"stateCount"`
	StartedAt  time.Time `json:"startedAt"`
	Uptime     int64     `json:"uptime"` // milliseconds
}

// AppState is the single log-and-state source of truth for one target.
// All mutation happens under mu; event emission happens outside the lock
// so a slow or misbehaving handler cannot deadlock a concurrent mutator.
type AppState struct {
	mu        sync.Mutex
	maxLogs   int
	logs      []types.LogEntry
	state     map[string]interface{}
	startedAt time.Time

	busMu    sync.RWMutex
	handlers map[string][]Handler
}

// New creates an AppState with the given maxLogs (0 uses the spec default of 500).
func New(maxLogs int) *AppState {
	if maxLogs <= 0 {
		maxLogs = defaultMaxLogs
	}
	return &AppState{
		maxLogs:   maxLogs,
		logs:      make([]types.LogEntry, 0, maxLogs),
		state:     make(map[string]interface{}),
		startedAt: time.Now(),
		handlers:  make(map[string][]Handler),
	}
}

// Log appends a log entry, evicting the oldest entry if over max, and
// emits "log". meta may be nil.
func (a *AppState) Log(typ types.LogType, message string, meta map[string]interface{}) types.LogEntry {
	entry := types.LogEntry{
		Type:      typ,
		Message:   message,
		Timestamp: time.Now(),
		Meta:      meta,
	}

	a.mu.Lock()
	a.logs = append(a.logs, entry)
	if len(a.logs) > a.maxLogs {
		a.logs = a.logs[len(a.logs)-a.maxLogs:]
	}
	a.mu.Unlock()

	a.emit("log", entry)
	return entry
}

// GetLogs returns the most recent min(length, count) entries in insertion
// order. count<=0 returns all stored entries. filter, if non-empty, keeps
// only entries whose Type matches.
func (a *AppState) GetLogs(count int, filter types.LogType) []types.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	src := a.logs
	if filter != "" {
		filtered := make([]types.LogEntry, 0, len(src))
		for _, e := range src {
			if e.Type == filter {
				filtered = append(filtered, e)
			}
		}
		src = filtered
	}

	if count <= 0 || count >= len(src) {
		out := make([]types.LogEntry, len(src))
		copy(out, src)
		return out
	}
	out := make([]types.LogEntry, count)
	copy(out, src[len(src)-count:])
	return out
}

// SearchLogs performs a case-insensitive substring search over message text.
func (a *AppState) SearchLogs(query string) []types.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	q := strings.ToLower(query)
	var out []types.LogEntry
	for _, e := range a.logs {
		if strings.Contains(strings.ToLower(e.Message), q) {
			out = append(out, e)
		}
	}
	return out
}

// ClearLogs empties the log ring.
func (a *AppState) ClearLogs() {
	a.mu.Lock()
	a.logs = a.logs[:0]
	a.mu.Unlock()
}

// SetState stores a value under key and emits "stateChange" with the old
// value (nil if absent).
func (a *AppState) SetState(key string, value interface{}) {
	a.mu.Lock()
	old, existed := a.state[key]
	a.state[key] = value
	a.mu.Unlock()

	if !existed {
		old = nil
	}
	a.emit("stateChange", StateChange{Key: key, Value: value, OldValue: old})
}

// GetState returns the value for key and whether it is present. An empty key
// returns (nil, false); use GetAllState for the full state map.
func (a *AppState) GetState(key string) (interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key == "" {
		return nil, false
	}
	v, ok := a.state[key]
	return v, ok
}

// GetAllState returns a shallow copy of the full custom-state map.
func (a *AppState) GetAllState() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]interface{}, len(a.state))
	for k, v := range a.state {
		out[k] = v
	}
	return out
}

// DeleteState removes key and emits "stateDelete" exactly once if it was present.
func (a *AppState) DeleteState(key string) {
	a.mu.Lock()
	_, existed := a.state[key]
	delete(a.state, key)
	a.mu.Unlock()

	if existed {
		a.emit("stateDelete", StateDelete{Key: key})
	}
}

// ClearState empties the custom-state map without emitting per-key events.
func (a *AppState) ClearState() {
	a.mu.Lock()
	a.state = make(map[string]interface{})
	a.mu.Unlock()
}

// GetStatus returns a point-in-time summary.
func (a *AppState) GetStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		LogCount:   len(a.logs),
		StateCount: len(a.state),
		StartedAt:  a.startedAt,
		Uptime:     time.Since(a.startedAt).Milliseconds(),
	}
}

// ResetStartTime zeroes the uptime clock, used by ProcessManager on restart.
func (a *AppState) ResetStartTime() {
	a.mu.Lock()
	a.startedAt = time.Now()
	a.mu.Unlock()
}

// On registers a handler for an event name.
func (a *AppState) On(event string, h Handler) {
	a.busMu.Lock()
	a.handlers[event] = append(a.handlers[event], h)
	a.busMu.Unlock()
}

// Off removes all handlers for an event name.
func (a *AppState) Off(event string) {
	a.busMu.Lock()
	delete(a.handlers, event)
	a.busMu.Unlock()
}

// Emit fires an event to every registered handler. Exported so callers
// (ProcessManager, SandboxManager) can raise domain events (watchHit,
// breakpointPrompt, injectionReady, ...) through the same bus.
func (a *AppState) Emit(event string, payload interface{}) {
	a.emit(event, payload)
}

func (a *AppState) emit(event string, payload interface{}) {
	a.busMu.RLock()
	hs := append([]Handler(nil), a.handlers[event]...)
	a.busMu.RUnlock()

	for _, h := range hs {
		a.safeCall(h, payload)
	}
}

// safeCall isolates one handler's panic so it cannot prevent the others
// from running — the same "a misbehaving consumer must not take down the
// producer" discipline echo's middleware.Recover() applies at the HTTP
// boundary, applied here at the event-dispatch boundary.
func (a *AppState) safeCall(h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("appstate: recovered panic in event handler: %v", r)
		}
	}()
	h(payload)
}
