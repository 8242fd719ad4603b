package types

// BreakpointInfo describes a breakpoint. Inside a debug adapter, ID is the
// adapter's own id; in what RemoteDebugger returns, ID is RemoteDebugger's
// local id ("bp-1", "bp-2", ...). Either way it is opaque to callers.
type BreakpointInfo struct {
	ID            string `json:"id"`
	File          string `json:"file"`
	Line          int    `json:"line"`
	Column        int    `json:"column,omitempty"`
	Condition     string `json:"condition,omitempty"`
	HitCondition  string `json:"hitCondition,omitempty"`
	LogMessage    string `json:"logMessage,omitempty"`
	Verified      bool   `json:"verified"`
}

// Source identifies the origin file of a stack frame.
type Source struct {
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
}

// StackFrame is a single DAP-shaped call-stack frame. Lines are 1-based.
type StackFrame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Source Source `json:"source"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Scope is a DAP-shaped variable scope within a stack frame.
type Scope struct {
	Name               string `json:"name"`
	Type               string `json:"type"`
	VariablesReference int    `json:"variablesReference"`
	Expensive          bool   `json:"expensive"`
}

// Variable is a DAP-shaped variable within a scope.
type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference"`
}

// PausedEvent carries the reason a debug adapter halted execution.
type PausedEvent struct {
	Reason            string `json:"reason"`
	HitBreakpointIDs  []string `json:"hitBreakpointIds,omitempty"`
	ThreadID          int    `json:"threadId,omitempty"`
}

// DebuggerState is the composite state returned by RemoteDebugger.GetDebuggerState.
type DebuggerState struct {
	Connected    bool             `json:"connected"`
	Paused       bool             `json:"paused"`
	InspectorURL string           `json:"inspectorUrl,omitempty"`
	Breakpoints  []BreakpointInfo `json:"breakpoints"`
	CallStack    []StackFrame     `json:"callStack,omitempty"`
}
