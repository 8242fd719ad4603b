package debugadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// cdpRequest is the outbound {id, method, params} envelope.
type cdpRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// cdpMessage is the inbound frame: either a response (has ID) or an event (has Method).
type cdpMessage struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type pendingRequest struct {
	result chan json.RawMessage
	err    chan error
}

// V8InspectorAdapter is a WebSocket client for the Chrome DevTools Protocol
// (V8 Inspector), correlating request/response pairs by id and surfacing
// Debugger.paused/resumed as the shared DebugAdapter events.
type V8InspectorAdapter struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   int64
	pending  map[int64]*pendingRequest
	handlers EventHandlers

	connected int32
	pausedMu  sync.Mutex
	paused    bool
	callStack []types.StackFrame

	breakpointsMu sync.Mutex
	breakpoints   map[string]types.BreakpointInfo // keyed by adapter-assigned id

	done chan struct{}
}

// NewV8InspectorAdapter creates an unconnected adapter.
func NewV8InspectorAdapter() *V8InspectorAdapter {
	return &V8InspectorAdapter{
		pending:     make(map[int64]*pendingRequest),
		breakpoints: make(map[string]types.BreakpointInfo),
	}
}

// SetEventHandlers registers the shared-event callbacks.
func (a *V8InspectorAdapter) SetEventHandlers(h EventHandlers) {
	a.mu.Lock()
	a.handlers = h
	a.mu.Unlock()
}

// Connect dials the inspector WebSocket and starts the read pump.
func (a *V8InspectorAdapter) Connect(ctx context.Context, opts ConnectOptions) error {
	url := opts.WebSocketURL
	if url == "" {
		url = fmt.Sprintf("ws://%s:%d", opts.Host, opts.Port)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("v8inspector: dial %s: %w", url, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.done = make(chan struct{})
	a.mu.Unlock()

	atomic.StoreInt32(&a.connected, 1)
	go a.readPump()
	return nil
}

// Disconnect closes the socket, rejecting every pending request.
func (a *V8InspectorAdapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	atomic.StoreInt32(&a.connected, 0)
	err := conn.Close()
	a.rejectAllPending(fmt.Errorf("v8inspector: connection closed"))
	return err
}

func (a *V8InspectorAdapter) IsConnected() bool {
	return atomic.LoadInt32(&a.connected) == 1
}

func (a *V8InspectorAdapter) IsPaused() bool {
	a.pausedMu.Lock()
	defer a.pausedMu.Unlock()
	return a.paused
}

// Initialize performs the V8-specific enable sequence.
func (a *V8InspectorAdapter) Initialize(ctx context.Context) error {
	if _, err := a.call(ctx, "Runtime.enable", nil); err != nil {
		return err
	}
	if _, err := a.call(ctx, "Debugger.enable", nil); err != nil {
		return err
	}
	return nil
}

// Launch resumes a target paused at entry (--inspect-brk) once breakpoints
// are armed, per the ordering guarantee in the handshake section.
func (a *V8InspectorAdapter) Launch(ctx context.Context, cfg LaunchConfig) error {
	_, err := a.call(ctx, "Runtime.runIfWaitingForDebugger", nil)
	return err
}

// SetBreakpoint installs a breakpoint by URL using 0-based lines on the wire.
func (a *V8InspectorAdapter) SetBreakpoint(ctx context.Context, file string, line int, condition string) (BreakpointResult, error) {
	params := map[string]interface{}{
		"lineNumber": line - 1,
		"url":        "file://" + file,
	}
	if condition != "" {
		params["condition"] = condition
	}
	raw, err := a.call(ctx, "Debugger.setBreakpointByUrl", params)
	if err != nil {
		return BreakpointResult{}, err
	}

	var resp struct {
		BreakpointID string `json:"breakpointId"`
		Locations    []struct {
			LineNumber int `json:"lineNumber"`
		} `json:"locations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return BreakpointResult{}, fmt.Errorf("v8inspector: decode setBreakpointByUrl response: %w", err)
	}

	verified := len(resp.Locations) > 0
	resultLine := line
	if verified {
		resultLine = resp.Locations[0].LineNumber + 1
	}

	info := types.BreakpointInfo{
		ID:        resp.BreakpointID,
		File:      file,
		Line:      resultLine,
		Condition: condition,
		Verified:  verified,
	}
	a.breakpointsMu.Lock()
	a.breakpoints[resp.BreakpointID] = info
	a.breakpointsMu.Unlock()

	return BreakpointResult{
		BreakpointID: resp.BreakpointID,
		Verified:     verified,
		Line:         resultLine,
		Source:       types.Source{Path: file},
	}, nil
}

func (a *V8InspectorAdapter) RemoveBreakpoint(ctx context.Context, id string) error {
	_, err := a.call(ctx, "Debugger.removeBreakpoint", map[string]interface{}{"breakpointId": id})
	if err != nil {
		return err
	}
	a.breakpointsMu.Lock()
	delete(a.breakpoints, id)
	a.breakpointsMu.Unlock()
	return nil
}

func (a *V8InspectorAdapter) ListBreakpoints() []types.BreakpointInfo {
	a.breakpointsMu.Lock()
	defer a.breakpointsMu.Unlock()
	out := make([]types.BreakpointInfo, 0, len(a.breakpoints))
	for _, bp := range a.breakpoints {
		out = append(out, bp)
	}
	return out
}

func (a *V8InspectorAdapter) Resume(ctx context.Context, threadID int) error {
	_, err := a.call(ctx, "Debugger.resume", nil)
	return err
}

func (a *V8InspectorAdapter) Pause(ctx context.Context, threadID int) error {
	_, err := a.call(ctx, "Debugger.pause", nil)
	return err
}

func (a *V8InspectorAdapter) StepOver(ctx context.Context, threadID int) error {
	_, err := a.call(ctx, "Debugger.stepOver", nil)
	return err
}

func (a *V8InspectorAdapter) StepInto(ctx context.Context, threadID int) error {
	_, err := a.call(ctx, "Debugger.stepInto", nil)
	return err
}

func (a *V8InspectorAdapter) StepOut(ctx context.Context, threadID int) error {
	_, err := a.call(ctx, "Debugger.stepOut", nil)
	return err
}

func (a *V8InspectorAdapter) GetCallStack(ctx context.Context, threadID int) ([]types.StackFrame, error) {
	a.pausedMu.Lock()
	defer a.pausedMu.Unlock()
	return append([]types.StackFrame(nil), a.callStack...), nil
}

func (a *V8InspectorAdapter) GetScopes(ctx context.Context, frameID int) ([]types.Scope, error) {
	return nil, fmt.Errorf("v8inspector: GetScopes requires call-frame scope-chain data captured at pause time; frame %d not cached", frameID)
}

func (a *V8InspectorAdapter) GetVariables(ctx context.Context, variablesReference int) ([]types.Variable, error) {
	raw, err := a.call(ctx, "Runtime.getProperties", map[string]interface{}{
		"objectId":      fmt.Sprintf("%d", variablesReference),
		"ownProperties": true,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []struct {
			Name  string `json:"name"`
			Value struct {
				Type        string `json:"type"`
				Value       json.RawMessage `json:"value"`
				Description string          `json:"description"`
				ObjectID    string          `json:"objectId"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("v8inspector: decode getProperties response: %w", err)
	}
	out := make([]types.Variable, 0, len(resp.Result))
	for _, prop := range resp.Result {
		val := prop.Value.Description
		if val == "" && prop.Value.Value != nil {
			val = string(prop.Value.Value)
		}
		out = append(out, types.Variable{
			Name:  prop.Name,
			Value: val,
			Type:  prop.Value.Type,
		})
	}
	return out, nil
}

// Evaluate runs expr on the paused call frame if frameID is supplied and the
// debugger is paused, else evaluates in the global Runtime context.
func (a *V8InspectorAdapter) Evaluate(ctx context.Context, expr string, frameID int, evalContext string) (string, error) {
	if a.IsPaused() && frameID != 0 {
		raw, err := a.call(ctx, "Debugger.evaluateOnCallFrame", map[string]interface{}{
			"callFrameId": fmt.Sprintf("%d", frameID),
			"expression":  expr,
		})
		if err != nil {
			return "", err
		}
		return decodeEvalResult(raw)
	}

	raw, err := a.call(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expr,
		"contextId":     evalContext,
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	return decodeEvalResult(raw)
}

func decodeEvalResult(raw json.RawMessage) (string, error) {
	var resp struct {
		Result struct {
			Type        string          `json:"type"`
			Value       json.RawMessage `json:"value"`
			Description string          `json:"description"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("v8inspector: decode evaluate response: %w", err)
	}
	if resp.ExceptionDetails != nil {
		return "", fmt.Errorf("v8inspector: evaluate threw: %s", resp.ExceptionDetails.Text)
	}
	if resp.Result.Description != "" {
		return resp.Result.Description, nil
	}
	return string(resp.Result.Value), nil
}

func (a *V8InspectorAdapter) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("v8inspector: not connected")
	}
	id := atomic.AddInt64(&a.nextID, 1)
	pr := &pendingRequest{result: make(chan json.RawMessage, 1), err: make(chan error, 1)}
	a.pending[id] = pr
	a.mu.Unlock()

	req := cdpRequest{ID: id, Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, fmt.Errorf("v8inspector: write %s: %w", method, err)
	}

	select {
	case res := <-pr.result:
		return res, nil
	case err := <-pr.err:
		return nil, err
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (a *V8InspectorAdapter) readPump() {
	defer func() {
		atomic.StoreInt32(&a.connected, 0)
		a.rejectAllPending(fmt.Errorf("v8inspector: connection closed"))
		a.mu.Lock()
		h := a.handlers
		a.mu.Unlock()
		if h.OnDisconnected != nil {
			h.OnDisconnected()
		}
	}()

	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}

		var msg cdpMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.Method == "" {
			a.mu.Lock()
			pr, ok := a.pending[msg.ID]
			if ok {
				delete(a.pending, msg.ID)
			}
			a.mu.Unlock()
			if !ok {
				continue
			}
			if msg.Error != nil {
				pr.err <- fmt.Errorf("v8inspector: %s (code %d)", msg.Error.Message, msg.Error.Code)
			} else {
				pr.result <- msg.Result
			}
			continue
		}

		a.handleEvent(msg.Method, msg.Params)
	}
}

func (a *V8InspectorAdapter) handleEvent(method string, params json.RawMessage) {
	a.mu.Lock()
	h := a.handlers
	a.mu.Unlock()

	switch method {
	case "Debugger.paused":
		var evt struct {
			Reason      string `json:"reason"`
			HitBreakpoints []string `json:"hitBreakpoints"`
			CallFrames  []struct {
				CallFrameID  string `json:"callFrameId"`
				FunctionName string `json:"functionName"`
				Location     struct {
					LineNumber int `json:"lineNumber"`
				} `json:"location"`
				URL string `json:"url"`
			} `json:"callFrames"`
		}
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}

		frames := make([]types.StackFrame, 0, len(evt.CallFrames))
		for i, f := range evt.CallFrames {
			name := f.FunctionName
			if name == "" {
				name = "(anonymous)"
			}
			path := strings.TrimPrefix(f.URL, "file://")
			frames = append(frames, types.StackFrame{
				ID:     callFrameIDToInt(f.CallFrameID, i),
				Name:   name,
				Source: types.Source{Path: path},
				Line:   f.Location.LineNumber + 1,
			})
		}

		a.pausedMu.Lock()
		a.paused = true
		a.callStack = frames
		a.pausedMu.Unlock()

		if h.OnPaused != nil {
			h.OnPaused(types.PausedEvent{Reason: evt.Reason, HitBreakpointIDs: evt.HitBreakpoints})
		}

	case "Debugger.resumed":
		a.pausedMu.Lock()
		a.paused = false
		a.callStack = nil
		a.pausedMu.Unlock()
		if h.OnResumed != nil {
			h.OnResumed()
		}

	case "Debugger.breakpointResolved":
		var evt struct {
			BreakpointID string `json:"breakpointId"`
			Location     struct {
				LineNumber int `json:"lineNumber"`
			} `json:"location"`
		}
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		a.breakpointsMu.Lock()
		if bp, ok := a.breakpoints[evt.BreakpointID]; ok {
			bp.Verified = true
			bp.Line = evt.Location.LineNumber + 1
			a.breakpoints[evt.BreakpointID] = bp
		}
		a.breakpointsMu.Unlock()
		if h.OnBreakpointResolved != nil {
			h.OnBreakpointResolved(evt.BreakpointID, evt.Location.LineNumber+1, true)
		}

	case "Runtime.consoleAPICalled":
		var evt struct {
			Type string `json:"type"`
			Args []struct {
				Description string          `json:"description"`
				Value       json.RawMessage `json:"value"`
			} `json:"args"`
		}
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		if h.OnOutput != nil && len(evt.Args) > 0 {
			text := evt.Args[0].Description
			if text == "" {
				text = string(evt.Args[0].Value)
			}
			h.OnOutput(evt.Type, text, "", 0)
		}
	}
}

func (a *V8InspectorAdapter) rejectAllPending(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[int64]*pendingRequest)
	a.mu.Unlock()

	for _, pr := range pending {
		pr.err <- err
	}
}

// callFrameIDToInt derives a stable int id from the CDP string call-frame id,
// falling back to the frame's stack position if parsing fails.
func callFrameIDToInt(callFrameID string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(callFrameID, "%d", &n); err == nil {
		return n
	}
	return fallback
}
