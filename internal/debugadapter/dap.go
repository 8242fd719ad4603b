package debugadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// dapMessage is the generic envelope for every DAP protocol message.
type dapMessage struct {
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"` // request | response | event
	Command    string          `json:"command,omitempty"`
	Event      string          `json:"event,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	RequestSeq int64           `json:"request_seq,omitempty"`
	Success    bool            `json:"success,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// DapAdapter is a Content-Length-framed TCP client implementing the Debug
// Adapter Protocol's initialize -> launch/attach -> configurationDone
// handshake, correlating requests and responses by seq.
type DapAdapter struct {
	mu       sync.Mutex
	conn     net.Conn
	writer   *bufio.Writer
	nextSeq  int64
	pending  map[int64]*pendingRequest
	handlers EventHandlers

	connected int32
	pausedMu  sync.Mutex
	paused    bool
	callStack []types.StackFrame

	// desiredBreakpoints is the full per-file set DAP requires on every
	// setBreakpoints call (bulk replace, not incremental).
	bpMu               sync.Mutex
	desiredBreakpoints map[string][]desiredBreakpoint
	breakpointsByID    map[string]types.BreakpointInfo
	nextLocalID        int64
}

type desiredBreakpoint struct {
	localID   string
	line      int
	condition string
}

// NewDapAdapter creates an unconnected adapter.
func NewDapAdapter() *DapAdapter {
	return &DapAdapter{
		pending:            make(map[int64]*pendingRequest),
		desiredBreakpoints: make(map[string][]desiredBreakpoint),
		breakpointsByID:    make(map[string]types.BreakpointInfo),
	}
}

func (a *DapAdapter) SetEventHandlers(h EventHandlers) {
	a.mu.Lock()
	a.handlers = h
	a.mu.Unlock()
}

// Connect dials the DAP server's TCP listener and starts the read pump.
func (a *DapAdapter) Connect(ctx context.Context, opts ConnectOptions) error {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dap: dial %s: %w", addr, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.writer = bufio.NewWriter(conn)
	a.mu.Unlock()

	atomic.StoreInt32(&a.connected, 1)
	go a.readPump(bufio.NewReader(conn))
	return nil
}

func (a *DapAdapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	atomic.StoreInt32(&a.connected, 0)
	err := conn.Close()
	a.rejectAllPending(fmt.Errorf("dap: connection closed"))
	return err
}

func (a *DapAdapter) IsConnected() bool { return atomic.LoadInt32(&a.connected) == 1 }

func (a *DapAdapter) IsPaused() bool {
	a.pausedMu.Lock()
	defer a.pausedMu.Unlock()
	return a.paused
}

// Initialize sends the "initialize" request. The caller is expected to arm
// breakpoints next and then call Launch, which finishes the handshake with
// configurationDone.
func (a *DapAdapter) Initialize(ctx context.Context) error {
	_, err := a.sendRequest(ctx, "initialize", map[string]interface{}{
		"clientID":                     "reflexive",
		"adapterID":                    "reflexive",
		"linesStartAt1":                true,
		"columnsStartAt1":              true,
		"supportsRunInTerminalRequest": false,
	})
	return err
}

// Launch issues "launch" (passing cfg.StopAtEntry through as stopAtEntry)
// followed by "configurationDone", completing the handshake. Breakpoints
// must be set before this call.
func (a *DapAdapter) Launch(ctx context.Context, cfg LaunchConfig) error {
	args := map[string]interface{}{
		"program":     cfg.Program,
		"args":        cfg.Args,
		"cwd":         cfg.Cwd,
		"stopAtEntry": cfg.StopAtEntry,
	}
	if _, err := a.sendRequest(ctx, "launch", args); err != nil {
		return fmt.Errorf("dap: launch: %w", err)
	}
	if _, err := a.sendRequest(ctx, "configurationDone", nil); err != nil {
		return fmt.Errorf("dap: configurationDone: %w", err)
	}
	return nil
}

// SetBreakpoint adds line to the desired set for file and bulk-replaces the
// adapter's breakpoints for that file via "setBreakpoints".
func (a *DapAdapter) SetBreakpoint(ctx context.Context, file string, line int, condition string) (BreakpointResult, error) {
	a.bpMu.Lock()
	a.nextLocalID++
	localID := fmt.Sprintf("dap-%d", a.nextLocalID)
	a.desiredBreakpoints[file] = append(a.desiredBreakpoints[file], desiredBreakpoint{
		localID: localID, line: line, condition: condition,
	})
	desired := append([]desiredBreakpoint(nil), a.desiredBreakpoints[file]...)
	a.bpMu.Unlock()

	verified, resultLine, err := a.applyBreakpoints(ctx, file, desired)
	if err != nil {
		return BreakpointResult{}, err
	}

	info := types.BreakpointInfo{ID: localID, File: file, Line: resultLine, Condition: condition, Verified: verified}
	a.bpMu.Lock()
	a.breakpointsByID[localID] = info
	a.bpMu.Unlock()

	return BreakpointResult{BreakpointID: localID, Verified: verified, Line: resultLine, Source: types.Source{Path: file}}, nil
}

// RemoveBreakpoint removes id from the desired set and re-sends the reduced
// set for its file, per the DAP bulk-replace contract.
func (a *DapAdapter) RemoveBreakpoint(ctx context.Context, id string) error {
	a.bpMu.Lock()
	info, ok := a.breakpointsByID[id]
	if !ok {
		a.bpMu.Unlock()
		return fmt.Errorf("dap: unknown breakpoint %s", id)
	}
	delete(a.breakpointsByID, id)
	reduced := a.desiredBreakpoints[info.File][:0]
	for _, bp := range a.desiredBreakpoints[info.File] {
		if bp.localID != id {
			reduced = append(reduced, bp)
		}
	}
	a.desiredBreakpoints[info.File] = reduced
	desired := append([]desiredBreakpoint(nil), reduced...)
	a.bpMu.Unlock()

	_, _, err := a.applyBreakpoints(ctx, info.File, desired)
	return err
}

func (a *DapAdapter) applyBreakpoints(ctx context.Context, file string, desired []desiredBreakpoint) (verified bool, line int, err error) {
	lines := make([]map[string]interface{}, 0, len(desired))
	for _, bp := range desired {
		entry := map[string]interface{}{"line": bp.line}
		if bp.condition != "" {
			entry["condition"] = bp.condition
		}
		lines = append(lines, entry)
	}

	raw, err := a.sendRequest(ctx, "setBreakpoints", map[string]interface{}{
		"source":      map[string]interface{}{"path": file},
		"breakpoints": lines,
	})
	if err != nil {
		return false, 0, fmt.Errorf("dap: setBreakpoints: %w", err)
	}

	var resp struct {
		Breakpoints []struct {
			Verified bool `json:"verified"`
			Line     int  `json:"line"`
		} `json:"breakpoints"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, 0, fmt.Errorf("dap: decode setBreakpoints response: %w", err)
	}
	if len(resp.Breakpoints) == 0 {
		return false, 0, nil
	}
	last := resp.Breakpoints[len(resp.Breakpoints)-1]
	return last.Verified, last.Line, nil
}

func (a *DapAdapter) ListBreakpoints() []types.BreakpointInfo {
	a.bpMu.Lock()
	defer a.bpMu.Unlock()
	out := make([]types.BreakpointInfo, 0, len(a.breakpointsByID))
	for _, bp := range a.breakpointsByID {
		out = append(out, bp)
	}
	return out
}

func (a *DapAdapter) Resume(ctx context.Context, threadID int) error {
	_, err := a.sendRequest(ctx, "continue", map[string]interface{}{"threadId": threadID})
	return err
}

func (a *DapAdapter) Pause(ctx context.Context, threadID int) error {
	_, err := a.sendRequest(ctx, "pause", map[string]interface{}{"threadId": threadID})
	return err
}

func (a *DapAdapter) StepOver(ctx context.Context, threadID int) error {
	_, err := a.sendRequest(ctx, "next", map[string]interface{}{"threadId": threadID})
	return err
}

func (a *DapAdapter) StepInto(ctx context.Context, threadID int) error {
	_, err := a.sendRequest(ctx, "stepIn", map[string]interface{}{"threadId": threadID})
	return err
}

func (a *DapAdapter) StepOut(ctx context.Context, threadID int) error {
	_, err := a.sendRequest(ctx, "stepOut", map[string]interface{}{"threadId": threadID})
	return err
}

func (a *DapAdapter) GetCallStack(ctx context.Context, threadID int) ([]types.StackFrame, error) {
	raw, err := a.sendRequest(ctx, "stackTrace", map[string]interface{}{"threadId": threadID})
	if err != nil {
		return nil, err
	}
	var resp struct {
		StackFrames []struct {
			ID     int    `json:"id"`
			Name   string `json:"name"`
			Line   int    `json:"line"`
			Column int    `json:"column"`
			Source struct {
				Path string `json:"path"`
				Name string `json:"name"`
			} `json:"source"`
		} `json:"stackFrames"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("dap: decode stackTrace response: %w", err)
	}
	frames := make([]types.StackFrame, 0, len(resp.StackFrames))
	for _, f := range resp.StackFrames {
		frames = append(frames, types.StackFrame{
			ID:     f.ID,
			Name:   f.Name,
			Source: types.Source{Path: f.Source.Path, Name: f.Source.Name},
			Line:   f.Line,
			Column: f.Column,
		})
	}

	a.pausedMu.Lock()
	a.callStack = frames
	a.pausedMu.Unlock()
	return frames, nil
}

func (a *DapAdapter) GetScopes(ctx context.Context, frameID int) ([]types.Scope, error) {
	raw, err := a.sendRequest(ctx, "scopes", map[string]interface{}{"frameId": frameID})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Scopes []struct {
			Name               string `json:"name"`
			VariablesReference int    `json:"variablesReference"`
			Expensive          bool   `json:"expensive"`
		} `json:"scopes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("dap: decode scopes response: %w", err)
	}
	out := make([]types.Scope, 0, len(resp.Scopes))
	for _, s := range resp.Scopes {
		out = append(out, types.Scope{Name: s.Name, VariablesReference: s.VariablesReference, Expensive: s.Expensive})
	}
	return out, nil
}

func (a *DapAdapter) GetVariables(ctx context.Context, variablesReference int) ([]types.Variable, error) {
	raw, err := a.sendRequest(ctx, "variables", map[string]interface{}{"variablesReference": variablesReference})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Variables []struct {
			Name               string `json:"name"`
			Value              string `json:"value"`
			Type               string `json:"type"`
			VariablesReference int    `json:"variablesReference"`
		} `json:"variables"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("dap: decode variables response: %w", err)
	}
	out := make([]types.Variable, 0, len(resp.Variables))
	for _, v := range resp.Variables {
		out = append(out, types.Variable{Name: v.Name, Value: v.Value, Type: v.Type, VariablesReference: v.VariablesReference})
	}
	return out, nil
}

func (a *DapAdapter) Evaluate(ctx context.Context, expr string, frameID int, evalContext string) (string, error) {
	raw, err := a.sendRequest(ctx, "evaluate", map[string]interface{}{
		"expression": expr,
		"frameId":    frameID,
		"context":    evalContext,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("dap: decode evaluate response: %w", err)
	}
	return resp.Result, nil
}

func (a *DapAdapter) sendRequest(ctx context.Context, command string, args interface{}) (json.RawMessage, error) {
	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("dap: not connected")
	}
	seq := atomic.AddInt64(&a.nextSeq, 1)
	pr := &pendingRequest{result: make(chan json.RawMessage, 1), err: make(chan error, 1)}
	a.pending[seq] = pr
	writer := a.writer
	a.mu.Unlock()

	var argsRaw json.RawMessage
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("dap: marshal %s args: %w", command, err)
		}
		argsRaw = raw
	}

	msg := dapMessage{Seq: seq, Type: "request", Command: command, Arguments: argsRaw}
	if err := writeDapMessage(writer, msg); err != nil {
		a.mu.Lock()
		delete(a.pending, seq)
		a.mu.Unlock()
		return nil, fmt.Errorf("dap: write %s: %w", command, err)
	}

	select {
	case res := <-pr.result:
		return res, nil
	case err := <-pr.err:
		return nil, err
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, seq)
		a.mu.Unlock()
		return nil, ctx.Err()
	}
}

func writeDapMessage(w *bufio.Writer, msg dapMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

func (a *DapAdapter) readPump(r *bufio.Reader) {
	defer func() {
		atomic.StoreInt32(&a.connected, 0)
		a.rejectAllPending(fmt.Errorf("dap: connection closed"))
		a.mu.Lock()
		h := a.handlers
		a.mu.Unlock()
		if h.OnDisconnected != nil {
			h.OnDisconnected()
		}
	}()

	for {
		msg, err := readDapMessage(r)
		if err != nil {
			return
		}

		switch msg.Type {
		case "response":
			a.mu.Lock()
			pr, ok := a.pending[msg.RequestSeq]
			if ok {
				delete(a.pending, msg.RequestSeq)
			}
			a.mu.Unlock()
			if !ok {
				continue
			}
			if !msg.Success {
				pr.err <- fmt.Errorf("dap: %s failed: %s", msg.Command, msg.Message)
			} else {
				pr.result <- msg.Body
			}
		case "event":
			a.handleEvent(msg.Event, msg.Body)
		}
	}
}

func readDapMessage(r *bufio.Reader) (dapMessage, error) {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return dapMessage{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
			if err != nil {
				return dapMessage{}, fmt.Errorf("dap: bad Content-Length header: %w", err)
			}
			contentLength = n
		}
	}
	if contentLength == 0 {
		return dapMessage{}, fmt.Errorf("dap: missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return dapMessage{}, err
	}

	var msg dapMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return dapMessage{}, fmt.Errorf("dap: decode message: %w", err)
	}
	return msg, nil
}

var dapStopReasons = map[string]string{
	"breakpoint":          "breakpoint",
	"step":                "step",
	"exception":           "exception",
	"pause":               "pause",
	"entry":               "entry",
	"goto":                "goto",
	"function breakpoint": "function breakpoint",
	"data breakpoint":     "data breakpoint",
}

func mapDapStopReason(reason string) string {
	if mapped, ok := dapStopReasons[reason]; ok {
		return mapped
	}
	return "unknown"
}

func (a *DapAdapter) handleEvent(event string, body json.RawMessage) {
	a.mu.Lock()
	h := a.handlers
	a.mu.Unlock()

	switch event {
	case "stopped":
		var evt struct {
			Reason           string `json:"reason"`
			ThreadID         int    `json:"threadId"`
			HitBreakpointIDs []int  `json:"hitBreakpointIds"`
		}
		if err := json.Unmarshal(body, &evt); err != nil {
			return
		}
		a.pausedMu.Lock()
		a.paused = true
		a.pausedMu.Unlock()

		hitIDs := make([]string, 0, len(evt.HitBreakpointIDs))
		for _, id := range evt.HitBreakpointIDs {
			hitIDs = append(hitIDs, fmt.Sprintf("%d", id))
		}
		if h.OnPaused != nil {
			h.OnPaused(types.PausedEvent{
				Reason:           mapDapStopReason(evt.Reason),
				HitBreakpointIDs: hitIDs,
				ThreadID:         evt.ThreadID,
			})
		}

	case "continued":
		a.pausedMu.Lock()
		a.paused = false
		a.callStack = nil
		a.pausedMu.Unlock()
		if h.OnResumed != nil {
			h.OnResumed()
		}

	case "terminated", "exited":
		if h.OnDisconnected != nil {
			h.OnDisconnected()
		}

	case "output":
		var evt struct {
			Category string `json:"category"`
			Output   string `json:"output"`
			Source   struct {
				Path string `json:"path"`
			} `json:"source"`
			Line int `json:"line"`
		}
		if err := json.Unmarshal(body, &evt); err != nil {
			return
		}
		if h.OnOutput != nil {
			h.OnOutput(evt.Category, evt.Output, evt.Source.Path, evt.Line)
		}

	case "breakpoint":
		var evt struct {
			Breakpoint struct {
				ID       int  `json:"id"`
				Verified bool `json:"verified"`
				Line     int  `json:"line"`
			} `json:"breakpoint"`
		}
		if err := json.Unmarshal(body, &evt); err != nil {
			return
		}
		if h.OnBreakpointResolved != nil {
			h.OnBreakpointResolved(fmt.Sprintf("%d", evt.Breakpoint.ID), evt.Breakpoint.Line, evt.Breakpoint.Verified)
		}
	}
}

func (a *DapAdapter) rejectAllPending(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[int64]*pendingRequest)
	a.mu.Unlock()

	for _, pr := range pending {
		pr.err <- err
	}
}
