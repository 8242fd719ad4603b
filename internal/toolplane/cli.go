package toolplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/reflexive-dev/reflexive/internal/process"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

const defaultEvaluateTimeout = 10 * time.Second

// NewCLIPlane builds the tool set for local CLI mode, bound to a single
// process.Manager. Tools gated by a capability are simply omitted from the
// returned Plane when that capability is false — compile-time enforcement
// per spec.md §4.10. Every included handler additionally re-checks caps at
// call time as a defensive measure against a stale Plane outliving a
// capability change.
func NewCLIPlane(mgr *process.Manager, caps types.Capabilities) *Plane {
	tools := []Tool{
		{
			Name:        "get_process_state",
			Description: "Get the current state of the supervised process (running, pid, uptime, restart count).",
			InputSchema: objectSchema(nil),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				return JSONResult(mgr.State())
			},
		},
		{
			Name:        "get_output_logs",
			Description: "Get recent stdout/stderr/system log entries from the process.",
			InputSchema: objectSchema(map[string]interface{}{
				"count": map[string]interface{}{"type": "integer"},
				"type":  map[string]interface{}{"type": "string"},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					Count int    `json:"count"`
					Type  string `json:"type"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				return JSONResult(mgr.App().GetLogs(args.Count, types.LogType(args.Type)))
			},
		},
		{
			Name:        "search_logs",
			Description: "Search process log entries for a substring query.",
			InputSchema: objectSchema(map[string]interface{}{"query": map[string]interface{}{"type": "string"}}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					Query string `json:"query"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				return JSONResult(mgr.App().SearchLogs(args.Query))
			},
		},
		{
			Name:        "send_input",
			Description: "Send a line of text to the process's stdin.",
			InputSchema: objectSchema(map[string]interface{}{"text": map[string]interface{}{"type": "string"}}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					Text string `json:"text"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				if err := mgr.Send(args.Text); err != nil {
					return ErrorResult(err.Error())
				}
				return TextResult("ok")
			},
		},
	}

	if caps.Restart {
		tools = append(tools,
			Tool{
				Name:        "restart_process",
				Description: "Restart the supervised process.",
				InputSchema: objectSchema(nil),
				Handler: func(ctx context.Context, input json.RawMessage) Result {
					if !caps.Restart {
						return ErrorResult("restart capability is disabled")
					}
					if err := mgr.Restart(ctx); err != nil {
						return ErrorResult(err.Error())
					}
					return TextResult("restarted")
				},
			},
			Tool{
				Name:        "stop_process",
				Description: "Stop the supervised process.",
				InputSchema: objectSchema(nil),
				Handler: func(ctx context.Context, input json.RawMessage) Result {
					if !caps.Restart {
						return ErrorResult("restart capability is disabled")
					}
					if err := mgr.Stop(); err != nil {
						return ErrorResult(err.Error())
					}
					return TextResult("stopped")
				},
			},
			Tool{
				Name:        "start_process",
				Description: "Start the supervised process if it is not already running.",
				InputSchema: objectSchema(nil),
				Handler: func(ctx context.Context, input json.RawMessage) Result {
					if !caps.Restart {
						return ErrorResult("restart capability is disabled")
					}
					if mgr.State().IsRunning {
						return ErrorResult("process is already running")
					}
					if err := mgr.Start(ctx); err != nil {
						return ErrorResult(err.Error())
					}
					return TextResult("started")
				},
			},
		)
	}

	if caps.Inject {
		tools = append(tools,
			Tool{
				Name:        "get_injected_state",
				Description: "Query the injected shim for its reported custom state.",
				InputSchema: objectSchema(nil),
				Handler: func(ctx context.Context, input json.RawMessage) Result {
					if !caps.Inject {
						return ErrorResult("inject capability is disabled")
					}
					state, err := mgr.QueryInjectedState()
					if err != nil {
						return ErrorResult(err.Error())
					}
					return JSONResult(state)
				},
			},
			Tool{
				Name:        "get_injection_logs",
				Description: "Get log entries produced by the injected shim (inject:* types).",
				InputSchema: objectSchema(nil),
				Handler: func(ctx context.Context, input json.RawMessage) Result {
					if !caps.Inject {
						return ErrorResult("inject capability is disabled")
					}
					return JSONResult(mgr.App().GetLogs(0, types.LogInjectError))
				},
			},
		)
	}

	if caps.Eval {
		tools = append(tools,
			Tool{
				Name:        "evaluate_in_app",
				Description: "Evaluate an expression inside the running target via the injected channel.",
				InputSchema: objectSchema(map[string]interface{}{"code": map[string]interface{}{"type": "string"}}),
				Handler: func(ctx context.Context, input json.RawMessage) Result {
					if !caps.Eval || !caps.Inject {
						return ErrorResult("eval capability is disabled")
					}
					var args struct {
						Code string `json:"code"`
					}
					if err := unmarshalInput(input, &args); err != nil {
						return ErrorResult("invalid input: " + err.Error())
					}
					result, err := mgr.Evaluate(ctx, args.Code, defaultEvaluateTimeout)
					if err != nil {
						return ErrorResult(err.Error())
					}
					return TextResult(result)
				},
			},
			Tool{
				Name:        "list_app_globals",
				Description: "List global variable names visible in the running target.",
				InputSchema: objectSchema(nil),
				Handler: func(ctx context.Context, input json.RawMessage) Result {
					if !caps.Eval || !caps.Inject {
						return ErrorResult("eval capability is disabled")
					}
					result, err := mgr.Evaluate(ctx, "Object.keys(globalThis)", defaultEvaluateTimeout)
					if err != nil {
						return ErrorResult(err.Error())
					}
					return TextResult(result)
				},
			},
		)
	}

	if caps.Debug {
		tools = append(tools, debugTools(mgr, caps)...)
	}

	return newPlane(tools)
}

func debugTools(mgr *process.Manager, caps types.Capabilities) []Tool {
	requireDebugger := func() (*debuggerHandle, Result) {
		if !caps.Debug {
			return nil, ErrorResult("debug capability is disabled")
		}
		d := mgr.Debugger()
		if d == nil {
			return nil, ErrorResult("debugger is not attached")
		}
		return &debuggerHandle{d}, Result{}
	}

	return []Tool{
		{
			Name:        "debug_set_breakpoint",
			Description: "Set a breakpoint at file:line, with an optional condition.",
			InputSchema: objectSchema(map[string]interface{}{
				"file":      map[string]interface{}{"type": "string"},
				"line":      map[string]interface{}{"type": "integer"},
				"condition": map[string]interface{}{"type": "string"},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				h, errRes := requireDebugger()
				if h == nil {
					return errRes
				}
				var args struct {
					File      string `json:"file"`
					Line      int    `json:"line"`
					Condition string `json:"condition"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				bp, err := h.d.SetBreakpoint(ctx, args.File, args.Line, args.Condition)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(bp)
			},
		},
		{
			Name:        "debug_remove_breakpoint",
			Description: "Remove a previously set breakpoint by id.",
			InputSchema: objectSchema(map[string]interface{}{"id": map[string]interface{}{"type": "string"}}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				h, errRes := requireDebugger()
				if h == nil {
					return errRes
				}
				var args struct {
					ID string `json:"id"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				if err := h.d.RemoveBreakpoint(ctx, args.ID); err != nil {
					return ErrorResult(err.Error())
				}
				return TextResult("removed")
			},
		},
		{
			Name:        "debug_list_breakpoints",
			Description: "List all breakpoints currently armed.",
			InputSchema: objectSchema(nil),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				h, errRes := requireDebugger()
				if h == nil {
					return errRes
				}
				return JSONResult(h.d.ListBreakpoints())
			},
		},
		{
			Name:        "debug_resume",
			Description: "Resume a paused debugger thread.",
			InputSchema: objectSchema(map[string]interface{}{"threadId": map[string]interface{}{"type": "integer"}}),
			Handler: debugThreadAction(requireDebugger, func(h *debuggerHandle, ctx context.Context, tid int) error {
				return h.d.Resume(ctx, tid)
			}),
		},
		{
			Name:        "debug_pause",
			Description: "Pause a running debugger thread.",
			InputSchema: objectSchema(map[string]interface{}{"threadId": map[string]interface{}{"type": "integer"}}),
			Handler: debugThreadAction(requireDebugger, func(h *debuggerHandle, ctx context.Context, tid int) error {
				return h.d.Pause(ctx, tid)
			}),
		},
		{
			Name:        "debug_step_over",
			Description: "Step over the current line.",
			InputSchema: objectSchema(map[string]interface{}{"threadId": map[string]interface{}{"type": "integer"}}),
			Handler: debugThreadAction(requireDebugger, func(h *debuggerHandle, ctx context.Context, tid int) error {
				return h.d.StepOver(ctx, tid)
			}),
		},
		{
			Name:        "debug_step_into",
			Description: "Step into the current call.",
			InputSchema: objectSchema(map[string]interface{}{"threadId": map[string]interface{}{"type": "integer"}}),
			Handler: debugThreadAction(requireDebugger, func(h *debuggerHandle, ctx context.Context, tid int) error {
				return h.d.StepInto(ctx, tid)
			}),
		},
		{
			Name:        "debug_step_out",
			Description: "Step out of the current function.",
			InputSchema: objectSchema(map[string]interface{}{"threadId": map[string]interface{}{"type": "integer"}}),
			Handler: debugThreadAction(requireDebugger, func(h *debuggerHandle, ctx context.Context, tid int) error {
				return h.d.StepOut(ctx, tid)
			}),
		},
		{
			Name:        "debug_get_call_stack",
			Description: "Get the current call stack of a paused thread.",
			InputSchema: objectSchema(map[string]interface{}{"threadId": map[string]interface{}{"type": "integer"}}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				h, errRes := requireDebugger()
				if h == nil {
					return errRes
				}
				var args struct {
					ThreadID int `json:"threadId"`
				}
				unmarshalInput(input, &args)
				frames, err := h.d.GetCallStack(ctx, args.ThreadID)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(frames)
			},
		},
		{
			Name:        "debug_evaluate",
			Description: "Evaluate an expression, optionally scoped to a call frame.",
			InputSchema: objectSchema(map[string]interface{}{
				"expression":  map[string]interface{}{"type": "string"},
				"frameId":     map[string]interface{}{"type": "integer"},
				"evalContext": map[string]interface{}{"type": "string"},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				h, errRes := requireDebugger()
				if h == nil {
					return errRes
				}
				var args struct {
					Expression  string `json:"expression"`
					FrameID     int    `json:"frameId"`
					EvalContext string `json:"evalContext"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				result, err := h.d.Evaluate(ctx, args.Expression, args.FrameID, args.EvalContext)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return TextResult(result)
			},
		},
		{
			Name:        "debug_get_scope_variables",
			Description: "Get the variables visible in a scope.",
			InputSchema: objectSchema(map[string]interface{}{"variablesReference": map[string]interface{}{"type": "integer"}}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				h, errRes := requireDebugger()
				if h == nil {
					return errRes
				}
				var args struct {
					VariablesReference int `json:"variablesReference"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				vars, err := h.d.GetVariables(ctx, args.VariablesReference)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(vars)
			},
		},
		{
			Name:        "debug_get_state",
			Description: "Get the composite debugger state (connected, paused, breakpoints).",
			InputSchema: objectSchema(nil),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				h, errRes := requireDebugger()
				if h == nil {
					return errRes
				}
				return JSONResult(h.d.GetDebuggerState())
			},
		},
	}
}

// debuggerHandle exists only to keep debugTools' closures from importing
// remotedebug directly in their signatures.
type debuggerHandle struct {
	d interface {
		SetBreakpoint(ctx context.Context, file string, line int, condition string) (types.BreakpointInfo, error)
		RemoveBreakpoint(ctx context.Context, localID string) error
		ListBreakpoints() []types.BreakpointInfo
		Resume(ctx context.Context, threadID int) error
		Pause(ctx context.Context, threadID int) error
		StepOver(ctx context.Context, threadID int) error
		StepInto(ctx context.Context, threadID int) error
		StepOut(ctx context.Context, threadID int) error
		GetCallStack(ctx context.Context, threadID int) ([]types.StackFrame, error)
		GetVariables(ctx context.Context, variablesReference int) ([]types.Variable, error)
		Evaluate(ctx context.Context, expr string, frameID int, evalContext string) (string, error)
		GetDebuggerState() types.DebuggerState
	}
}

func debugThreadAction(require func() (*debuggerHandle, Result), action func(*debuggerHandle, context.Context, int) error) Handler {
	return func(ctx context.Context, input json.RawMessage) Result {
		h, errRes := require()
		if h == nil {
			return errRes
		}
		var args struct {
			ThreadID int `json:"threadId"`
		}
		unmarshalInput(input, &args)
		if err := action(h, ctx, args.ThreadID); err != nil {
			return ErrorResult(err.Error())
		}
		return TextResult("ok")
	}
}

func objectSchema(properties map[string]interface{}) map[string]interface{} {
	if properties == nil {
		properties = map[string]interface{}{}
	}
	return map[string]interface{}{"type": "object", "properties": properties}
}
