package toolplane

import (
	"context"
	"encoding/json"

	"github.com/reflexive-dev/reflexive/internal/sandbox"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// NewHostedPlane builds the tool set for hosted/sandbox mode, bound to a
// MultiSandboxManager. Tools are analogous to the CLI plane's process
// operations but id-scoped, plus snapshot/resume/list/delete which have no
// CLI-mode analogue. caps gates shell/file tools the same way it gates the
// CLI plane's restart/inject/eval/debug tools.
func NewHostedPlane(mgr *sandbox.MultiSandboxManager, caps types.Capabilities) *Plane {
	tools := []Tool{
		{
			Name:        "list_sandboxes",
			Description: "List all sandbox ids managed by this supervisor.",
			InputSchema: objectSchema(nil),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				return JSONResult(mgr.List())
			},
		},
		{
			Name:        "get_sandbox_state",
			Description: "Get the instance record for a sandbox.",
			InputSchema: objectSchema(map[string]interface{}{"id": map[string]interface{}{"type": "string"}}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					ID string `json:"id"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				m := mgr.Get(args.ID)
				if m == nil {
					return ErrorResult("unknown sandbox id " + args.ID)
				}
				return JSONResult(m.Instance())
			},
		},
		{
			Name:        "get_sandbox_logs",
			Description: "Get recent log entries for a sandbox.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":    map[string]interface{}{"type": "string"},
				"count": map[string]interface{}{"type": "integer"},
				"type":  map[string]interface{}{"type": "string"},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					ID    string `json:"id"`
					Count int    `json:"count"`
					Type  string `json:"type"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				logs, err := mgr.GetLogs(args.ID, args.Count, types.LogType(args.Type))
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(logs)
			},
		},
		{
			Name:        "search_sandbox_logs",
			Description: "Search a sandbox's log entries for a substring query.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":    map[string]interface{}{"type": "string"},
				"query": map[string]interface{}{"type": "string"},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					ID    string `json:"id"`
					Query string `json:"query"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				logs, err := mgr.SearchLogs(args.ID, args.Query)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(logs)
			},
		},
		{
			Name:        "get_sandbox_custom_state",
			Description: "Get a sandbox's reported custom state map.",
			InputSchema: objectSchema(map[string]interface{}{"id": map[string]interface{}{"type": "string"}}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					ID string `json:"id"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				state, err := mgr.GetCustomState(args.ID)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(state)
			},
		},
		{
			Name:        "snapshot_sandbox",
			Description: "Snapshot a sandbox's files and state.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":    map[string]interface{}{"type": "string"},
				"files": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					ID    string   `json:"id"`
					Files []string `json:"files"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				snapID, err := mgr.Snapshot(ctx, args.ID, sandbox.SnapshotOptions{Files: args.Files})
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(map[string]string{"snapshotId": snapID})
			},
		},
		{
			Name:        "resume_snapshot",
			Description: "Resume a sandbox from a snapshot, optionally under a new id.",
			InputSchema: objectSchema(map[string]interface{}{
				"snapshotId": map[string]interface{}{"type": "string"},
				"newId":      map[string]interface{}{"type": "string"},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					SnapshotID string `json:"snapshotId"`
					NewID      string `json:"newId"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				newID, err := mgr.Resume(ctx, args.SnapshotID, sandbox.ResumeOptions{NewID: args.NewID}, types.SandboxConfig{})
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(map[string]string{"id": newID})
			},
		},
		{
			Name:        "list_snapshots",
			Description: "List all stored snapshots.",
			InputSchema: objectSchema(nil),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				snaps, err := mgr.ListSnapshots()
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(snaps)
			},
		},
		{
			Name:        "delete_snapshot",
			Description: "Delete a stored snapshot by id.",
			InputSchema: objectSchema(map[string]interface{}{"id": map[string]interface{}{"type": "string"}}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					ID string `json:"id"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				ok, err := mgr.DeleteSnapshot(args.ID)
				if err != nil {
					return ErrorResult(err.Error())
				}
				if !ok {
					return ErrorResult("no snapshot with id " + args.ID)
				}
				return TextResult("deleted")
			},
		},
	}

	if caps.ShellAccess {
		tools = append(tools, Tool{
			Name:        "run_command",
			Description: "Run a shell command in a sandbox.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":   map[string]interface{}{"type": "string"},
				"cmd":  map[string]interface{}{"type": "string"},
				"args": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				if !caps.ShellAccess {
					return ErrorResult("shellAccess capability is disabled")
				}
				var args struct {
					ID   string   `json:"id"`
					Cmd  string   `json:"cmd"`
					Args []string `json:"args"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				res, err := mgr.RunCommand(ctx, args.ID, args.Cmd, args.Args)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return JSONResult(res)
			},
		})
	}

	if caps.ReadFiles {
		tools = append(tools, Tool{
			Name:        "read_sandbox_file",
			Description: "Read a file from a sandbox.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":   map[string]interface{}{"type": "string"},
				"path": map[string]interface{}{"type": "string"},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				if !caps.ReadFiles {
					return ErrorResult("readFiles capability is disabled")
				}
				var args struct {
					ID   string `json:"id"`
					Path string `json:"path"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				content, err := mgr.ReadFile(ctx, args.ID, args.Path)
				if err != nil {
					return ErrorResult(err.Error())
				}
				return TextResult(content)
			},
		})
	}

	if caps.WriteFiles {
		tools = append(tools, Tool{
			Name:        "write_sandbox_file",
			Description: "Write a file to a sandbox.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":      map[string]interface{}{"type": "string"},
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
			}),
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				if !caps.WriteFiles {
					return ErrorResult("writeFiles capability is disabled")
				}
				var args struct {
					ID      string `json:"id"`
					Path    string `json:"path"`
					Content string `json:"content"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				if err := mgr.WriteFile(ctx, args.ID, args.Path, args.Content); err != nil {
					return ErrorResult(err.Error())
				}
				return TextResult("written")
			},
		})
	}

	return newPlane(tools)
}
