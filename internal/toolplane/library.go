package toolplane

import (
	"context"
	"encoding/json"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// NewLibraryPlane builds the always-available tool set for in-process
// library mode: read-only introspection and custom-state mutation against
// a single target's AppState. No capability gating applies here — library
// mode runs in the same process as its caller, so there is no process
// boundary to defend.
func NewLibraryPlane(app *appstate.AppState) *Plane {
	return newPlane([]Tool{
		{
			Name:        "get_app_status",
			Description: "Get the current status of the supervised application (log count, state count, uptime).",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				return JSONResult(app.GetStatus())
			},
		},
		{
			Name:        "get_logs",
			Description: "Get recent log entries, optionally filtered by type.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"count": map[string]interface{}{"type": "integer"},
					"type":  map[string]interface{}{"type": "string"},
				},
			},
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					Count int    `json:"count"`
					Type  string `json:"type"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				return JSONResult(app.GetLogs(args.Count, types.LogType(args.Type)))
			},
		},
		{
			Name:        "search_logs",
			Description: "Search log entries for a substring query.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
				"required":   []string{"query"},
			},
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					Query string `json:"query"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				return JSONResult(app.SearchLogs(args.Query))
			},
		},
		{
			Name:        "get_custom_state",
			Description: "Get a custom-state value by key, or the full state map if key is omitted.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"key": map[string]interface{}{"type": "string"}},
			},
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					Key string `json:"key"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				if args.Key == "" {
					return JSONResult(app.GetAllState())
				}
				v, ok := app.GetState(args.Key)
				if !ok {
					return ErrorResult("no state for key " + args.Key)
				}
				return JSONResult(v)
			},
		},
		{
			Name:        "set_custom_state",
			Description: "Set a custom-state key to a value.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"key":   map[string]interface{}{"type": "string"},
					"value": map[string]interface{}{},
				},
				"required": []string{"key", "value"},
			},
			Handler: func(ctx context.Context, input json.RawMessage) Result {
				var args struct {
					Key   string      `json:"key"`
					Value interface{} `json:"value"`
				}
				if err := unmarshalInput(input, &args); err != nil {
					return ErrorResult("invalid input: " + err.Error())
				}
				app.SetState(args.Key, args.Value)
				return TextResult("ok")
			},
		},
	})
}
