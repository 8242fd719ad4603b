package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/internal/toolplane"
)

const (
	mcpToolPrefix      = "mcp__"
	maxToolInputDisplay = 512
	maxAgentTurns       = 25
)

// ExternalServer is a caller-registered MCP server whose tools are exposed
// alongside the local tool plane, namespaced as mcp__<server>__<tool>.
type ExternalServer struct {
	Name  string
	Tools []toolplane.Tool
}

// Options configures one ChatStream invocation.
type Options struct {
	SystemPrompt     string
	Plane            *toolplane.Plane
	SessionID        string
	ExternalServers  []ExternalServer
	Cwd              string
	AllowedTools     []string // nil means all tools from Plane/ExternalServers are allowed
}

// ContextSummary renders the status-plus-recent-log context the spec
// requires be handed to the model: current status and the 10 most recent
// log messages.
func ContextSummary(app *appstate.AppState) string {
	status := app.GetStatus()
	logs := app.GetLogs(10, "")
	var b strings.Builder
	fmt.Fprintf(&b, "status: logCount=%d stateCount=%d uptimeMs=%d\n", status.LogCount, status.StateCount, status.Uptime)
	b.WriteString("recent logs:\n")
	for _, l := range logs {
		fmt.Fprintf(&b, "[%s] %s\n", l.Type, l.Message)
	}
	return b.String()
}

// ChatStream runs one conversational turn, including any agentic tool-use
// round trips, and returns a channel of Events terminated by a done event
// (normal completion) or an error event followed by done (failure). The
// channel is closed after the terminal event. ctx cancellation aborts the
// in-flight LLM call and closes the channel without further events, per
// spec.md §5's cancellation model.
func ChatStream(ctx context.Context, contextSummary, userMessage string, opts Options) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		runChat(ctx, contextSummary, userMessage, opts, out)
	}()
	return out
}

func runChat(ctx context.Context, contextSummary, userMessage string, opts Options, out chan<- Event) {
	client := newAnthropicClient()

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}
	emit(ctx, out, Event{Type: EventSession, SessionID: sessionID})

	tools, dispatch := buildToolset(opts)

	system := opts.SystemPrompt
	if contextSummary != "" {
		system = strings.TrimSpace(system + "\n\n" + contextSummary)
	}

	messages := []message{{Role: "user", Content: userMessage}}

	for turn := 0; turn < maxAgentTurns; turn++ {
		if ctx.Err() != nil {
			return
		}

		reqBody := requestBody{System: system, Messages: messages, Tools: tools}

		var textOut strings.Builder
		blocks := map[int]*pendingBlock{}
		var order []int
		stopReason := ""

		err := client.stream(ctx, reqBody, func(ev rawEvent) error {
			return handleAnthropicEvent(ctx, ev, out, &textOut, blocks, &order, &stopReason)
		})

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			emit(ctx, out, Event{Type: EventError, Message: err.Error()})
			emit(ctx, out, Event{Type: EventDone})
			return
		}

		assistantBlocks := finalizedContentBlocks(blocks, order)
		messages = append(messages, message{Role: "assistant", Content: assistantBlocks})

		if stopReason != "tool_use" {
			emit(ctx, out, Event{Type: EventDone})
			return
		}

		toolResults := runToolCalls(ctx, out, dispatch, assistantBlocks)
		if len(toolResults) == 0 {
			emit(ctx, out, Event{Type: EventDone})
			return
		}
		messages = append(messages, message{Role: "user", Content: toolResults})
	}

	emit(ctx, out, Event{Type: EventError, Message: "reached maximum agent turns without completing"})
	emit(ctx, out, Event{Type: EventDone})
}

type pendingBlock struct {
	blockType string
	id        string
	name      string
	text      strings.Builder
	inputJSON strings.Builder
}

func handleAnthropicEvent(ctx context.Context, ev rawEvent, out chan<- Event, textOut *strings.Builder, blocks map[int]*pendingBlock, order *[]int, stopReason *string) error {
	switch ev.eventType {
	case "content_block_start":
		var payload struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal(ev.data, &payload); err != nil {
			return nil
		}
		blocks[payload.Index] = &pendingBlock{
			blockType: payload.ContentBlock.Type,
			id:        payload.ContentBlock.ID,
			name:      payload.ContentBlock.Name,
		}
		*order = append(*order, payload.Index)

	case "content_block_delta":
		var payload struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(ev.data, &payload); err != nil {
			return nil
		}
		b, ok := blocks[payload.Index]
		if !ok {
			return nil
		}
		switch payload.Delta.Type {
		case "text_delta":
			b.text.WriteString(payload.Delta.Text)
			textOut.WriteString(payload.Delta.Text)
			emit(ctx, out, Event{Type: EventText, Content: payload.Delta.Text})
		case "input_json_delta":
			b.inputJSON.WriteString(payload.Delta.PartialJSON)
		}

	case "message_delta":
		var payload struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(ev.data, &payload); err == nil && payload.Delta.StopReason != "" {
			*stopReason = payload.Delta.StopReason
		}

	case "error":
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(ev.data, &payload); err == nil {
			return fmt.Errorf("anthropic stream error: %s", payload.Error.Message)
		}
		return fmt.Errorf("anthropic stream error")
	}
	return nil
}

// finalizedContentBlocks converts the accumulated per-index blocks into the
// contentBlock slice the next request's assistant message carries, in
// encounter order. Tool events are emitted later, by runToolCalls.
func finalizedContentBlocks(blocks map[int]*pendingBlock, order []int) []contentBlock {
	out := make([]contentBlock, 0, len(order))
	for _, idx := range order {
		b := blocks[idx]
		switch b.blockType {
		case "text":
			out = append(out, contentBlock{Type: "text", Text: b.text.String()})
		case "tool_use":
			var input map[string]any
			raw := b.inputJSON.String()
			if raw == "" {
				raw = "{}"
			}
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				input = map[string]any{}
			}
			out = append(out, contentBlock{Type: "tool_use", ID: b.id, Name: b.name, Input: input})
		}
	}
	return out
}

// runToolCalls dispatches every tool_use block in blocks, emits a tool
// event per call (name de-namespaced, input truncated), and returns the
// tool_result content blocks for the follow-up request.
func runToolCalls(ctx context.Context, out chan<- Event, dispatch func(ctx context.Context, name string, input json.RawMessage) toolplane.Result, blocks []contentBlock) []contentBlock {
	var results []contentBlock
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		displayName := stripMCPPrefix(b.Name)
		inputJSON, _ := json.Marshal(b.Input)
		displayInput, _ := json.Marshal(truncateValues(b.Input))
		emit(ctx, out, Event{Type: EventTool, Name: displayName, Input: json.RawMessage(displayInput)})

		res := dispatch(ctx, b.Name, json.RawMessage(inputJSON))
		results = append(results, contentBlock{
			Type:      "tool_result",
			ToolUseID: b.ID,
			Content:   resultText(res),
		})
	}
	return results
}

func resultText(res toolplane.Result) string {
	var b strings.Builder
	for _, c := range res.Content {
		b.WriteString(c.Text)
	}
	return b.String()
}

// stripMCPPrefix removes the "mcp__<server>__" namespace prefix from an
// externally-registered tool name, per spec.md §4.9.
func stripMCPPrefix(name string) string {
	if !strings.HasPrefix(name, mcpToolPrefix) {
		return name
	}
	rest := strings.TrimPrefix(name, mcpToolPrefix)
	if i := strings.Index(rest, "__"); i >= 0 {
		return rest[i+2:]
	}
	return rest
}

// truncateValues returns a copy of input with every string value clipped to
// maxToolInputDisplay characters, so a large argument (e.g. file content)
// does not blow up the size of the emitted tool event.
func truncateValues(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		if s, ok := v.(string); ok && len(s) > maxToolInputDisplay {
			out[k] = s[:maxToolInputDisplay] + "...(truncated)"
			continue
		}
		out[k] = v
	}
	return out
}

func buildToolset(opts Options) ([]toolDef, func(ctx context.Context, name string, input json.RawMessage) toolplane.Result) {
	var defs []toolDef
	handlers := map[string]toolplane.Handler{}

	allowed := func(name string) bool {
		if opts.AllowedTools == nil {
			return true
		}
		for _, a := range opts.AllowedTools {
			if a == name {
				return true
			}
		}
		return false
	}

	if opts.Plane != nil {
		for _, t := range opts.Plane.Tools() {
			if !allowed(t.Name) {
				continue
			}
			defs = append(defs, toolDef{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
			handlers[t.Name] = t.Handler
		}
	}
	for _, srv := range opts.ExternalServers {
		for _, t := range srv.Tools {
			namespaced := mcpToolPrefix + srv.Name + "__" + t.Name
			if !allowed(namespaced) {
				continue
			}
			defs = append(defs, toolDef{Name: namespaced, Description: t.Description, InputSchema: t.InputSchema})
			handlers[namespaced] = t.Handler
		}
	}

	dispatch := func(ctx context.Context, name string, input json.RawMessage) toolplane.Result {
		h, ok := handlers[name]
		if !ok {
			return toolplane.ErrorResult(fmt.Sprintf("unknown tool %q", name))
		}
		return h(ctx, input)
	}
	return defs, dispatch
}

func emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func newSessionID() string {
	return "sess_" + uuid.New().String()[:8]
}
