// Package chat turns an LLM conversation turn into the typed SSE event
// stream described in spec.md §4.9/§6.5: text/tool/session/error/done.
package chat

import "encoding/json"

// EventType is the discriminant of a ChatStreamEvent.
type EventType string

const (
	EventSession EventType = "session"
	EventText    EventType = "text"
	EventTool    EventType = "tool"
	EventError   EventType = "error"
	EventDone    EventType = "done"
)

// Event is one frame of the chat stream. Only the fields relevant to Type
// are populated; the rest are omitted from JSON.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Content   string          `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Frame renders ev as the exact SSE wire line per spec.md §6.5:
// "data: <JSON>\n\n". Marshal failure degrades to an error frame so a
// caller iterating the stream never receives malformed bytes.
func (ev Event) Frame() []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		b, _ = json.Marshal(Event{Type: EventError, Message: "encode event: " + err.Error()})
	}
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	out = append(out, '\n', '\n')
	return out
}
