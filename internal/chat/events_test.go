package chat

import (
	"strings"
	"testing"
)

func TestEventFrameShape(t *testing.T) {
	ev := Event{Type: EventText, Content: "héllo wörld 日本語"}
	frame := string(ev.Frame())

	if !strings.HasPrefix(frame, "data: ") {
		t.Fatalf("frame does not start with 'data: ': %q", frame)
	}
	if !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("frame does not end with double newline: %q", frame)
	}
	if !strings.Contains(frame, "héllo wörld 日本語") {
		t.Fatalf("frame did not preserve unicode content: %q", frame)
	}
}

func TestEventFrameSessionAndDone(t *testing.T) {
	sess := string(Event{Type: EventSession, SessionID: "sess_abc"}.Frame())
	if !strings.Contains(sess, `"type":"session"`) || !strings.Contains(sess, "sess_abc") {
		t.Fatalf("unexpected session frame: %q", sess)
	}
	done := string(Event{Type: EventDone}.Frame())
	if !strings.Contains(done, `"type":"done"`) {
		t.Fatalf("unexpected done frame: %q", done)
	}
}
