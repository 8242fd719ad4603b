package telemetry

import "testing"

func TestNewWithoutWriteKeyIsNoop(t *testing.T) {
	tr := New("", "")
	if _, ok := tr.(noopTracker); !ok {
		t.Fatalf("expected noopTracker when writeKey is empty, got %T", tr)
	}
	// Must not panic even though nothing is wired.
	tr.Track(EventSandboxCreated, map[string]interface{}{"id": "a"})
	if err := tr.Close(); err != nil {
		t.Fatalf("noop Close() returned error: %v", err)
	}
}
