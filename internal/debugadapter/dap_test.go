package debugadapter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestWriteReadDapMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	msg := dapMessage{Seq: 7, Type: "request", Command: "initialize"}
	if err := writeDapMessage(w, msg); err != nil {
		t.Fatalf("writeDapMessage: %v", err)
	}

	r := bufio.NewReader(&buf)
	got, err := readDapMessage(r)
	if err != nil {
		t.Fatalf("readDapMessage: %v", err)
	}
	if got.Seq != 7 || got.Type != "request" || got.Command != "initialize" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestReadDapMessage_MultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	_ = writeDapMessage(w, dapMessage{Seq: 1, Type: "request", Command: "a"})
	_ = writeDapMessage(w, dapMessage{Seq: 2, Type: "request", Command: "b"})

	r := bufio.NewReader(&buf)
	first, err := readDapMessage(r)
	if err != nil || first.Command != "a" {
		t.Fatalf("first frame: %+v, %v", first, err)
	}
	second, err := readDapMessage(r)
	if err != nil || second.Command != "b" {
		t.Fatalf("second frame: %+v, %v", second, err)
	}
}

func TestMapDapStopReason(t *testing.T) {
	cases := map[string]string{
		"breakpoint": "breakpoint",
		"step":       "step",
		"exception":  "exception",
		"pause":      "pause",
		"entry":      "entry",
		"goto":       "goto",
		"weird-custom-reason": "unknown",
	}
	for in, want := range cases {
		if got := mapDapStopReason(in); got != want {
			t.Errorf("mapDapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDapAdapter_IsPausedLifecycle(t *testing.T) {
	a := NewDapAdapter()
	if a.IsPaused() {
		t.Fatal("expected not paused initially")
	}

	var resumedFired bool
	a.SetEventHandlers(EventHandlers{
		OnPaused:  func(e types.PausedEvent) {},
		OnResumed: func() { resumedFired = true },
	})

	a.handleEvent("stopped", mustMarshal(map[string]interface{}{"reason": "breakpoint", "threadId": 1}))
	if !a.IsPaused() {
		t.Error("expected paused after stopped event")
	}

	a.handleEvent("continued", mustMarshal(map[string]interface{}{}))
	if a.IsPaused() {
		t.Error("expected not paused after continued event")
	}
	if !resumedFired {
		t.Error("expected OnResumed to fire")
	}
}
