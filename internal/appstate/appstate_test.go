package appstate

import (
	"testing"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

func TestAppState_LogRingBounded(t *testing.T) {
	a := New(5)
	for i := 0; i < 10; i++ {
		a.Log(types.LogStdout, "message "+string(rune('0'+i)), nil)
	}

	logs := a.GetLogs(0, "")
	if len(logs) != 5 {
		t.Fatalf("expected 5 logs, got %d", len(logs))
	}
	if logs[0].Message != "message 5" {
		t.Errorf("expected oldest retained to be 'message 5', got %q", logs[0].Message)
	}
	if logs[4].Message != "message 9" {
		t.Errorf("expected newest to be 'message 9', got %q", logs[4].Message)
	}
}

func TestAppState_SetStateEmitsStateChange(t *testing.T) {
	a := New(0)
	var got StateChange
	fired := make(chan struct{}, 1)
	a.On("stateChange", func(payload interface{}) {
		got = payload.(StateChange)
		fired <- struct{}{}
	})

	a.SetState("counter", 1)
	<-fired
	if got.Key != "counter" || got.Value != 1 || got.OldValue != nil {
		t.Errorf("unexpected stateChange payload: %+v", got)
	}

	a.SetState("counter", 2)
	<-fired
	if got.OldValue != 1 || got.Value != 2 {
		t.Errorf("expected oldValue=1 value=2, got %+v", got)
	}

	v, ok := a.GetState("counter")
	if !ok || v != 2 {
		t.Errorf("GetState(counter) = %v, %v; want 2, true", v, ok)
	}
}

func TestAppState_DeleteStateEmitsOnce(t *testing.T) {
	a := New(0)
	a.SetState("k", "v")

	count := 0
	a.On("stateDelete", func(payload interface{}) { count++ })

	a.DeleteState("k")
	a.DeleteState("k") // no-op, key already gone

	if count != 1 {
		t.Errorf("expected exactly 1 stateDelete event, got %d", count)
	}
	if _, ok := a.GetState("k"); ok {
		t.Errorf("expected GetState(k) to report absent after delete")
	}
}

func TestAppState_HandlerPanicIsolated(t *testing.T) {
	a := New(0)
	secondCalled := false

	a.On("log", func(payload interface{}) { panic("boom") })
	a.On("log", func(payload interface{}) { secondCalled = true })

	a.Log(types.LogInfo, "hi", nil)

	if !secondCalled {
		t.Error("expected second handler to run despite first panicking")
	}
}

func TestAppState_SearchLogsCaseInsensitive(t *testing.T) {
	a := New(0)
	a.Log(types.LogStdout, "[AUTH] Login FAILED for user: admin", nil)
	a.Log(types.LogStdout, "normal request", nil)

	results := a.SearchLogs("login failed")
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}
}
