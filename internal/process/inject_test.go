package process

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

func TestInjector_ReadyStateAndLogRouting(t *testing.T) {
	app := appstate.New(0)
	inj := newInjector(app)

	r, w := io.Pipe()
	inj.attach(r, io.Discard)

	go func() {
		writeLine(w, injectedMessage{Type: "ready"})
		writeLine(w, injectedMessage{Type: "log", Message: "shim booted"})
		writeLine(w, injectedMessage{Type: "state", State: map[string]interface{}{"phase": "warm"}})
	}()

	waitForInjector(t, func() bool { return inj.ready() })
	waitForInjector(t, func() bool {
		for _, e := range app.GetLogs(0, types.LogInfo) {
			if e.Message == "shim booted" {
				return true
			}
		}
		return false
	})
	waitForInjector(t, func() bool {
		v, ok := app.GetState("phase")
		return ok && v == "warm"
	})
}

func TestInjector_EvaluateRoundTrip(t *testing.T) {
	app := appstate.New(0)
	inj := newInjector(app)

	serverR, serverW := io.Pipe()
	clientR, clientW := io.Pipe()
	inj.attach(clientR, serverW)

	// Drive the shim side: mark ready, then echo back whatever eval_request arrives.
	go func() {
		writeLine(clientW, injectedMessage{Type: "ready"})
		buf := make([]byte, 4096)
		n, err := serverR.Read(buf)
		if err != nil {
			return
		}
		var req injectedMessage
		if err := json.Unmarshal(buf[:n-1], &req); err != nil {
			return
		}
		writeLine(clientW, injectedMessage{Type: "eval_response", ID: req.ID, Result: "42"})
	}()

	waitForInjector(t, func() bool { return inj.ready() })

	result, err := inj.evaluate(context.Background(), "40+2", time.Second)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result != "42" {
		t.Errorf("expected result 42, got %q", result)
	}
}

func TestInjector_EvaluateTimesOutWithoutResponse(t *testing.T) {
	app := appstate.New(0)
	inj := newInjector(app)

	r, w := io.Pipe()
	inj.attach(r, io.Discard)
	go writeLine(w, injectedMessage{Type: "ready"})

	waitForInjector(t, func() bool { return inj.ready() })

	_, err := inj.evaluate(context.Background(), "1+1", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error when no eval_response arrives")
	}
}

func TestInjector_CancelAllFailsPending(t *testing.T) {
	app := appstate.New(0)
	inj := newInjector(app)

	r, w := io.Pipe()
	inj.attach(r, io.Discard)
	go writeLine(w, injectedMessage{Type: "ready"})
	waitForInjector(t, func() bool { return inj.ready() })

	errCh := make(chan error, 1)
	go func() {
		_, err := inj.evaluate(context.Background(), "1+1", 5*time.Second)
		errCh <- err
	}()

	waitForInjector(t, func() bool {
		inj.mu.Lock()
		defer inj.mu.Unlock()
		return len(inj.pending) == 1
	})

	inj.cancelAll(errExpectedCancel)

	select {
	case err := <-errCh:
		if err != errExpectedCancel {
			t.Errorf("expected cancel error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("evaluate did not return after cancelAll")
	}
}

var errExpectedCancel = &cancelErr{"canceled"}

type cancelErr struct{ s string }

func (e *cancelErr) Error() string { return e.s }

func writeLine(w io.Writer, msg injectedMessage) {
	raw, _ := json.Marshal(msg)
	raw = append(raw, '\n')
	_, _ = w.Write(raw)
}

func waitForInjector(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
