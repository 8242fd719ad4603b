package process

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestManager_StartCapturesStdoutIntoAppState(t *testing.T) {
	app := appstate.New(0)
	m := New(app, nil, types.ProcessConfig{Entry: "/bin/sh", Args: []string{"-c", "echo hello-world"}})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range app.GetLogs(0, types.LogStdout) {
			if strings.Contains(e.Message, "hello-world") {
				return true
			}
		}
		return false
	})
}

func TestManager_StateReflectsRunningAndPID(t *testing.T) {
	app := appstate.New(0)
	m := New(app, nil, types.ProcessConfig{Entry: "/bin/sh", Args: []string{"-c", "sleep 0.3"}})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := m.State()
	if !st.IsRunning || st.PID == nil {
		t.Fatalf("expected running state with a pid, got %+v", st)
	}

	waitFor(t, 2*time.Second, func() bool { return !m.State().IsRunning })

	st = m.State()
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %+v", st.ExitCode)
	}
}

func TestManager_StopIsIdempotentWhenNotRunning(t *testing.T) {
	app := appstate.New(0)
	m := New(app, nil, types.ProcessConfig{Entry: "/bin/sh", Args: []string{"-c", "true"}})

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop on unstarted manager should be a no-op, got %v", err)
	}
}

func TestManager_RestartIncrementsCountAndPreservesLogs(t *testing.T) {
	app := appstate.New(0)
	m := New(app, nil, types.ProcessConfig{Entry: "/bin/sh", Args: []string{"-c", "echo run-one; sleep 5"}})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return m.State().IsRunning })

	app.SetState("marker", "survives-restart")

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return m.State().RestartCount == 1 })

	if v, ok := app.GetState("marker"); !ok || v != "survives-restart" {
		t.Errorf("expected custom state to survive restart, got %v %v", v, ok)
	}

	_ = m.Stop()
}

func TestManager_WatchFiresOnceOnMatchingLog(t *testing.T) {
	app := appstate.New(0)
	m := New(app, nil, types.ProcessConfig{Entry: "/bin/sh", Args: []string{"-c", "echo connection refused"}})

	hits := 0
	app.On("watchHit", func(payload interface{}) { hits++ })
	m.AddWatch("connection refused", "")

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return hits == 1 })
	time.Sleep(50 * time.Millisecond)
	if hits != 1 {
		t.Errorf("expected exactly one watch hit, got %d", hits)
	}
}

func TestManager_SendWritesToStdin(t *testing.T) {
	app := appstate.New(0)
	m := New(app, nil, types.ProcessConfig{Entry: "/bin/sh", Args: []string{"-c", "read line; echo got:$line"}})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return m.State().IsRunning })

	if err := m.Send("ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range app.GetLogs(0, types.LogStdout) {
			if strings.Contains(e.Message, "got:ping") {
				return true
			}
		}
		return false
	})
}

func TestManager_EvaluateFailsWithoutInjection(t *testing.T) {
	app := appstate.New(0)
	m := New(app, nil, types.ProcessConfig{Entry: "/bin/sh", Args: []string{"-c", "true"}, Eval: true})

	if _, err := m.Evaluate(context.Background(), "1+1", time.Second); err == nil {
		t.Error("expected error when evaluating without an attached injected channel")
	}
}

func TestManager_AddRemoveListWatches(t *testing.T) {
	app := appstate.New(0)
	m := New(app, nil, types.ProcessConfig{Entry: "/bin/sh"})

	w := m.AddWatch("boom", "investigate")
	if len(m.ListWatches()) != 1 {
		t.Fatalf("expected one watch after AddWatch")
	}

	m.RemoveWatch(w.ID)
	if len(m.ListWatches()) != 0 {
		t.Fatalf("expected zero watches after RemoveWatch")
	}
}
