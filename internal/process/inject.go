package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// injectedMessage is the JSONL wire shape exchanged over the injected
// channel: a Unix socket or named pipe the target's runtime shim writes
// newline-delimited JSON into. type is one of ready/log/state/event/error/
// eval_request/eval_response.
type injectedMessage struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Message string                 `json:"message,omitempty"`
	State   map[string]interface{} `json:"state,omitempty"`
	Event   string                 `json:"event,omitempty"`
	Payload interface{}            `json:"payload,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Result  string                 `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// pendingEval tracks one in-flight evaluate request awaiting its
// eval_response by id.
type pendingEval struct {
	result chan string
	err    chan error
}

// injector reads the injected channel's JSONL stream and routes each
// message by type: ready/log/state/event feed into AppState directly,
// eval_response resolves a pending Evaluate call.
type injector struct {
	app *appstate.AppState

	mu        sync.Mutex
	isReady   bool
	lastState map[string]interface{}
	pending   map[string]*pendingEval
	nextID    int64

	writer io.Writer
}

func newInjector(app *appstate.AppState) *injector {
	return &injector{
		app:       app,
		lastState: make(map[string]interface{}),
		pending:   make(map[string]*pendingEval),
	}
}

// attach binds the injector to the live pipe. r is read continuously until
// EOF or the process exits; w is used to send eval_request messages.
func (inj *injector) attach(r io.Reader, w io.Writer) {
	inj.mu.Lock()
	inj.writer = w
	inj.mu.Unlock()
	go inj.readLoop(r)
}

func (inj *injector) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg injectedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			inj.app.Log(types.LogInjectError, fmt.Sprintf("malformed injected message: %v", err), nil)
			continue
		}
		inj.handle(msg)
	}
	inj.mu.Lock()
	inj.isReady = false
	inj.mu.Unlock()
	inj.cancelAll(fmt.Errorf("process: injected channel closed"))
}

func (inj *injector) handle(msg injectedMessage) {
	switch msg.Type {
	case "ready":
		inj.mu.Lock()
		inj.isReady = true
		inj.mu.Unlock()
		inj.app.Emit("injectionReady", nil)

	case "log":
		inj.app.Log(types.LogInfo, msg.Message, nil)

	case "state":
		inj.mu.Lock()
		for k, v := range msg.State {
			inj.lastState[k] = v
		}
		inj.mu.Unlock()
		for k, v := range msg.State {
			inj.app.SetState(k, v)
		}

	case "event":
		inj.app.Emit(msg.Event, msg.Payload)

	case "error":
		inj.app.Log(types.LogInjectError, msg.Message, nil)

	case "eval_response":
		inj.resolveEval(msg)

	default:
		inj.app.Log(types.LogInjectError, fmt.Sprintf("unknown injected message type %q", msg.Type), nil)
	}
}

func (inj *injector) resolveEval(msg injectedMessage) {
	inj.mu.Lock()
	p, ok := inj.pending[msg.ID]
	if ok {
		delete(inj.pending, msg.ID)
	}
	inj.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != "" {
		p.err <- fmt.Errorf("process: eval: %s", msg.Error)
		return
	}
	p.result <- msg.Result
}

func (inj *injector) ready() bool {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.isReady
}

func (inj *injector) queryState() map[string]interface{} {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	out := make(map[string]interface{}, len(inj.lastState))
	for k, v := range inj.lastState {
		out[k] = v
	}
	return out
}

// evaluate sends an eval_request and waits for the matching eval_response,
// or times out. The shim contract requires every eval_request to echo its
// id back on the response.
func (inj *injector) evaluate(ctx context.Context, code string, timeout time.Duration) (string, error) {
	inj.mu.Lock()
	w := inj.writer
	ready := inj.isReady
	if !ready {
		inj.mu.Unlock()
		return "", fmt.Errorf("process: injected channel not ready")
	}
	inj.nextID++
	id := fmt.Sprintf("eval-%d", inj.nextID)
	p := &pendingEval{result: make(chan string, 1), err: make(chan error, 1)}
	inj.pending[id] = p
	inj.mu.Unlock()

	req := injectedMessage{Type: "eval_request", ID: id, Code: code}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("process: marshal eval_request: %w", err)
	}
	raw = append(raw, '\n')
	if w == nil {
		inj.dropPending(id)
		return "", fmt.Errorf("process: injected channel has no writer")
	}
	if _, err := w.Write(raw); err != nil {
		inj.dropPending(id)
		return "", fmt.Errorf("process: write eval_request: %w", err)
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res, nil
	case err := <-p.err:
		return "", err
	case <-timer.C:
		inj.dropPending(id)
		return "", fmt.Errorf("process: eval timed out after %s", timeout)
	case <-ctx.Done():
		inj.dropPending(id)
		return "", ctx.Err()
	}
}

func (inj *injector) dropPending(id string) {
	inj.mu.Lock()
	delete(inj.pending, id)
	inj.mu.Unlock()
}

// cancelAll fails every in-flight evaluate call, used when the process
// restarts or the injected channel closes out from under us.
func (inj *injector) cancelAll(err error) {
	inj.mu.Lock()
	pending := inj.pending
	inj.pending = make(map[string]*pendingEval)
	inj.mu.Unlock()

	for _, p := range pending {
		p.err <- err
	}
}
