package appstate

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSFanout republishes AppState events onto NATS so other dashboard
// instances watching the same target (hosted mode, horizontally scaled)
// observe log/stateChange/watchHit events in near real time. It is
// optional: AppState works standalone with only its in-process handlers;
// wiring a NATSFanout is an additive subscriber, not a replacement bus.
type NATSFanout struct {
	nc      *nats.Conn
	subject string // e.g. "reflexive.events.<targetID>"
}

// NATSEnvelope is the wire payload published for every forwarded event.
type NATSEnvelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewNATSFanout connects to natsURL and returns a fanout scoped to targetID.
func NewNATSFanout(natsURL, targetID string) (*NATSFanout, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("appstate: failed to connect to NATS: %w", err)
	}
	return &NATSFanout{
		nc:      nc,
		subject: fmt.Sprintf("reflexive.events.%s", targetID),
	}, nil
}

// Attach subscribes the fanout to the events AppState already emits
// in-process, mirroring each one onto NATS.
func (f *NATSFanout) Attach(a *AppState) {
	for _, event := range []string{"log", "stateChange", "stateDelete", "watchHit", "breakpointPrompt", "injectionReady"} {
		event := event
		a.On(event, func(payload interface{}) {
			f.publish(event, payload)
		})
	}
}

func (f *NATSFanout) publish(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("appstate: nats fanout marshal failed for %s: %v", event, err)
		return
	}
	envelope := NATSEnvelope{Event: event, Payload: raw, Timestamp: time.Now()}
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if err := f.nc.Publish(f.subject, data); err != nil {
		log.Printf("appstate: nats publish failed: %v", err)
	}
}

// Close closes the underlying NATS connection without draining it.
func (f *NATSFanout) Close() {
	f.nc.Close()
}
