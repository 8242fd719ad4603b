// Package telemetry is an optional analytics tracker for supervisor-level
// lifecycle events (sandbox created/destroyed/hibernated, chat turn
// completed). It is never required for correctness and is a no-op when New
// is given an empty write key. No code in this module constructs a Tracker,
// and no config setting supplies a write key.
package telemetry

import (
	"log"

	analytics "github.com/segmentio/analytics-go/v3"
)

// Tracker emits named events with properties to an analytics backend.
type Tracker interface {
	Track(event string, properties map[string]interface{})
	Close() error
}

// noopTracker is used when telemetry is not configured.
type noopTracker struct{}

func (noopTracker) Track(string, map[string]interface{}) {}
func (noopTracker) Close() error                         { return nil }

// segmentTracker wraps analytics-go's client.
type segmentTracker struct {
	client   analytics.Client
	anonID   string
}

// New returns a Tracker. If writeKey is empty, telemetry is disabled and a
// no-op Tracker is returned so callers never need to nil-check.
func New(writeKey, anonID string) Tracker {
	if writeKey == "" {
		return noopTracker{}
	}
	client := analytics.New(writeKey)
	if anonID == "" {
		anonID = "reflexive-local"
	}
	return &segmentTracker{client: client, anonID: anonID}
}

func (t *segmentTracker) Track(event string, properties map[string]interface{}) {
	props := analytics.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	if err := t.client.Enqueue(analytics.Track{
		AnonymousId: t.anonID,
		Event:       event,
		Properties:  props,
	}); err != nil {
		log.Printf("telemetry: enqueue %s: %v", event, err)
	}
}

func (t *segmentTracker) Close() error {
	return t.client.Close()
}

// Event name constants for supervisor lifecycle events.
const (
	EventSandboxCreated   = "sandbox_created"
	EventSandboxDestroyed = "sandbox_destroyed"
	EventSandboxHibernated = "sandbox_hibernated"
	EventChatTurnCompleted = "chat_turn_completed"
)
