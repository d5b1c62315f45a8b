// Package notify fans scan lifecycle events out to live observers.
// Delivery is best-effort: persistence never waits on a subscriber and a
// slow or broken subscriber only loses its own events.
package notify

import (
	"time"
)

// EventType identifies a scan lifecycle event.
type EventType string

const (
	EventScanStarted   EventType = "scan_started"
	EventScanCompleted EventType = "scan_completed"
	EventFindingAdded  EventType = "finding_added"
	EventStatusChanged EventType = "status_changed"
)

// Event is the envelope broadcast to subscribers. Only the fields that
// apply to the event type are populated.
type Event struct {
	Type           EventType   `json:"type"`
	InvestigatorID string      `json:"investigator_id"`
	Timestamp      time.Time   `json:"timestamp"`
	FinalCount     int64       `json:"final_count,omitempty"`
	Status         string      `json:"status,omitempty"`
	Finding        interface{} `json:"finding,omitempty"`
}

// Publisher publishes events without blocking the caller. Implementations
// must swallow subscriber failures.
type Publisher interface {
	Publish(event Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
