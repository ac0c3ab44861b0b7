// Package events publishes device lifecycle events emitted when claims are
// released: last-will testaments and connection state changes.
package events

import (
	"context"
	"encoding/json"
	"time"

	"pkt.systems/sessiond/api"
)

// EventTypeConnection is the event type for connection state changes.
const EventTypeConnection = "io.sessiond.connection.v1"

// ConnectionChannel is the reserved channel connection events are published on.
const ConnectionChannel = "connection"

// Event is one message bound for the downstream event stream.
type Event struct {
	// Kind is the dataset the originating entry belonged to.
	Kind api.Kind
	// Application and Device identify the originating entry.
	Application string
	Device      string
	// Channel is the logical channel within the device's event space.
	Channel string
	// Type is the event type identifier, empty for plain last-will payloads.
	Type string
	// ContentType describes Payload.
	ContentType string
	// Payload is the message body.
	Payload []byte
	// Time is when the triggering release was processed.
	Time time.Time
}

// Publisher delivers events to the downstream stream. Implementations must be
// safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// connectionPayload is the body of a connection event.
type connectionPayload struct {
	Connected bool   `json:"connected"`
	DeviceUID string `json:"deviceUid,omitempty"`
}

// NewLastWill builds the testament event for an uncleanly released entry.
func NewLastWill(kind api.Kind, id api.ID, lwt api.LastWill, at time.Time) Event {
	return Event{
		Kind:        kind,
		Application: id.Application,
		Device:      id.Device,
		Channel:     lwt.Channel,
		ContentType: lwt.ContentType,
		Payload:     lwt.Payload,
		Time:        at,
	}
}

// NewConnection builds a connection state event for a claimed or released
// entry.
func NewConnection(kind api.Kind, id api.ID, deviceUID string, connected bool, at time.Time) Event {
	payload, _ := json.Marshal(connectionPayload{Connected: connected, DeviceUID: deviceUID})
	return Event{
		Kind:        kind,
		Application: id.Application,
		Device:      id.Device,
		Channel:     ConnectionChannel,
		Type:        EventTypeConnection,
		ContentType: "application/json",
		Payload:     payload,
		Time:        at,
	}
}
