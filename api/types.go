// Package api defines the JSON wire types shared by the sessiond server and
// its clients. Field names are lowerCamelCase and timestamps are RFC3339.
package api

import (
	"encoding/json"
	"time"
)

// Kind selects one of the two independent registry datasets. Both expose the
// same protocol; they never share sessions or entries.
type Kind string

const (
	// KindDevices holds raw device connection ownership for protocol endpoints.
	KindDevices Kind = "devices"
	// KindRoutes holds command-routing descriptors for command senders.
	KindRoutes Kind = "routes"
)

// BasePath returns the URL prefix the kind's API is mounted under.
func (k Kind) BasePath() string {
	if k == KindRoutes {
		return "/api/routing/v1"
	}
	return "/api/state/v1"
}

// Noun returns the path segment used for entry routes of this kind.
func (k Kind) Noun() string {
	if k == KindRoutes {
		return "routes"
	}
	return "devices"
}

// Valid reports whether k names a known dataset.
func (k Kind) Valid() bool {
	return k == KindDevices || k == KindRoutes
}

// ID identifies one device within one application.
type ID struct {
	// Application is the application (tenant) the device belongs to.
	Application string `json:"application"`
	// Device is the device name within the application.
	Device string `json:"device"`
}

// LastWill is published on the device's behalf when its claim is released
// non-cleanly (connection loss, lease expiry, displacement).
type LastWill struct {
	// Channel is the event channel the payload is published to.
	Channel string `json:"channel"`
	// Payload is the opaque testament body (base64 on the wire).
	Payload []byte `json:"payload"`
	// ContentType describes the payload media type.
	ContentType string `json:"contentType,omitempty"`
}

// DeviceState is the payload stored per claim in the devices dataset.
type DeviceState struct {
	// DeviceUID is the opaque identity of the physical device. It
	// distinguishes a reconnect under the same name from a different unit.
	DeviceUID string `json:"deviceUid"`
	// Endpoint names the protocol-endpoint instance holding the connection.
	Endpoint string `json:"endpoint"`
	// LastWill is the optional testament to publish on unclean release.
	LastWill *LastWill `json:"lwt,omitempty"`
}

// RouteState is the payload stored per claim in the routes dataset.
type RouteState struct {
	// Endpoint is the address command senders should deliver to.
	Endpoint string `json:"endpoint"`
}

// InitResponse is returned by PUT /sessions.
type InitResponse struct {
	// Session is the opaque instance-session identifier.
	Session string `json:"session"`
	// Expires is the lease deadline; the caller must ping before it passes.
	Expires time.Time `json:"expires"`
}

// PingResponse is returned by POST /sessions/{session}.
type PingResponse struct {
	// Expires is the renewed lease deadline.
	Expires time.Time `json:"expires"`
	// LostIDs lists entries displaced from this session since the previous
	// ping. The list is bounded; a non-empty list means the caller must
	// re-ping immediately until it comes back empty.
	LostIDs []ID `json:"lostIds,omitempty"`
}

// CreateRequest is the body of PUT .../{session}/states/{application}/{device}.
type CreateRequest struct {
	// Token is the fresh opaque proof for this claim, one per claim.
	Token string `json:"token"`
	// State is the kind-specific payload (DeviceState or RouteState).
	State json.RawMessage `json:"state"`
}

// DeleteOptions tunes release behaviour.
type DeleteOptions struct {
	// SkipLWT suppresses last-will publication for clean disconnects.
	SkipLWT bool `json:"skipLwt,omitempty"`
}

// DeleteRequest is the body of DELETE .../{session}/states/{application}/{device}.
type DeleteRequest struct {
	// Token must match the stored claim token; mismatches are silent no-ops.
	Token string `json:"token"`
	// Options tunes release behaviour.
	Options DeleteOptions `json:"options,omitzero"`
}

// EntryResponse is returned by GET lookups for a live entry.
type EntryResponse struct {
	// Created is when the current claim was established.
	Created time.Time `json:"created"`
	// State is the kind-specific payload stored with the claim.
	State json.RawMessage `json:"state"`
}

// ErrorResponse is the structured error body for non-2xx responses.
type ErrorResponse struct {
	// Error is a stable machine-readable code.
	Error string `json:"error"`
	// Message is a human-readable detail.
	Message string `json:"message,omitempty"`
}

// Error codes carried by ErrorResponse.
const (
	ErrorNotFound            = "NotFound"
	ErrorNotInitialized      = "NotInitialized"
	ErrorApplicationNotFound = "ApplicationNotFound"
	ErrorDatabase            = "Database"
	ErrorRegistry            = "Registry"
	ErrorPublish             = "Publish"
	ErrorSerialization       = "Serialization"
	ErrorInternal            = "Internal"
)
