// Package registry implements the session/ownership registry: instance
// sessions with lease renewal, per-device claim entries with last-writer-wins
// replacement, and at-least-once delivery of displacement reports.
//
// The same service handles both datasets (device connection state and command
// routing state); they share schema and code but never share sessions or
// entries.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/events"
)

// LostPageSize bounds the lostIds list in a single ping response. The bound
// is this implementation's choice; callers must re-ping while the returned
// list is non-empty, so any positive value preserves the contract.
const LostPageSize = 32

var (
	// ErrNotInitialized is returned for operations against an unknown or
	// expired session. The caller must run Init again before continuing.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrApplicationNotFound is returned by Create when the application does
	// not exist in the device registry.
	ErrApplicationNotFound = errors.New("application not found")
	// ErrRegistry wraps transient device-registry lookup failures.
	ErrRegistry = errors.New("registry lookup failed")
	// ErrPublish wraps event publish failures that abort the operation.
	ErrPublish = errors.New("event publish failed")
)

// Outcome is the result of a Create call. Occupied is a normal outcome, not
// a failure: the entry was still written, displacing the previous claim.
type Outcome int

const (
	// OutcomeCreated means no prior entry existed for the key.
	OutcomeCreated Outcome = iota
	// OutcomeOccupied means a prior entry existed and was overwritten; its
	// owner will learn of the displacement through its next ping.
	OutcomeOccupied
)

func (o Outcome) String() string {
	if o == OutcomeOccupied {
		return "occupied"
	}
	return "created"
}

// Entry is the ownership record for one device's current claim.
type Entry struct {
	Kind    api.Kind
	ID      api.ID
	Session string
	Token   string
	State   json.RawMessage
	Created time.Time
}

// Service is the session/ownership registry contract. Implementations must be
// safe for concurrent use; per-key ordering is arbitrated by the store, never
// by the caller.
type Service interface {
	// Init allocates a new instance session with a fresh lease.
	Init(ctx context.Context, kind api.Kind) (session string, expires time.Time, err error)

	// Ping renews the session's lease and returns a bounded batch of keys
	// displaced from it since the previous ping. Records are delivered at
	// least once: a batch is only discarded once a later ping proves the
	// previous response arrived. A non-empty result means the caller must
	// ping again immediately.
	Ping(ctx context.Context, kind api.Kind, session string) (expires time.Time, lost []api.ID, err error)

	// Create claims the key for the session, overwriting any existing entry.
	// A displaced entry's owner is queued a lost record, even when that owner
	// is the calling session itself. Returns OutcomeOccupied whenever
	// something was displaced.
	Create(ctx context.Context, kind api.Kind, session string, id api.ID, token string, state json.RawMessage) (Outcome, error)

	// Delete removes the entry when the stored token matches; any mismatch
	// (including an already absent entry) is a silent no-op.
	Delete(ctx context.Context, kind api.Kind, session string, id api.ID, token string, opts api.DeleteOptions) error

	// Get returns the live entry for the key, or nil when absent or owned by
	// an expired session.
	Get(ctx context.Context, kind api.Kind, id api.ID) (*Entry, error)

	// Prune reclaims expired sessions of the kind: their entries, their
	// pending lost records, then the session rows. Returns the number of
	// sessions reclaimed.
	Prune(ctx context.Context, kind api.Kind) (int, error)
}

// decodeDeviceState extracts the event-relevant fields from a stored payload.
// Only the devices dataset carries them; other payload shapes decode to zero
// values and produce no last-will event.
func decodeDeviceState(state json.RawMessage) api.DeviceState {
	var ds api.DeviceState
	if len(state) > 0 {
		_ = json.Unmarshal(state, &ds)
	}
	return ds
}

// publishRelease emits the disconnect event for a removed entry and, unless
// suppressed, its last-will testament. Failures are logged only; the removal
// already won and lease expiry covers the rest.
func publishRelease(ctx context.Context, publisher events.Publisher, logger pslog.Logger, now time.Time, entry *Entry, skipLWT bool) {
	if entry == nil || entry.Kind != api.KindDevices {
		return
	}
	ds := decodeDeviceState(entry.State)
	if err := publisher.Publish(ctx, events.NewConnection(entry.Kind, entry.ID, ds.DeviceUID, false, now)); err != nil {
		logger.Warn("registry.event.connection_failed",
			"application", entry.ID.Application,
			"device", entry.ID.Device,
			"error", err)
	}
	if skipLWT || ds.LastWill == nil {
		return
	}
	if err := publisher.Publish(ctx, events.NewLastWill(entry.Kind, entry.ID, *ds.LastWill, now)); err != nil {
		logger.Warn("registry.event.lwt_failed",
			"application", entry.ID.Application,
			"device", entry.ID.Device,
			"channel", ds.LastWill.Channel,
			"error", err)
	}
}
