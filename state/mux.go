// Package state maintains an endpoint instance's session against a sessiond
// server: it renews the lease in the background, claims device keys with
// fresh tokens, and translates loss notifications into one-shot disconnect
// signals for the connection handlers owning those devices.
package state

import (
	"context"
	"sync"

	"pkt.systems/sessiond/api"
)

// Cause explains why a local claim was invalidated.
type Cause int

const (
	// CauseNewRegistration means this process registered a newer claim for
	// the same key; the older watcher loses locally before the server is
	// ever consulted.
	CauseNewRegistration Cause = iota
	// CauseReported means the server reported the key lost to another owner.
	CauseReported
	// CauseDeleted means the claim was released explicitly.
	CauseDeleted
)

func (c Cause) String() string {
	switch c {
	case CauseNewRegistration:
		return "new-registration"
	case CauseReported:
		return "reported"
	case CauseDeleted:
		return "deleted"
	}
	return "unknown"
}

// Watcher delivers the single loss notification for one registration. It is
// consumed exactly once by the connection handler awaiting eviction.
type Watcher struct {
	ch chan Cause
}

// Wait blocks until the claim is lost or ctx ends.
func (w *Watcher) Wait(ctx context.Context) (Cause, error) {
	select {
	case cause := <-w.ch:
		return cause, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type muxEntry struct {
	token string
	ch    chan Cause
}

// Mux is the in-process fan-out from loss reports to watchers. At most one
// registration exists per key; a newer registration displaces the older one.
// Mux state is a local optimization only, the server remains authoritative.
type Mux struct {
	mu      sync.Mutex
	entries map[api.ID]*muxEntry
}

// NewMux constructs an empty mux.
func NewMux() *Mux {
	return &Mux{entries: make(map[api.ID]*muxEntry)}
}

// Register stores a claim and returns its watcher. A prior registration for
// the same key is notified with CauseNewRegistration before being replaced.
func (m *Mux) Register(id api.ID, token string) *Watcher {
	ch := make(chan Cause, 1)
	m.mu.Lock()
	if prev, ok := m.entries[id]; ok {
		prev.ch <- CauseNewRegistration
	}
	m.entries[id] = &muxEntry{token: token, ch: ch}
	m.mu.Unlock()
	return &Watcher{ch: ch}
}

// ReportLost fires CauseReported for the key's registration, if any, and
// removes it. Reports for unknown keys are ignored; loss notifications may
// arrive after the local claim is already gone.
func (m *Mux) ReportLost(id api.ID) {
	m.fire(id, "", CauseReported)
}

// MarkDeleted fires CauseDeleted for the key's registration only when token
// still matches the registered one, guarding against a racing newer claim.
func (m *Mux) MarkDeleted(id api.ID, token string) {
	m.fire(id, token, CauseDeleted)
}

func (m *Mux) fire(id api.ID, token string, cause Cause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return
	}
	if token != "" && entry.token != token {
		return
	}
	entry.ch <- cause
	delete(m.entries, id)
}
