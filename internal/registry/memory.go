package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/events"
	"pkt.systems/sessiond/internal/svcfields"
	"pkt.systems/sessiond/internal/uuidv7"
)

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// SessionTTL is the lease length granted by Init and renewed by Ping.
	SessionTTL time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Applications defaults to AllowAllApplications.
	Applications ApplicationLookup
	// Publisher defaults to a capture publisher.
	Publisher events.Publisher
	// Logger defaults to a no-op logger.
	Logger pslog.Logger
}

// Memory implements Service in memory; intended for tests and local dev.
type Memory struct {
	mu        sync.Mutex
	ttl       time.Duration
	clock     clock.Clock
	apps      ApplicationLookup
	publisher events.Publisher
	logger    pslog.Logger

	sessions map[sessionKey]time.Time
	entries  map[entryKey]*Entry
	lost     map[sessionKey][]lostRecord
}

type sessionKey struct {
	kind    api.Kind
	session string
}

type entryKey struct {
	kind api.Kind
	id   api.ID
}

type lostRecord struct {
	id        api.ID
	delivered bool
}

// NewMemory returns a ready in-memory registry wired according to cfg.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Applications == nil {
		cfg.Applications = AllowAllApplications{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewCapture()
	}
	return &Memory{
		ttl:       cfg.SessionTTL,
		clock:     cfg.Clock,
		apps:      cfg.Applications,
		publisher: cfg.Publisher,
		logger:    svcfields.WithSubsystem(cfg.Logger, "registry.memory"),
		sessions:  make(map[sessionKey]time.Time),
		entries:   make(map[entryKey]*Entry),
		lost:      make(map[sessionKey][]lostRecord),
	}
}

// Init allocates a session with a fresh lease.
func (m *Memory) Init(_ context.Context, kind api.Kind) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := uuidv7.NewString()
	expires := m.clock.Now().Add(m.ttl)
	m.sessions[sessionKey{kind, session}] = expires
	return session, expires, nil
}

// Ping renews the lease and returns a bounded batch of lost keys.
func (m *Memory) Ping(_ context.Context, kind api.Kind, session string) (time.Time, []api.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey{kind, session}
	now := m.clock.Now()
	expires, ok := m.sessions[key]
	if !ok || !expires.After(now) {
		return time.Time{}, nil, ErrNotInitialized
	}
	renewed := now.Add(m.ttl)
	if renewed.Before(expires) {
		renewed = expires
	}
	m.sessions[key] = renewed

	// There is no acknowledgement channel, so every record is returned in two
	// consecutive pings: once when first handed out, once more (then dropped)
	// on the next ping. A lost response therefore still gets redelivered;
	// consumers must tolerate the duplicate.
	queue := m.lost[key]
	remaining := queue[:0]
	var batch []api.ID
	for _, record := range queue {
		if record.delivered {
			batch = append(batch, record.id)
			continue
		}
		if len(batch) < LostPageSize {
			record.delivered = true
			batch = append(batch, record.id)
		}
		remaining = append(remaining, record)
	}
	if len(remaining) == 0 {
		delete(m.lost, key)
	} else {
		m.lost[key] = remaining
	}
	return renewed, batch, nil
}

// Create claims the key, overwriting and reporting any existing entry.
func (m *Memory) Create(ctx context.Context, kind api.Kind, session string, id api.ID, token string, state json.RawMessage) (Outcome, error) {
	ok, err := m.apps.Exists(ctx, id.Application)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrApplicationNotFound, id.Application)
	}

	m.mu.Lock()
	key := entryKey{kind, id}
	previous := m.entries[key]
	entry := &Entry{
		Kind:    kind,
		ID:      id,
		Session: session,
		Token:   token,
		State:   append(json.RawMessage(nil), state...),
		Created: m.clock.Now(),
	}
	m.entries[key] = entry
	if previous != nil {
		m.queueLostLocked(kind, previous.Session, id)
	}
	m.mu.Unlock()

	if previous != nil {
		return OutcomeOccupied, nil
	}
	if kind == api.KindDevices {
		ds := decodeDeviceState(state)
		event := events.NewConnection(kind, id, ds.DeviceUID, true, entry.Created)
		if err := m.publisher.Publish(ctx, event); err != nil {
			return OutcomeCreated, fmt.Errorf("%w: %w", ErrPublish, err)
		}
	}
	return OutcomeCreated, nil
}

// Delete removes the entry when the stored token matches.
func (m *Memory) Delete(ctx context.Context, kind api.Kind, _ string, id api.ID, token string, opts api.DeleteOptions) error {
	m.mu.Lock()
	key := entryKey{kind, id}
	entry := m.entries[key]
	if entry == nil || entry.Token != token {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, key)
	m.mu.Unlock()

	m.publishRelease(ctx, entry, opts.SkipLWT)
	return nil
}

// Get returns the entry when it exists and its owning session is still live.
func (m *Memory) Get(_ context.Context, kind api.Kind, id api.ID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[entryKey{kind, id}]
	if entry == nil {
		return nil, nil
	}
	expires, ok := m.sessions[sessionKey{kind, entry.Session}]
	if !ok || !expires.After(m.clock.Now()) {
		return nil, nil
	}
	clone := *entry
	clone.State = append(json.RawMessage(nil), entry.State...)
	return &clone, nil
}

// Prune reclaims expired sessions and their entries.
func (m *Memory) Prune(ctx context.Context, kind api.Kind) (int, error) {
	m.mu.Lock()
	now := m.clock.Now()
	var expired []string
	for key, expires := range m.sessions {
		if key.kind == kind && !expires.After(now) {
			expired = append(expired, key.session)
		}
	}
	var orphans []*Entry
	for _, session := range expired {
		key := sessionKey{kind, session}
		delete(m.sessions, key)
		delete(m.lost, key)
		for entryKey, entry := range m.entries {
			if entryKey.kind == kind && entry.Session == session {
				orphans = append(orphans, entry)
				delete(m.entries, entryKey)
			}
		}
	}
	m.mu.Unlock()

	for _, entry := range orphans {
		m.publishRelease(ctx, entry, false)
	}
	return len(expired), nil
}

// queueLostLocked appends a displacement record for the session. Duplicate
// undelivered records for the same key collapse into one.
func (m *Memory) queueLostLocked(kind api.Kind, session string, id api.ID) {
	key := sessionKey{kind, session}
	for _, record := range m.lost[key] {
		if record.id == id && !record.delivered {
			return
		}
	}
	m.lost[key] = append(m.lost[key], lostRecord{id: id})
}

func (m *Memory) publishRelease(ctx context.Context, entry *Entry, skipLWT bool) {
	publishRelease(ctx, m.publisher, m.logger, m.clock.Now(), entry, skipLWT)
}
