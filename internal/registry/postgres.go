package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/events"
	"pkt.systems/sessiond/internal/svcfields"
	"pkt.systems/sessiond/internal/uuidv7"
)

// PostgresConfig configures the PostgreSQL-backed registry.
type PostgresConfig struct {
	// DSN is a pgx connection string or URL.
	DSN string
	// SessionTTL is the lease length granted by Init and renewed by Ping.
	SessionTTL time.Duration
	// MaxConns caps the pool size; zero keeps the pgx default.
	MaxConns int32
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Applications defaults to AllowAllApplications.
	Applications ApplicationLookup
	// Publisher defaults to a capture publisher.
	Publisher events.Publisher
	// Logger defaults to a no-op logger.
	Logger pslog.Logger
}

// Postgres implements Service on PostgreSQL. Concurrent creates for the same
// key are serialized by a row lock; the database, not this code, decides who
// wrote last.
type Postgres struct {
	pool      *pgxpool.Pool
	ttl       time.Duration
	clock     clock.Clock
	apps      ApplicationLookup
	publisher events.Publisher
	logger    pslog.Logger
}

// NewPostgres connects the pool and applies pending schema migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
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
	logger := svcfields.WithSubsystem(cfg.Logger, "registry.postgres")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("registry: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("registry: connect pool: %w", err)
	}
	if err := runMigrations(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("registry.postgres.ready", "max_conns", poolConfig.MaxConns)
	return &Postgres{
		pool:      pool,
		ttl:       cfg.SessionTTL,
		clock:     cfg.Clock,
		apps:      cfg.Applications,
		publisher: cfg.Publisher,
		logger:    logger,
	}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Init allocates a session with a fresh lease.
func (p *Postgres) Init(ctx context.Context, kind api.Kind) (string, time.Time, error) {
	session := uuidv7.NewString()
	expires := p.clock.Now().Add(p.ttl)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (kind, id, expires_at) VALUES ($1, $2, $3)`,
		kind, session, expires)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("registry: init session: %w", err)
	}
	return session, expires, nil
}

// Ping renews the lease and returns a bounded batch of lost keys. Delivered
// records from the previous batch are returned once more and dropped, so a
// response lost in transit is still redelivered.
func (p *Postgres) Ping(ctx context.Context, kind api.Kind, session string) (time.Time, []api.ID, error) {
	now := p.clock.Now()
	renewed := now.Add(p.ttl)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("registry: begin ping: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var expires time.Time
	err = tx.QueryRow(ctx,
		`UPDATE sessions SET expires_at = GREATEST(expires_at, $3)
		 WHERE kind = $1 AND id = $2 AND expires_at > $4
		 RETURNING expires_at`,
		kind, session, renewed, now).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil, ErrNotInitialized
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("registry: renew session: %w", err)
	}

	batch, err := scanIDs(tx.Query(ctx,
		`DELETE FROM lost_ids WHERE kind = $1 AND session_id = $2 AND delivered
		 RETURNING application, device`,
		kind, session))
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("registry: drop delivered lost ids: %w", err)
	}

	if remaining := LostPageSize - len(batch); remaining > 0 {
		fresh, err := scanIDs(tx.Query(ctx,
			`UPDATE lost_ids SET delivered = TRUE
			 WHERE (kind, session_id, application, device) IN (
			     SELECT kind, session_id, application, device FROM lost_ids
			     WHERE kind = $1 AND session_id = $2 AND NOT delivered
			     ORDER BY queued_at
			     LIMIT $3
			     FOR UPDATE SKIP LOCKED)
			 RETURNING application, device`,
			kind, session, remaining))
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("registry: mark lost ids delivered: %w", err)
		}
		batch = append(batch, fresh...)
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, nil, fmt.Errorf("registry: commit ping: %w", err)
	}
	return expires, batch, nil
}

// Create claims the key under a row lock, overwriting and reporting any
// existing entry.
func (p *Postgres) Create(ctx context.Context, kind api.Kind, session string, id api.ID, token string, state json.RawMessage) (Outcome, error) {
	ok, err := p.apps.Exists(ctx, id.Application)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrApplicationNotFound, id.Application)
	}

	now := p.clock.Now()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var previousSession string
	outcome := OutcomeOccupied
	err = tx.QueryRow(ctx,
		`SELECT session_id FROM entries
		 WHERE kind = $1 AND application = $2 AND device = $3
		 FOR UPDATE`,
		kind, id.Application, id.Device).Scan(&previousSession)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		outcome = OutcomeCreated
	case err != nil:
		return 0, fmt.Errorf("registry: lock entry: %w", err)
	default:
		// Queue the displacement report, even when the previous owner is the
		// calling session itself. A record already handed out is reset so it
		// gets delivered again for the new displacement.
		if _, err := tx.Exec(ctx,
			`INSERT INTO lost_ids (kind, session_id, application, device, queued_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (kind, session_id, application, device)
			 DO UPDATE SET delivered = FALSE, queued_at = EXCLUDED.queued_at`,
			kind, previousSession, id.Application, id.Device, now); err != nil {
			return 0, fmt.Errorf("registry: queue lost id: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO entries (kind, application, device, session_id, token, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (kind, application, device)
		 DO UPDATE SET session_id = EXCLUDED.session_id, token = EXCLUDED.token,
		               state = EXCLUDED.state, created_at = EXCLUDED.created_at`,
		kind, id.Application, id.Device, session, token, state, now); err != nil {
		return 0, fmt.Errorf("registry: write entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("registry: commit create: %w", err)
	}

	if outcome == OutcomeCreated && kind == api.KindDevices {
		ds := decodeDeviceState(state)
		event := events.NewConnection(kind, id, ds.DeviceUID, true, now)
		if err := p.publisher.Publish(ctx, event); err != nil {
			return outcome, fmt.Errorf("%w: %w", ErrPublish, err)
		}
	}
	return outcome, nil
}

// Delete removes the entry when the stored token matches.
func (p *Postgres) Delete(ctx context.Context, kind api.Kind, _ string, id api.ID, token string, opts api.DeleteOptions) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entry := &Entry{Kind: kind, ID: id}
	err = tx.QueryRow(ctx,
		`SELECT session_id, token, state, created_at FROM entries
		 WHERE kind = $1 AND application = $2 AND device = $3
		 FOR UPDATE`,
		kind, id.Application, id.Device).Scan(&entry.Session, &entry.Token, &entry.State, &entry.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: lock entry: %w", err)
	}
	if entry.Token != token {
		// The entry belongs to someone else now. Silent no-op.
		return nil
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM entries WHERE kind = $1 AND application = $2 AND device = $3`,
		kind, id.Application, id.Device); err != nil {
		return fmt.Errorf("registry: delete entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit delete: %w", err)
	}

	publishRelease(ctx, p.publisher, p.logger, p.clock.Now(), entry, opts.SkipLWT)
	return nil
}

// Get returns the entry when it exists and its owning session is still live.
func (p *Postgres) Get(ctx context.Context, kind api.Kind, id api.ID) (*Entry, error) {
	entry := &Entry{Kind: kind, ID: id}
	err := p.pool.QueryRow(ctx,
		`SELECT e.session_id, e.token, e.state, e.created_at
		 FROM entries e
		 JOIN sessions s ON s.kind = e.kind AND s.id = e.session_id
		 WHERE e.kind = $1 AND e.application = $2 AND e.device = $3 AND s.expires_at > $4`,
		kind, id.Application, id.Device, p.clock.Now()).
		Scan(&entry.Session, &entry.Token, &entry.State, &entry.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get entry: %w", err)
	}
	return entry, nil
}

// Prune reclaims expired sessions one at a time so concurrent pruners on
// other replicas skip past each other instead of serializing.
func (p *Postgres) Prune(ctx context.Context, kind api.Kind) (int, error) {
	pruned := 0
	for {
		orphans, done, err := p.pruneOne(ctx, kind)
		if err != nil {
			return pruned, err
		}
		if done {
			return pruned, nil
		}
		pruned++
		now := p.clock.Now()
		for _, entry := range orphans {
			publishRelease(ctx, p.publisher, p.logger, now, entry, false)
		}
	}
}

func (p *Postgres) pruneOne(ctx context.Context, kind api.Kind) ([]*Entry, bool, error) {
	now := p.clock.Now()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("registry: begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var session string
	err = tx.QueryRow(ctx,
		`SELECT id FROM sessions
		 WHERE kind = $1 AND expires_at <= $2
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		kind, now).Scan(&session)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("registry: pick expired session: %w", err)
	}

	rows, err := tx.Query(ctx,
		`DELETE FROM entries WHERE kind = $1 AND session_id = $2
		 RETURNING application, device, token, state, created_at`,
		kind, session)
	if err != nil {
		return nil, false, fmt.Errorf("registry: delete orphaned entries: %w", err)
	}
	var orphans []*Entry
	for rows.Next() {
		entry := &Entry{Kind: kind, Session: session}
		if err := rows.Scan(&entry.ID.Application, &entry.ID.Device, &entry.Token, &entry.State, &entry.Created); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("registry: scan orphaned entry: %w", err)
		}
		orphans = append(orphans, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("registry: iterate orphaned entries: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM lost_ids WHERE kind = $1 AND session_id = $2`,
		kind, session); err != nil {
		return nil, false, fmt.Errorf("registry: delete lost ids: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE kind = $1 AND id = $2`,
		kind, session); err != nil {
		return nil, false, fmt.Errorf("registry: delete session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("registry: commit prune: %w", err)
	}

	p.logger.Debug("registry.prune.session_reclaimed",
		"kind", string(kind),
		"session", session,
		"entries", len(orphans))
	return orphans, false, nil
}

func scanIDs(rows pgx.Rows, err error) ([]api.ID, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []api.ID
	for rows.Next() {
		var id api.ID
		if err := rows.Scan(&id.Application, &id.Device); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
