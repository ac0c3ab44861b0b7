package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/events"
)

// newTestPostgres connects to the database named by SESSIOND_TEST_POSTGRES_DSN
// or skips. The schema is shared, so tests must use unique keys.
func newTestPostgres(t *testing.T, manual *clock.Manual) *Postgres {
	t.Helper()
	dsn := os.Getenv("SESSIOND_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SESSIOND_TEST_POSTGRES_DSN not set")
	}
	pg, err := NewPostgres(context.Background(), PostgresConfig{
		DSN:        dsn,
		SessionTTL: 10 * time.Second,
		Clock:      manual,
		Publisher:  events.NewCapture(),
	})
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pg.Close)
	return pg
}

func TestPostgresRoundTrip(t *testing.T) {
	manual := clock.NewManual(time.Now().UTC())
	pg := newTestPostgres(t, manual)
	ctx := context.Background()
	id := api.ID{Application: "pg-roundtrip", Device: "d1"}

	session, _, err := pg.Init(ctx, api.KindRoutes)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	outcome, err := pg.Create(ctx, api.KindRoutes, session, id, "tok1", routeState("ep1"))
	if err != nil {
		t.Fatalf("create tok1: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("expected Created, got %v", outcome)
	}
	outcome, err = pg.Create(ctx, api.KindRoutes, session, id, "tok2", routeState("ep2"))
	if err != nil {
		t.Fatalf("create tok2: %v", err)
	}
	if outcome != OutcomeOccupied {
		t.Fatalf("expected Occupied, got %v", outcome)
	}

	_, lost, err := pg.Ping(ctx, api.KindRoutes, session)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if len(lost) != 1 || lost[0] != id {
		t.Fatalf("expected lostIds=[%v], got %v", id, lost)
	}

	entry, err := pg.Get(ctx, api.KindRoutes, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry == nil || entry.Token != "tok2" {
		t.Fatalf("expected entry with tok2, got %+v", entry)
	}

	if err := pg.Delete(ctx, api.KindRoutes, session, id, "tok2", api.DeleteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestPostgresPruneExpired(t *testing.T) {
	manual := clock.NewManual(time.Now().UTC())
	pg := newTestPostgres(t, manual)
	ctx := context.Background()
	id := api.ID{Application: "pg-prune", Device: "d1"}

	session, _, err := pg.Init(ctx, api.KindDevices)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := pg.Create(ctx, api.KindDevices, session, id, "tok1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	manual.Advance(11 * time.Second)

	if _, _, err := pg.Ping(ctx, api.KindDevices, session); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	entry, err := pg.Get(ctx, api.KindDevices, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry != nil {
		t.Fatalf("entry of expired session must read as absent, got %+v", entry)
	}

	pruned, err := pg.Prune(ctx, api.KindDevices)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned < 1 {
		t.Fatalf("expected at least one reclaimed session, got %d", pruned)
	}
	entry, err = pg.Get(ctx, api.KindDevices, id)
	if err != nil {
		t.Fatalf("get after prune: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected entry gone after prune, got %+v", entry)
	}
}
