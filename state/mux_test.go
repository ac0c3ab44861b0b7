package state

import (
	"context"
	"testing"
	"time"

	"pkt.systems/sessiond/api"
)

func mustFire(t *testing.T, w *Watcher, want Cause) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cause, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("watcher did not fire: %v", err)
	}
	if cause != want {
		t.Fatalf("expected cause %s, got %s", want, cause)
	}
}

func mustStaySilent(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if cause, err := w.Wait(ctx); err == nil {
		t.Fatalf("watcher fired unexpectedly with %s", cause)
	}
}

func TestMuxNewestRegistrationWins(t *testing.T) {
	t.Parallel()

	mux := NewMux()
	id := api.ID{Application: "app", Device: "dev"}

	first := mux.Register(id, "tok1")
	second := mux.Register(id, "tok2")
	mustFire(t, first, CauseNewRegistration)

	mux.ReportLost(id)
	mustFire(t, second, CauseReported)
}

func TestMuxMarkDeletedChecksToken(t *testing.T) {
	t.Parallel()

	mux := NewMux()
	id := api.ID{Application: "app", Device: "dev"}
	w := mux.Register(id, "tok1")

	mux.MarkDeleted(id, "stale")
	mustStaySilent(t, w)

	mux.MarkDeleted(id, "tok1")
	mustFire(t, w, CauseDeleted)

	// Registration is gone, further signals are ignored.
	mux.ReportLost(id)
	mux.MarkDeleted(id, "tok1")
}

func TestMuxReportLostUnknownKey(t *testing.T) {
	t.Parallel()

	mux := NewMux()
	mux.ReportLost(api.ID{Application: "nobody", Device: "home"})
}

func TestWatcherWaitHonorsContext(t *testing.T) {
	t.Parallel()

	mux := NewMux()
	w := mux.Register(api.ID{Application: "app", Device: "dev"}, "tok")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
