package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/httpapi"
	"pkt.systems/sessiond/internal/registry"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	mem := registry.NewMemory(registry.MemoryConfig{SessionTTL: 30 * time.Second})
	handler := httpapi.New(httpapi.Config{Service: mem})
	mux := http.NewServeMux()
	handler.Register(mux)
	return mux
}

func newTestClient(t *testing.T, kind api.Kind) *Client {
	t.Helper()
	srv := httptest.NewServer(newTestHandler(t))
	t.Cleanup(srv.Close)
	cli, err := New(srv.URL, kind, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func TestClientLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cli := newTestClient(t, api.KindDevices)

	first, err := cli.Init(ctx)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if first.Session == "" || first.Expires.IsZero() {
		t.Fatalf("incomplete init response: %+v", first)
	}

	id := api.ID{Application: "app", Device: "dev"}
	outcome, err := cli.Create(ctx, first.Session, id, "tok1",
		json.RawMessage(`{"deviceUid":"u1","endpoint":"mqtt-0"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("expected created, got %s", outcome)
	}

	// A second instance takes the device over.
	second, err := cli.Init(ctx)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	outcome, err = cli.Create(ctx, second.Session, id, "tok2",
		json.RawMessage(`{"deviceUid":"u1","endpoint":"mqtt-1"}`))
	if err != nil {
		t.Fatalf("takeover create: %v", err)
	}
	if outcome != OutcomeOccupied {
		t.Fatalf("expected occupied, got %s", outcome)
	}

	ping, err := cli.Ping(ctx, first.Session)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if len(ping.LostIDs) != 1 || ping.LostIDs[0] != id {
		t.Fatalf("expected lostIds=[%v], got %v", id, ping.LostIDs)
	}

	entry, err := cli.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected live entry")
	}
	var ds api.DeviceState
	if err := json.Unmarshal(entry.State, &ds); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if ds.Endpoint != "mqtt-1" {
		t.Fatalf("expected endpoint mqtt-1, got %q", ds.Endpoint)
	}

	// Stale token deletes are silently ignored.
	if err := cli.Delete(ctx, first.Session, id, "tok1", api.DeleteOptions{}); err != nil {
		t.Fatalf("stale delete: %v", err)
	}
	if entry, err = cli.Get(ctx, id); err != nil || entry == nil {
		t.Fatalf("entry must survive stale delete (entry=%v err=%v)", entry, err)
	}

	if err := cli.Delete(ctx, second.Session, id, "tok2", api.DeleteOptions{SkipLWT: true}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if entry, err = cli.Get(ctx, id); err != nil || entry != nil {
		t.Fatalf("expected entry gone (entry=%v err=%v)", entry, err)
	}
}

func TestClientPingUnknownSession(t *testing.T) {
	t.Parallel()

	cli := newTestClient(t, api.KindRoutes)
	_, err := cli.Ping(context.Background(), "no-such-session")
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestClientGetMissing(t *testing.T) {
	t.Parallel()

	cli := newTestClient(t, api.KindRoutes)
	entry, err := cli.Get(context.Background(), api.ID{Application: "a", Device: "d"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry, got %+v", entry)
	}
}

func TestClientRejectsBadKind(t *testing.T) {
	t.Parallel()

	if _, err := New("http://localhost:8088", api.Kind("gadgets")); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := New("  ", api.KindDevices); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
}

func TestClientUnixSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "sessiond.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	srv := &http.Server{Handler: newTestHandler(t)}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	cli, err := New("unix://"+socketPath, api.KindDevices)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	initResp, err := cli.Init(context.Background())
	if err != nil {
		t.Fatalf("init over unix socket: %v", err)
	}
	if initResp.Session == "" {
		t.Fatalf("empty session")
	}
}
