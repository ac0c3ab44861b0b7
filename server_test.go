package sessiond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/events"
)

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func TestServerRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := Config{
		Listen:     "127.0.0.1:0",
		Store:      "mem://",
		SessionTTL: 30 * time.Second,
	}
	srv, stop, err := StartServer(ctx, cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer func() {
		if err := stop(context.Background()); err != nil {
			t.Fatalf("stop server: %v", err)
		}
	}()

	base := "http://" + srv.ListenerAddr().String() + api.KindDevices.BasePath()
	httpClient := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+"/sessions", nil)
	if err != nil {
		t.Fatalf("build init request: %v", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	var initResp api.InitResponse
	if err := json.NewDecoder(resp.Body).Decode(&initResp); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || initResp.Session == "" {
		t.Fatalf("init: status=%d session=%q", resp.StatusCode, initResp.Session)
	}

	createURL := fmt.Sprintf("%s/devices/%s/states/app/dev", base, initResp.Session)
	body, _ := json.Marshal(api.CreateRequest{
		Token: "tok",
		State: json.RawMessage(`{"deviceUid":"u1","endpoint":"mqtt-0"}`),
	})
	req, err = http.NewRequestWithContext(ctx, http.MethodPut, createURL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err = httpClient.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}

	resp, err = httpClient.Get(base + "/devices/app/dev")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var entry api.EntryResponse
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || entry.Created.IsZero() {
		t.Fatalf("get: status=%d entry=%+v", resp.StatusCode, entry)
	}
}

func TestServerPrunerReclaimsExpiredSessions(t *testing.T) {
	t.Parallel()

	man := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	capture := events.NewCapture()
	cfg := Config{
		Listen:        "127.0.0.1:0",
		Store:         "mem://",
		SessionTTL:    10 * time.Second,
		PruneInterval: 15 * time.Second,
	}
	srv, stop, err := StartServer(context.Background(), cfg,
		WithClock(man), WithPublisher(capture))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer func() {
		if err := stop(context.Background()); err != nil {
			t.Fatalf("stop server: %v", err)
		}
	}()

	ctx := context.Background()
	service := srv.Registry()
	session, _, err := service.Init(ctx, api.KindDevices)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	id := api.ID{Application: "app", Device: "dev"}
	if _, err := service.Create(ctx, api.KindDevices, session, id, "tok",
		json.RawMessage(`{"deviceUid":"u1","endpoint":"mqtt-0"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wait for the pruner goroutine to arm its timer, then push the clock
	// past both the lease and the prune tick.
	waitFor(t, 5*time.Second, 5*time.Millisecond, func() bool {
		return man.Pending() > 0
	})
	man.Advance(15 * time.Second)

	waitFor(t, 5*time.Second, 5*time.Millisecond, func() bool {
		entry, err := service.Get(ctx, api.KindDevices, id)
		return err == nil && entry == nil
	})
	if _, _, err := service.Ping(ctx, api.KindDevices, session); err == nil {
		t.Fatalf("expected expired session ping to fail")
	}

	waitFor(t, 5*time.Second, 5*time.Millisecond, func() bool {
		return len(capture.Events()) > 0
	})
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(Config{Store: "redis://nope"}); err == nil {
		t.Fatalf("expected error for unsupported store")
	}
	if _, err := NewServer(Config{ListenProto: "sctp"}); err == nil {
		t.Fatalf("expected error for unsupported listen protocol")
	}
}
