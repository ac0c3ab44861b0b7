package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/sessiond/api"
)

func TestNewConnectionPayload(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := NewConnection(api.KindDevices, api.ID{Application: "app1", Device: "dev1"}, "uid-1", false, at)

	if event.Channel != ConnectionChannel {
		t.Fatalf("expected channel %q, got %q", ConnectionChannel, event.Channel)
	}
	if event.Type != EventTypeConnection {
		t.Fatalf("expected type %q, got %q", EventTypeConnection, event.Type)
	}
	var payload struct {
		Connected bool   `json:"connected"`
		DeviceUID string `json:"deviceUid"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Connected {
		t.Fatal("expected connected=false")
	}
	if payload.DeviceUID != "uid-1" {
		t.Fatalf("expected deviceUid uid-1, got %q", payload.DeviceUID)
	}
}

func TestNewLastWillCarriesTestament(t *testing.T) {
	t.Parallel()

	lwt := api.LastWill{Channel: "alarm", Payload: []byte("gone"), ContentType: "text/plain"}
	event := NewLastWill(api.KindDevices, api.ID{Application: "app1", Device: "dev1"}, lwt, time.Now())

	if event.Channel != "alarm" || string(event.Payload) != "gone" || event.ContentType != "text/plain" {
		t.Fatalf("testament not carried through: %+v", event)
	}
	if event.Type != "" {
		t.Fatalf("last-will events carry no type, got %q", event.Type)
	}
}

func TestCaptureRecordsAndFails(t *testing.T) {
	t.Parallel()

	capture := NewCapture()
	ctx := context.Background()

	if err := capture.Publish(ctx, Event{Application: "a", Device: "d"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(capture.Events()); got != 1 {
		t.Fatalf("expected 1 event, got %d", got)
	}

	boom := errors.New("stream down")
	capture.FailWith(boom)
	if err := capture.Publish(ctx, Event{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if got := len(capture.Events()); got != 1 {
		t.Fatalf("failed publish must not record, got %d events", got)
	}
}

func TestSanitizeToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":           "_",
		"plain":      "plain",
		"a.b":        "a_b",
		"star*gt>":   "star_gt_",
		"with space": "with_space",
		"tab\there":  "tab_here",
	}
	for in, want := range cases {
		if got := sanitizeToken(in); got != want {
			t.Errorf("sanitizeToken(%q) = %q, want %q", in, got, want)
		}
	}
}
