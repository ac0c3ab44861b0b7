package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPApplicationsExists(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/registry/v1/apps/known":
			w.WriteHeader(http.StatusOK)
		case "/api/registry/v1/apps/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	lookup := NewHTTPApplications(srv.URL, srv.Client())
	ctx := context.Background()

	ok, err := lookup.Exists(ctx, "known")
	if err != nil || !ok {
		t.Fatalf("expected known application, got ok=%v err=%v", ok, err)
	}

	ok, err = lookup.Exists(ctx, "missing")
	if err != nil {
		t.Fatalf("confirmed miss must not error: %v", err)
	}
	if ok {
		t.Fatal("expected missing application")
	}

	_, err = lookup.Exists(ctx, "broken")
	if !errors.Is(err, ErrRegistry) {
		t.Fatalf("expected ErrRegistry for transient failure, got %v", err)
	}
}
