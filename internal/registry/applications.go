package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ApplicationLookup answers whether an application exists in the device
// registry. Create consults it before writing an entry.
type ApplicationLookup interface {
	// Exists returns (false, nil) for a confirmed miss. Transient failures
	// return an error wrapping ErrRegistry so callers can distinguish "does
	// not exist" from "could not ask".
	Exists(ctx context.Context, application string) (bool, error)
}

// AllowAllApplications accepts every application. Default for deployments
// without a device registry.
type AllowAllApplications struct{}

// Exists always reports true.
func (AllowAllApplications) Exists(context.Context, string) (bool, error) {
	return true, nil
}

// StaticApplications is a fixed allow-list, used in tests and dev setups.
type StaticApplications map[string]struct{}

// NewStaticApplications builds an allow-list from names.
func NewStaticApplications(names ...string) StaticApplications {
	set := make(StaticApplications, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Exists reports membership in the allow-list.
func (s StaticApplications) Exists(_ context.Context, application string) (bool, error) {
	_, ok := s[application]
	return ok, nil
}

// HTTPApplications checks application existence against a remote device
// registry over HTTP: 200 means it exists, 404 means it does not, anything
// else is a transient registry failure.
type HTTPApplications struct {
	base   string
	client *http.Client
}

// NewHTTPApplications points the lookup at a device-registry base URL, e.g.
// "http://device-registry:8080". The path queried per application is
// /api/registry/v1/apps/{application}.
func NewHTTPApplications(base string, client *http.Client) *HTTPApplications {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPApplications{base: strings.TrimRight(base, "/"), client: client}
}

// Exists queries the registry for the application.
func (h *HTTPApplications) Exists(ctx context.Context, application string) (bool, error) {
	endpoint := h.base + "/api/registry/v1/apps/" + url.PathEscape(application)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("%w: build request: %w", ErrRegistry, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected status %d", ErrRegistry, resp.StatusCode)
	}
}
