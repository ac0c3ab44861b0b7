package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/registry"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

// convertServiceError maps registry failures onto the wire taxonomy. Store
// connectivity problems read as 503 so clients retry on their own schedule.
func convertServiceError(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotInitialized):
		return httpError{Status: http.StatusNotFound, Code: api.ErrorNotInitialized, Detail: "session unknown or expired"}
	case errors.Is(err, registry.ErrApplicationNotFound):
		return httpError{Status: http.StatusNotFound, Code: api.ErrorApplicationNotFound, Detail: err.Error()}
	case errors.Is(err, registry.ErrRegistry):
		return httpError{Status: http.StatusServiceUnavailable, Code: api.ErrorRegistry, Detail: err.Error()}
	case errors.Is(err, registry.ErrPublish):
		return httpError{Status: http.StatusBadGateway, Code: api.ErrorPublish, Detail: err.Error()}
	default:
		return httpError{Status: http.StatusServiceUnavailable, Code: api.ErrorDatabase, Detail: "store unavailable"}
	}
}
