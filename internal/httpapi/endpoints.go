package httpapi

import (
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/registry"
)

func (h *Handler) handleInit(kind api.Kind) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		session, expires, err := h.service.Init(r.Context(), kind)
		if err != nil {
			return convertServiceError(err)
		}
		writeJSON(w, http.StatusCreated, api.InitResponse{Session: session, Expires: expires})
		return nil
	}
}

func (h *Handler) handlePing(kind api.Kind) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		session := r.PathValue("session")
		expires, lost, err := h.service.Ping(r.Context(), kind, session)
		if err != nil {
			return convertServiceError(err)
		}
		writeJSON(w, http.StatusOK, api.PingResponse{Expires: expires, LostIDs: lost})
		return nil
	}
}

func (h *Handler) handleCreate(kind api.Kind) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		session := r.PathValue("session")
		id := api.ID{Application: r.PathValue("application"), Device: r.PathValue("device")}

		var req api.CreateRequest
		if err := decodeJSONBody(r.Body, &req, jsonDecodeOptions{}); err != nil {
			return httpError{Status: http.StatusBadRequest, Code: api.ErrorSerialization, Detail: err.Error()}
		}
		if req.Token == "" {
			return httpError{Status: http.StatusBadRequest, Code: api.ErrorSerialization, Detail: "token required"}
		}

		outcome, err := h.service.Create(r.Context(), kind, session, id, req.Token, req.State)
		if err != nil {
			return convertServiceError(err)
		}
		if logger := pslog.LoggerFromContext(r.Context()); logger != nil {
			logger.Debug("state.create",
				"application", id.Application,
				"device", id.Device,
				"outcome", outcome.String(),
			)
		}
		if outcome == registry.OutcomeOccupied {
			w.WriteHeader(http.StatusConflict)
			return nil
		}
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}

func (h *Handler) handleDelete(kind api.Kind) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		session := r.PathValue("session")
		id := api.ID{Application: r.PathValue("application"), Device: r.PathValue("device")}

		var req api.DeleteRequest
		if err := decodeJSONBody(r.Body, &req, jsonDecodeOptions{allowEmpty: true}); err != nil {
			return httpError{Status: http.StatusBadRequest, Code: api.ErrorSerialization, Detail: err.Error()}
		}

		if err := h.service.Delete(r.Context(), kind, session, id, req.Token, req.Options); err != nil {
			return convertServiceError(err)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

func (h *Handler) handleGet(kind api.Kind) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		id := api.ID{Application: r.PathValue("application"), Device: r.PathValue("device")}

		entry, err := h.service.Get(r.Context(), kind, id)
		if err != nil {
			return convertServiceError(err)
		}
		if entry == nil {
			return httpError{Status: http.StatusNotFound, Code: api.ErrorNotFound}
		}
		writeJSON(w, http.StatusOK, api.EntryResponse{Created: entry.Created, State: entry.State})
		return nil
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is not ready"}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
