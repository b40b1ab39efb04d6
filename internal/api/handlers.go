package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pacorain/homelab/lakitu/internal/domain"
	"github.com/pacorain/homelab/lakitu/internal/engine"
	"github.com/pacorain/homelab/lakitu/internal/ledger"
	"github.com/pacorain/homelab/lakitu/internal/render"
)

// SightingRequest is the body of POST /api/v0/sightings, sent by the DHCP
// server's script hook when it sees a hardware address.
type SightingRequest struct {
	MAC string `json:"mac"`
}

// SightingResponse carries the allocation decision back to the hook.
type SightingResponse struct {
	Action   string `json:"action"`
	Address  string `json:"address,omitempty"`
	Label    string `json:"label,omitempty"`
	Attempts int    `json:"attempts"`
	Synced   bool   `json:"synced"`
}

func (a *API) sightingsHandler(w http.ResponseWriter, r *http.Request) {
	var req SightingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.MAC == "" {
		a.writeError(w, http.StatusBadRequest, "mac is required")
		return
	}

	d, err := a.coord.Decide(r.Context(), req.MAC)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidHardwareAddr):
			a.writeError(w, http.StatusBadRequest, "Invalid hardware address")
		case errors.Is(err, ledger.ErrPoolExhausted):
			a.writeError(w, http.StatusServiceUnavailable, "identity pool exhausted")
		default:
			a.logger.Error("sighting decision failed", "mac", req.MAC, "error", err)
			a.writeError(w, http.StatusInternalServerError, "Failed to decide sighting")
		}
		return
	}

	a.writeJSON(w, http.StatusOK, SightingResponse{
		Action:   string(d.Action),
		Address:  d.Identity.Address,
		Label:    d.Identity.Label,
		Attempts: d.Attempts,
		Synced:   d.Synced,
	})
}

func (a *API) installConfigHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	doc, err := a.coord.Render(r.Context(), address)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownAddress):
			http.Error(w, "no installer configuration for this address", http.StatusNotFound)
		case errors.Is(err, render.ErrTemplateIncomplete):
			// Never serve a document with a literal placeholder in it.
			http.Error(w, "installer configuration unavailable", http.StatusInternalServerError)
		default:
			a.logger.Error("config render failed", "address", address, "error", err)
			http.Error(w, "installer configuration unavailable", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(doc)); err != nil {
		a.logger.Warn("failed to write install config", "address", address, "error", err)
	}
}

// CompletionRequest is the body of POST /api/v0/completions, sent by the
// installed machine once its install finishes.
type CompletionRequest struct {
	Address string `json:"address"`
	Status  string `json:"status,omitempty"` // "ok" (default) or "failed"
	Token   string `json:"token,omitempty"`
}

func (a *API) completionsHandler(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Address == "" {
		a.writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	res, err := a.coord.Complete(r.Context(), req.Address, req.Status == "failed", req.Token)
	if err != nil {
		if errors.Is(err, ledger.ErrTokenMismatch) {
			a.writeError(w, http.StatusConflict, "completion token mismatch")
			return
		}
		a.logger.Error("completion failed", "address", req.Address, "error", err)
		a.writeError(w, http.StatusInternalServerError, "Failed to record completion")
		return
	}

	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.coord.Status())
}

// ResetRequest gates the destructive reset behind explicit confirmation.
type ResetRequest struct {
	Confirm string `json:"confirm"`
}

func (a *API) resetHandler(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Confirm != "RESET" {
		a.writeError(w, http.StatusBadRequest, `reset requires {"confirm": "RESET"}`)
		return
	}

	if err := a.coord.Reset(r.Context()); err != nil {
		a.logger.Error("reset failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "Failed to reset")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (a *API) syncHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.Resync(r.Context()); err != nil {
		a.writeError(w, http.StatusBadGateway, "projection sync failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"synced": true})
}

func (a *API) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		a.writeError(w, http.StatusNotFound, "event journal disabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			a.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	if mac := r.URL.Query().Get("mac"); mac != "" {
		canonical, err := domain.CanonicalMAC(mac)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "Invalid hardware address")
			return
		}
		events, err := a.events.FindByHardwareAddr(r.Context(), canonical, limit)
		if err != nil {
			a.logger.Error("failed to list events", "mac", canonical, "error", err)
			a.writeError(w, http.StatusInternalServerError, "Failed to list events")
			return
		}
		a.writeJSON(w, http.StatusOK, events)
		return
	}

	events, err := a.events.FindAll(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to list events", "error", err)
		a.writeError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	a.writeJSON(w, http.StatusOK, events)
}
