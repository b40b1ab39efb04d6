// Package api exposes the coordinator over HTTP: sighting decisions for the
// DHCP hook, installer config retrieval, completion webhooks, and operator
// status/reset/resync endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pacorain/homelab/lakitu/internal/engine"
	"github.com/pacorain/homelab/lakitu/internal/journal"
	"github.com/pacorain/homelab/lakitu/internal/ledger"
)

// Coordinator defines the engine operations the handlers need, for
// testability.
type Coordinator interface {
	Decide(ctx context.Context, hardwareAddr string) (engine.Decision, error)
	Render(ctx context.Context, address string) (string, error)
	Complete(ctx context.Context, address string, failed bool, token string) (engine.CompletionResult, error)
	Status() ledger.Snapshot
	Reset(ctx context.Context) error
	Resync(ctx context.Context) error
}

// API holds the coordinator and journal dependencies for the handlers.
type API struct {
	coord  Coordinator
	events journal.Repository // nil disables the events endpoint
	logger *slog.Logger
}

// New creates an API instance.
func New(coord Coordinator, events journal.Repository, logger *slog.Logger) *API {
	return &API{coord: coord, events: events, logger: logger}
}

// RegisterRoutes registers all endpoints on the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.healthzHandler)
	r.Get("/install-config/{address}", a.installConfigHandler)

	r.Route("/api/v0", func(r chi.Router) {
		r.Post("/sightings", a.sightingsHandler)
		r.Post("/completions", a.completionsHandler)
		r.Get("/status", a.statusHandler)
		r.Post("/reset", a.resetHandler)
		r.Post("/sync", a.syncHandler)
		r.Get("/events", a.eventsHandler)
	})
}

// ErrorResponse is the JSON error body shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, ErrorResponse{Error: msg})
}

func (a *API) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte("ok\n")); err != nil {
		a.logger.Warn("failed to write health response", "error", err)
	}
}
