// Package health provides HTTP liveness and readiness handlers.
//
// /healthz always answers 200 while the process can serve HTTP. /readyz
// answers 200 only when every registered check passes, reporting each check's
// outcome in the JSON body.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Check probes one dependency. It must respect context cancellation and
// return nil when the dependency is healthy.
type Check func(ctx context.Context) error

// Handler serves the health endpoints. Checks are fixed at construction and
// evaluated on every /readyz request, so the handler is safe for concurrent
// use.
type Handler struct {
	checks map[string]Check
}

// New creates a [Handler] with the given named checks.
func New(checks map[string]Check) *Handler {
	h := &Handler{checks: make(map[string]Check, len(checks))}
	for name, c := range checks {
		h.checks[name] = c
	}
	return h
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every check and answers 503 as soon as one fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check(ctx)
		cancel()

		if err != nil {
			rep.Checks[name] = "fail: " + err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			rep.Checks[name] = "ok"
		}
	}

	writeJSON(w, status, rep)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
