// Package health serves the liveness and readiness probes for the
// patientsim server.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; 200 only while every registered dependency
//     probe (postgres pool, encounter backend, ...) passes.
//
// The readiness response reports each dependency by name with its outcome
// and how long it took, so a failing dependency is identifiable straight
// from the probe output.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds one dependency check.
const checkTimeout = 5 * time.Second

// Checker is one named dependency check. Check returns nil while the
// dependency can serve conversations.
type Checker struct {
	// Name identifies the dependency in the readiness response, e.g.
	// "postgres" or "backend".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// checkOutcome is one check's entry in the readiness response.
type checkOutcome struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// response is the JSON body of both probe endpoints.
type response struct {
	Status string                  `json:"status"`
	Checks map[string]checkOutcome `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction; checks run concurrently on each /readyz request.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given dependency checks.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Register installs the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200: the process is up and serving.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every check concurrently, each under its own [checkTimeout],
// and answers 503 if any dependency fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]checkOutcome, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			started := time.Now()
			err := c.Check(ctx)
			outcome := checkOutcome{
				Status:    "ok",
				ElapsedMs: time.Since(started).Milliseconds(),
			}
			if err != nil {
				outcome.Status = "fail"
				outcome.Error = err.Error()
			}
			outcomes[i] = outcome
		}(i, c)
	}
	wg.Wait()

	res := response{Status: "ok", Checks: make(map[string]checkOutcome, len(outcomes))}
	status := http.StatusOK
	for i, outcome := range outcomes {
		res.Checks[h.checkers[i].Name] = outcome
		if outcome.Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
