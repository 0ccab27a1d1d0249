// Package health provides the HTTP health, readiness and status handlers of
// the voxlane admin endpoint.
//
// The package exposes three endpoints:
//
//   - /healthz: liveness check; always returns 200 OK.
//   - /readyz: readiness check; returns 200 only when all registered
//     [Checker] functions pass, typically "the session is running".
//   - /statusz: a JSON snapshot of the local stream and every known remote
//     participant, served when a [StatusFunc] is set.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// ErrNotRunning is reported by [Running] checkers whose component is down.
var ErrNotRunning = errors.New("not running")

// Checker is a named health check function. The Check function should return
// nil when the component is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "session").
	// It appears as a key in the JSON response.
	Name string

	// Check tests the component. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Running returns a [Checker] that passes while running reports true.
func Running(name string, running func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !running() {
				return ErrNotRunning
			}
			return nil
		},
	}
}

// Status is the /statusz response body.
type Status struct {
	Running      bool                `json:"running"`
	SSRC         uint32              `json:"ssrc"`
	Port         int                 `json:"port"`
	PoolFree     int                 `json:"pool_free"`
	Participants []ParticipantStatus `json:"participants"`
}

// ParticipantStatus describes one remote sender.
type ParticipantStatus struct {
	SSRC     uint32  `json:"ssrc"`
	CNAME    string  `json:"cname,omitempty"`
	Tool     string  `json:"tool,omitempty"`
	Received uint64  `json:"received"`
	Lost     int64   `json:"lost"`
	JitterMS float64 `json:"jitter_ms"`
	Buffered int     `json:"buffered"`
	State    string  `json:"state"`
}

// StatusFunc produces the current status. It returns false when there is
// nothing to report, for example between session rebuilds.
type StatusFunc func() (Status, bool)

// result is the JSON response body for the health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the admin endpoints. It is safe for concurrent use; the
// checker list and status function are fixed at construction time.
type Handler struct {
	checkers []Checker
	status   StatusFunc
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithStatus returns a copy of h that also serves /statusz from fn.
func (h *Handler) WithStatus(fn StatusFunc) *Handler {
	return &Handler{checkers: h.checkers, status: fn}
}

// Healthz is a liveness check that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness check that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Statusz reports the current stream status, or 503 when none is available.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		writeJSON(w, http.StatusNotFound, result{Status: "fail"})
		return
	}
	st, ok := h.status()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "fail"})
		return
	}
	if st.Participants == nil {
		st.Participants = []ParticipantStatus{}
	}
	writeJSON(w, http.StatusOK, st)
}

// Register adds the /healthz, /readyz and, with a status function, /statusz
// routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /statusz", h.Statusz)
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
