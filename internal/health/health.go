// Package health provides the operator health endpoint.
//
// GET /health reports process liveness, the number of active calls, and the
// GPU inference service's status. The process answering at all is the
// liveness signal; a degraded GPU service flips the overall status to
// "degraded" but still returns 200 so load balancers do not drain a process
// that can finish its in-flight calls.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds the GPU probe on each request.
const checkTimeout = 5 * time.Second

// GPUChecker probes the inference service. *inference.Client satisfies it
// via a small adapter in main.
type GPUChecker func(ctx context.Context) error

// ActiveCalls reports the number of live call sessions.
type ActiveCalls func() int

// result is the JSON response body.
type result struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
	GPUServer   string `json:"gpu_server"`
}

// Handler serves the /health endpoint.
type Handler struct {
	gpu   GPUChecker
	calls ActiveCalls
}

// New creates a Handler. A nil gpu checker reports "unknown".
func New(gpu GPUChecker, calls ActiveCalls) *Handler {
	return &Handler{gpu: gpu, calls: calls}
}

// Health reports liveness, active call count, and GPU status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", GPUServer: "unknown"}
	if h.calls != nil {
		res.ActiveCalls = h.calls()
	}
	if h.gpu != nil {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.gpu(ctx)
		cancel()
		if err != nil {
			res.Status = "degraded"
			res.GPUServer = "unreachable: " + err.Error()
		} else {
			res.GPUServer = "ok"
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
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
