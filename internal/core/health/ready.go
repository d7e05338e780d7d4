// Package health exposes the worker process's liveness and readiness
// handlers, mounted by cmd/worker alongside the metrics endpoint. The
// catalog/search/preview HTTP API itself is out of scope for this core
// (spec.md §1); this is only the worker's own operational surface.
package health

import (
	"encoding/json"
	"net/http"
)

// ReadinessReporter reports whether a worker is ready to accept new tasks
// (e.g. its Redis Streams consumer-group registration succeeded, its
// catalog DB pool is reachable).
type ReadinessReporter interface {
	Readiness() (ready bool, detail map[string]string)
}

// Liveness always reports 200/ok once the process is up; it does not
// consult dependencies.
func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Readiness reports 200 with {"status":"ready",...} once rr says the
// worker can accept work, else 503 with {"status":"not_ready"}.
func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Detail map[string]string `json:"detail,omitempty"`
		}
		ready, detail := rr.Readiness()
		out := resp{Status: "not_ready"}
		w.Header().Set("Content-Type", "application/json")
		if ready {
			out.Status = "ready"
			out.Detail = detail
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
