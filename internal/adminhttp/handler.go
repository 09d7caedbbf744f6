// Package adminhttp exposes read-only broker introspection over HTTP: queue
// depths and subscriber counts, plus the Prometheus /metrics endpoint,
// following the teacher's mux-plus-Handler-struct convention for wiring
// HTTP surfaces.
package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/oriys/nanomq/internal/metrics"
)

// QueueLister is satisfied by *broker.Server; kept as an interface here so
// this package never imports broker and stays usable from tests with a
// fake.
type QueueLister interface {
	QueueNames() []string
	QueueStats(name string) (depth, subscribers int, ok bool)
}

// Handler serves the admin/introspection HTTP surface.
type Handler struct {
	Broker  QueueLister
	Metrics *metrics.BrokerMetrics
}

// RegisterRoutes registers every admin route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /queues", h.ListQueues)
	mux.HandleFunc("GET /queues/{name}", h.GetQueue)
	mux.HandleFunc("GET /healthz", h.Healthz)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics.Handler())
	}
}

type queueSummary struct {
	Name        string `json:"name"`
	Depth       int    `json:"depth"`
	Subscribers int    `json:"subscribers"`
}

// ListQueues handles GET /queues.
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	names := h.Broker.QueueNames()
	out := make([]queueSummary, 0, len(names))
	for _, name := range names {
		depth, subs, ok := h.Broker.QueueStats(name)
		if !ok {
			continue
		}
		out = append(out, queueSummary{Name: name, Depth: depth, Subscribers: subs})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetQueue handles GET /queues/{name}.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	depth, subs, ok := h.Broker.QueueStats(name)
	if !ok {
		http.Error(w, "queue not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, queueSummary{Name: name, Depth: depth, Subscribers: subs})
}

// Healthz handles GET /healthz for load balancer liveness checks.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
