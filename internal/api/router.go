package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter serves the operator inspection surface: dead-letter contents,
// dedup records, health and metrics.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queues/{queue}/deadletters", h.ListDeadLetters)
		r.Get("/deadletters/{event_id}", h.GetDeadLetter)
		r.Get("/consumers/{consumer}/dedup", h.ListDedupRecords)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
