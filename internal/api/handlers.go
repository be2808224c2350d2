package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"eventbus/internal/domain/deadletter"
	"eventbus/internal/domain/dedup"

	"github.com/go-chi/chi/v5"
)

// DedupLister is the read side of the dedup store used by the inspection API.
type DedupLister interface {
	ListByConsumer(ctx context.Context, consumer string, limit int) ([]*dedup.Record, error)
}

type Handlers struct {
	deadLetters deadletter.Store
	dedup       DedupLister
	log         *slog.Logger
}

func NewHandlers(deadLetters deadletter.Store, dedup DedupLister, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{deadLetters: deadLetters, dedup: dedup, log: log}
}

type deadLetterView struct {
	Queue          string `json:"queue"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	FailureReason  string `json:"failure_reason"`
	Attempts       int    `json:"attempts"`
	DeadLetteredAt string `json:"dead_lettered_at"`
	Raw            string `json:"raw"`
}

func toView(r *deadletter.Record) deadLetterView {
	return deadLetterView{
		Queue:          r.Queue,
		EventID:        r.EventID,
		EventType:      r.EventType,
		CorrelationID:  r.CorrelationID,
		FailureReason:  r.FailureReason,
		Attempts:       r.Attempts,
		DeadLetteredAt: r.DeadLetteredAt.UTC().Format(time.RFC3339),
		Raw:            string(r.Raw),
	}
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	limit := queryLimit(r, 50)

	records, err := h.deadLetters.ListByQueue(r.Context(), queue, limit)
	if err != nil {
		h.log.Error("failed to list dead letters", "queue", queue, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]deadLetterView, 0, len(records))
	for _, rec := range records {
		views = append(views, toView(rec))
	}
	writeJSON(w, views)
}

func (h *Handlers) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")

	rec, err := h.deadLetters.GetByEventID(r.Context(), eventID)
	if err != nil {
		h.log.Error("failed to get dead letter", "event_id", eventID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, toView(rec))
}

func (h *Handlers) ListDedupRecords(w http.ResponseWriter, r *http.Request) {
	consumer := chi.URLParam(r, "consumer")
	limit := queryLimit(r, 100)

	records, err := h.dedup.ListByConsumer(r.Context(), consumer, limit)
	if err != nil {
		h.log.Error("failed to list dedup records", "consumer", consumer, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
