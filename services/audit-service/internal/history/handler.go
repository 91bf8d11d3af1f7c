package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type lister interface {
	ListByReservation(ctx context.Context, reservationID string) ([]Entry, error)
}

type Handler struct {
	repo   lister
	logger *slog.Logger
}

func NewHandler(repo lister, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/v1/reservations/{reservationID}/history", h.List)
}

type listResponse struct {
	ReservationID string  `json:"reservation_id"`
	Entries       []Entry `json:"entries"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationID")
	entries, err := h.repo.ListByReservation(r.Context(), id)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		h.logger.Error("history lookup failed", "reservation_id", id, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "persistence", "message": "temporary failure; retry later"})
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_found", "message": "no history for reservation"})
		return
	}
	_ = json.NewEncoder(w).Encode(listResponse{ReservationID: id, Entries: entries})
}
