package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

type Handler struct {
	svc    *booking.Service
	logger *slog.Logger
}

func New(svc *booking.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the scheduling API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/providers/{providerID}/slots", h.Slots)
		r.Get("/providers/{providerID}/schedule", h.GetSchedule)
		r.Put("/providers/{providerID}/schedule", h.PutSchedule)
		r.Get("/providers/{providerID}/reservations", h.ProviderReservations)
		r.Get("/subjects/{subjectID}/reservations", h.SubjectReservations)
		r.Post("/bookings", h.Book)
		r.Post("/reservations/{reservationID}/cancel", h.Cancel)
		r.Post("/reservations/{reservationID}/status", h.SetStatus)
	})
}

type slotItem struct {
	Token       string `json:"token"`
	DisplayTime string `json:"display_time"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
}

type slotsResponse struct {
	ProviderID string     `json:"provider_id"`
	Date       string     `json:"date"`
	Slots      []slotItem `json:"slots"`
}

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	date, err := time.Parse(time.DateOnly, dateStr)
	if err != nil {
		badRequest(w, "date must be YYYY-MM-DD")
		return
	}

	slots, err := h.svc.GetSlots(r.Context(), booking.GetSlotsRequest{ProviderID: providerID, Date: date})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := slotsResponse{ProviderID: providerID, Date: dateStr, Slots: make([]slotItem, 0, len(slots))}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, slotItem{
			Token:       s.Token,
			DisplayTime: s.DisplayTime,
			StartTime:   s.Start.Format(time.RFC3339),
			EndTime:     s.End.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type bookRequest struct {
	Token      string `json:"token"`
	ProviderID string `json:"provider_id"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	SubjectID  string `json:"subject_id"`
	Reason     string `json:"reason"`
}

type reservationResponse struct {
	ReservationID string `json:"reservation_id"`
	ProviderID    string `json:"provider_id"`
	SubjectID     string `json:"subject_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CancelReason  string `json:"cancellation_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toResponse(r model.Reservation) reservationResponse {
	resp := reservationResponse{
		ReservationID: r.ID,
		ProviderID:    r.ProviderID,
		SubjectID:     r.SubjectID,
		StartTime:     r.Start.Format(time.RFC3339),
		EndTime:       r.End.Format(time.RFC3339),
		Status:        string(r.Status),
		Reason:        r.Reason,
		CancelReason:  r.CancelReason,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.CancelledAt != nil {
		resp.CancelledAt = r.CancelledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}

	in := booking.BookRequest{
		Token:          req.Token,
		ProviderID:     req.ProviderID,
		SubjectID:      req.SubjectID,
		Reason:         req.Reason,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	if req.Date != "" {
		date, err := time.Parse(time.DateOnly, strings.TrimSpace(req.Date))
		if err != nil {
			badRequest(w, "date must be YYYY-MM-DD")
			return
		}
		in.Date = date
	}
	if req.StartTime != "" {
		start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartTime))
		if err != nil {
			badRequest(w, "start_time must be RFC3339")
			return
		}
		in.Start = start
	}

	res, err := h.svc.Book(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toResponse(res.Reservation))
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	// The body is optional, and chunked requests report no length, so an empty body is EOF.
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid json body")
		return
	}
	res, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "reservationID"), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	res, err := h.svc.Transition(r.Context(), booking.TransitionRequest{
		ReservationID: chi.URLParam(r, "reservationID"),
		To:            model.Status(strings.TrimSpace(req.Status)),
		Reason:        req.Reason,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

type listResponse struct {
	Reservations []reservationResponse `json:"reservations"`
}

func toList(rs []model.Reservation) listResponse {
	out := listResponse{Reservations: make([]reservationResponse, 0, len(rs))}
	for _, r := range rs {
		out.Reservations = append(out.Reservations, toResponse(r))
	}
	return out
}

func (h *Handler) ProviderReservations(w http.ResponseWriter, r *http.Request) {
	q := booking.ReservationQuery{ProviderID: chi.URLParam(r, "providerID")}
	params := r.URL.Query()
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		raw := strings.TrimSpace(params.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, name+" must be RFC3339")
			return
		}
		*dst = t
	}
	if raw := params.Get("include_cancelled"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, "include_cancelled must be a boolean")
			return
		}
		q.IncludeCancelled = v
	}
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	rs, err := h.svc.ListProviderReservations(r.Context(), q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toList(rs))
}

func (h *Handler) SubjectReservations(w http.ResponseWriter, r *http.Request) {
	rs, err := h.svc.ListSubjectReservations(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toList(rs))
}
