package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

type scheduleResponse struct {
	ProviderID   string `json:"provider_id"`
	WorkStart    string `json:"work_start"`
	WorkEnd      string `json:"work_end"`
	SlotMinutes  int    `json:"slot_duration_minutes"`
	BreakMinutes int    `json:"break_duration_minutes"`
	SlotMode     string `json:"slot_mode"`
	Timezone     string `json:"timezone"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

func toScheduleResponse(s model.ProviderSchedule) scheduleResponse {
	resp := scheduleResponse{
		ProviderID:   s.ProviderID,
		WorkStart:    s.WorkStart.String(),
		WorkEnd:      s.WorkEnd.String(),
		SlotMinutes:  s.SlotMinutes,
		BreakMinutes: s.BreakMinutes,
		SlotMode:     string(s.Mode),
		Timezone:     s.Timezone,
	}
	if !s.UpdatedAt.IsZero() {
		resp.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// scheduleRequest fields are all optional. Omitted fields keep their current value.
type scheduleRequest struct {
	WorkStart         *string `json:"work_start"`
	WorkEnd           *string `json:"work_end"`
	SlotMinutes       *int    `json:"slot_duration_minutes"`
	BreakMinutes      *int    `json:"break_duration_minutes"`
	SlotMode          *string `json:"slot_mode"`
	Timezone          *string `json:"timezone"`
	ConsultationStyle string  `json:"consultation_style"`
	WantsBreaks       *bool   `json:"wants_breaks"`
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Schedule(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(s))
}

func (h *Handler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}

	u := booking.ScheduleUpdate{
		ProviderID:        chi.URLParam(r, "providerID"),
		SlotMinutes:       req.SlotMinutes,
		BreakMinutes:      req.BreakMinutes,
		Timezone:          req.Timezone,
		ConsultationStyle: req.ConsultationStyle,
		WantsBreaks:       req.WantsBreaks,
	}
	for _, f := range []struct {
		raw *string
		dst **model.ClockTime
	}{{req.WorkStart, &u.WorkStart}, {req.WorkEnd, &u.WorkEnd}} {
		if f.raw == nil {
			continue
		}
		c, err := model.ParseClock(*f.raw)
		if err != nil {
			writeError(w, h.logger, &booking.Error{Kind: booking.KindConfigInvalid, Op: "update_schedule", Err: err})
			return
		}
		*f.dst = &c
	}
	if req.SlotMode != nil {
		mode := model.SlotMode(*req.SlotMode)
		u.Mode = &mode
	}

	s, err := h.svc.UpdateSchedule(r.Context(), u)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(s))
}
