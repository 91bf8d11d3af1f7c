package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByKind = map[booking.Kind]int{
	booking.KindMalformedToken:    http.StatusBadRequest,
	booking.KindInvalidRequest:    http.StatusBadRequest,
	booking.KindNotFound:          http.StatusNotFound,
	booking.KindSlotTaken:         http.StatusConflict,
	booking.KindInvalidTransition: http.StatusConflict,
	booking.KindConfigInvalid:     http.StatusUnprocessableEntity,
	booking.KindOutsideHours:      http.StatusUnprocessableEntity,
	booking.KindPersistence:       http.StatusInternalServerError,
}

var messageByKind = map[booking.Kind]string{
	booking.KindMalformedToken:    "slot token is not valid; list slots again",
	booking.KindNotFound:          "not found",
	booking.KindSlotTaken:         "this slot was just taken; list slots again and pick another",
	booking.KindInvalidTransition: "the reservation cannot move to that status",
	booking.KindOutsideHours:      "the slot falls outside the provider's working hours",
	booking.KindPersistence:       "temporary failure; retry later",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a service error to its status. Caller and config errors echo their detail;
// persistence errors are logged and answered with a fixed message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := booking.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := messageByKind[kind]
	if kind == booking.KindInvalidRequest || kind == booking.KindConfigInvalid {
		msg = detail(err)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: string(kind), Message: msg})
}

func detail(err error) string {
	var e *booking.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(booking.KindInvalidRequest), Message: msg})
}
