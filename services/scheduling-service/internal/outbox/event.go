package outbox

import (
	"encoding/json"
	"time"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

// Event is the envelope written to the outbox table. The Kafka topic equals EventType.
type Event struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateReservation = "reservation"
	AggregateProvider    = "provider"

	EventScheduleUpdated = "scheduling.provider.schedule_updated.v1"
)

// ReservationEventType names the event for a reservation entering status.
func ReservationEventType(status model.Status) string {
	return "scheduling.reservation." + string(status) + ".v1"
}

// ReservationTopics lists every reservation event type, for consumers.
func ReservationTopics() []string {
	return []string{
		ReservationEventType(model.StatusConfirmed),
		ReservationEventType(model.StatusCancelled),
		ReservationEventType(model.StatusCompleted),
		ReservationEventType(model.StatusNoShow),
	}
}

// ReservationPayload is the body of every reservation event.
type ReservationPayload struct {
	ReservationID string    `json:"reservation_id"`
	ProviderID    string    `json:"provider_id"`
	SubjectID     string    `json:"subject_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func NewReservationEvent(r model.Reservation, reason string, at time.Time) (Event, error) {
	payload, err := json.Marshal(ReservationPayload{
		ReservationID: r.ID,
		ProviderID:    r.ProviderID,
		SubjectID:     r.SubjectID,
		StartTime:     r.Start.UTC(),
		EndTime:       r.End.UTC(),
		Status:        string(r.Status),
		Reason:        reason,
		OccurredAt:    at.UTC(),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateReservation,
		AggregateID:   r.ID,
		EventType:     ReservationEventType(r.Status),
		Payload:       payload,
	}, nil
}

func NewScheduleEvent(s model.ProviderSchedule) (Event, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateProvider,
		AggregateID:   s.ProviderID,
		EventType:     EventScheduleUpdated,
		Payload:       payload,
	}, nil
}
