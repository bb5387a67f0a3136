package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/model"
)

// Recorder turns appointment lifecycle changes into outbox events.
type Recorder struct {
	repo *Repository
}

func NewRecorder(repo *Repository) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) Booked(ctx context.Context, appt model.Appointment) error {
	return r.insert(ctx, EventAppointmentBooked, appt, nil)
}

func (r *Recorder) Rescheduled(ctx context.Context, appt model.Appointment, previousStart time.Time) error {
	return r.insert(ctx, EventAppointmentRescheduled, appt, map[string]any{
		"previous_start": previousStart.UTC().Format(time.RFC3339),
	})
}

func (r *Recorder) Cancelled(ctx context.Context, appt model.Appointment) error {
	return r.insert(ctx, EventAppointmentCancelled, appt, nil)
}

func (r *Recorder) insert(ctx context.Context, eventType string, appt model.Appointment, extra map[string]any) error {
	body := map[string]any{
		"appointment_id":   appt.ID,
		"owner_id":         appt.OwnerID,
		"customer_name":    appt.CustomerName,
		"start_time":       appt.StartTime.UTC().Format(time.RFC3339),
		"duration_minutes": appt.DurationMinutes,
		"sync_status":      string(appt.SyncStatus),
	}
	for k, v := range extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return r.repo.InsertOne(ctx, Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	})
}
