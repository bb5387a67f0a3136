package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (production-style: event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	EventAppointmentBooked      = "calendar.appointment.booked.v1"
	EventAppointmentRescheduled = "calendar.appointment.rescheduled.v1"
	EventAppointmentCancelled   = "calendar.appointment.cancelled.v1"
	EventSyncDLQ                = "calendar.sync.dlq.v1"
)
