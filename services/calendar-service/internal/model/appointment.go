package model

import "time"

// SyncStatus tracks how the local row relates to its mirror in the remote
// scheduling engine. The local store is authoritative; "pending" means the
// remote mirror lags and a background retry is in flight.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncFailed  SyncStatus = "failed"
)

type Appointment struct {
	ID              string
	OwnerID         string
	CustomerName    string
	StartTime       time.Time
	DurationMinutes int
	ExternalRef     string // remote booking id, empty until the first sync succeeds
	SyncStatus      SyncStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}
