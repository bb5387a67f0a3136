package model

import "time"

// AvailabilityWindow is one recurring weekly window. Times of day are stored
// as minutes from midnight so the window is timezone-neutral; expansion into
// concrete instants happens at query time.
type AvailabilityWindow struct {
	Day         time.Weekday
	StartMinute int
	EndMinute   int
}

// TimeSlot is a query-time projection over expanded availability and booked
// appointments. It is derived, never persisted.
type TimeSlot struct {
	Start     time.Time
	End       time.Time
	Available bool
}
