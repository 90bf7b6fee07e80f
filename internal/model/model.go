package model

import "time"

// Status mirrors the iCalendar STATUS property of a VEVENT.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusTentative Status = "tentative"
	StatusCancelled Status = "cancelled"
)

// UntitledSummary is used for events that carry no SUMMARY.
const UntitledSummary = "(untitled)"

// Event is a single concrete calendar occurrence as seen by one poll cycle
// (after recurrence expansion and timezone normalization). It is a
// read-only snapshot; nothing in the alert engine mutates it.
type Event struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	Summary  string
	Location string

	// AllDay events have no concrete start instant and never trigger alerts.
	AllDay bool
	Status Status

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// HasStartTime reports whether the event starts at a concrete instant.
func (e Event) HasStartTime() bool {
	return !e.AllDay && !e.Start.IsZero()
}
