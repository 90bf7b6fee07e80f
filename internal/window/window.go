// Package window decides whether a calendar event should trigger an alert
// during the current poll cycle.
package window

import (
	"strings"
	"time"

	"nestalert/internal/model"
)

// DefaultTolerance is the symmetric slack around the ideal alert instant.
const DefaultTolerance = 60 * time.Second

// Mode selects how timing is judged.
type Mode int

const (
	// ModeStrict alerts only inside [-tolerance, lead+tolerance] of the start.
	ModeStrict Mode = iota
	// ModeFirstUpcoming alerts the earliest qualifying event regardless of
	// lead time. Used to validate delivery end to end.
	ModeFirstUpcoming
)

func (m Mode) String() string {
	if m == ModeFirstUpcoming {
		return "first-upcoming"
	}
	return "strict"
}

// Reason explains a Decision.
type Reason string

const (
	ReasonInWindow       Reason = "in-window"
	ReasonFirstUpcoming  Reason = "first-upcoming"
	ReasonCancelled      Reason = "cancelled"
	ReasonAllDay         Reason = "all-day"
	ReasonExcluded       Reason = "excluded-keyword"
	ReasonTooEarly       Reason = "too-early"
	ReasonAlreadyStarted Reason = "already-started"
)

// Decision is the per-event verdict for one pass. It is never stored.
type Decision struct {
	Eligible bool
	// Lead is Start - now; negative once the event has begun.
	Lead   time.Duration
	Reason Reason
}

// LeadSeconds returns Lead as fractional seconds.
func (d Decision) LeadSeconds() float64 { return d.Lead.Seconds() }

// Evaluator holds the alert window configuration. The zero Tolerance is
// replaced by DefaultTolerance.
type Evaluator struct {
	Lead      time.Duration
	Tolerance time.Duration
	Mode      Mode
	// Keywords are matched case-insensitively as substrings of the title.
	Keywords []string
}

// New builds an Evaluator, lowercasing keywords once.
func New(lead, tolerance time.Duration, mode Mode, keywords []string) Evaluator {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kw = append(kw, k)
		}
	}
	return Evaluator{Lead: lead, Tolerance: tolerance, Mode: mode, Keywords: kw}
}

// Evaluate applies, in order: cancellation, all-day, keyword exclusion,
// then the timing rule of the configured Mode.
func (e Evaluator) Evaluate(ev model.Event, now time.Time) Decision {
	if ev.Status == model.StatusCancelled {
		return Decision{Reason: ReasonCancelled}
	}
	if !ev.HasStartTime() {
		return Decision{Reason: ReasonAllDay}
	}

	lead := ev.Start.Sub(now)
	if e.Excluded(ev.Summary) {
		return Decision{Lead: lead, Reason: ReasonExcluded}
	}
	if e.Mode == ModeFirstUpcoming {
		return Decision{Eligible: true, Lead: lead, Reason: ReasonFirstUpcoming}
	}

	tol := e.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	switch {
	case lead < -tol:
		return Decision{Lead: lead, Reason: ReasonAlreadyStarted}
	case lead > e.Lead+tol:
		return Decision{Lead: lead, Reason: ReasonTooEarly}
	default:
		return Decision{Eligible: true, Lead: lead, Reason: ReasonInWindow}
	}
}

// Excluded reports whether title contains any configured keyword.
func (e Evaluator) Excluded(title string) bool {
	t := strings.ToLower(title)
	for _, k := range e.Keywords {
		if k != "" && strings.Contains(t, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
