package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "nestalert/internal/log"
	"nestalert/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// expandWindow controls recurrence expansion.
type expandWindow struct {
	Location *time.Location
	Start    time.Time
	End      time.Time
	MaxPer   int
}

// expand turns VEVENTs into concrete occurrences overlapping [Start, End],
// applying RRULE, EXDATE and RECURRENCE-ID overrides. Occurrences are
// converted into w.Location.
func expand(events []vevent, w expandWindow, log *appLog.Logger) ([]model.Event, error) {
	if w.End.Before(w.Start) {
		return nil, errors.New("ics: expand window end is before start")
	}
	if w.Location == nil {
		w.Location = time.Local
	}
	if w.MaxPer <= 0 {
		w.MaxPer = defaultMaxOccurrencesPerEvent
	}

	bases := make(map[string][]vevent)
	overrides := make(map[string][]vevent)
	order := make([]string, 0)
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := bases[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	out := make([]model.Event, 0)
	for _, uid := range order {
		for _, ev := range bases[uid] {
			if ev.RawRRule == "" {
				out = append(out, expandSingle(ev, overrides[uid], w)...)
				continue
			}
			occ, capped := expandRecurring(ev, overrides[uid], w, log)
			if capped {
				log.Warn("ics expand: occurrences truncated", "uid", uid, "cap", w.MaxPer)
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

func expandSingle(ev vevent, overrides []vevent, w expandWindow) []model.Event {
	if o, ok := overrideFor(overrides, ev.Start); ok {
		ev = o
	}
	if !overlaps(ev.Start, ev.End, w.Start, w.End) {
		return nil
	}
	return []model.Event{toEvent(ev, ev.Start, ev.End, w.Location)}
}

func expandRecurring(ev vevent, overrides []vevent, w expandWindow, log *appLog.Logger) ([]model.Event, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		log.Warn("ics expand: bad RRULE", "uid", ev.UID, "rrule", ev.RawRRule, "err", err)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the event duration so instances that are
	// already running at w.Start are still reported.
	dur := ev.End.Sub(ev.Start)
	lo := w.Start.Add(-dur).In(ev.Start.Location())
	hi := w.End.In(ev.Start.Location())

	starts := set.Between(lo, hi, true)
	capped := false
	if len(starts) > w.MaxPer {
		starts = starts[:w.MaxPer]
		capped = true
	}

	out := make([]model.Event, 0, len(starts))
	for _, s := range starts {
		inst := ev
		inst.Start, inst.End = s, s.Add(dur)
		if o, ok := overrideFor(overrides, s); ok {
			inst = o
		}
		if !overlaps(inst.Start, inst.End, w.Start, w.End) {
			continue
		}
		out = append(out, toEvent(inst, inst.Start, inst.End, w.Location))
	}

	// Overrides that moved an instance into the window from outside of it.
	for _, o := range overrides {
		if o.Recurrence == nil || containsStart(starts, *o.Recurrence) {
			continue
		}
		if overlaps(o.Start, o.End, w.Start, w.End) {
			out = append(out, toEvent(o, o.Start, o.End, w.Location))
		}
	}
	return out, capped
}

func overrideFor(overrides []vevent, start time.Time) (vevent, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return vevent{}, false
}

func containsStart(starts []time.Time, t time.Time) bool {
	for _, s := range starts {
		if s.Equal(t) {
			return true
		}
	}
	return false
}

func toEvent(ev vevent, start, end time.Time, loc *time.Location) model.Event {
	return model.Event{
		SourceID: ev.Source.ID,
		UID:      ev.UID,
		Summary:  ev.Summary,
		Location: ev.Location,
		AllDay:   ev.AllDay,
		Status:   ev.Status,
		Start:    start.In(loc),
		End:      end.In(loc),
	}
}

// overlaps treats events as half-open [start, end); zero-length events
// overlap when their start lies inside the window.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.After(aStart) {
		return !aStart.Before(bStart) && !aStart.After(bEnd)
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
