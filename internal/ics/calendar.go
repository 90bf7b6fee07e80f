// Package ics implements the calendar source on top of ICS subscriptions:
// conditional fetch with a disk cache, VEVENT parsing and recurrence
// expansion into concrete occurrences.
package ics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"nestalert/internal/config"
	appLog "nestalert/internal/log"
	"nestalert/internal/model"
)

// ErrNoSources is returned when the configuration selects no ICS feed.
var ErrNoSources = errors.New("ics: no calendar sources configured")

// Calendar lists upcoming events from one or more ICS sources.
type Calendar struct {
	fetcher *Fetcher
	sources []Source
	loc     *time.Location
	log     *appLog.Logger
}

// NewCalendar builds a Calendar. The returned sources are already filtered
// by calendarID ("" or "*" keeps all of them).
func NewCalendar(fetcher *Fetcher, sources []Source, loc *time.Location, log *appLog.Logger) *Calendar {
	if loc == nil {
		loc = time.Local
	}
	return &Calendar{fetcher: fetcher, sources: sources, loc: loc, log: log}
}

// SourcesFromConfig converts config entries into Sources and applies the
// calendar_id selection.
func SourcesFromConfig(entries []config.ICSConfig, calendarID string) ([]Source, error) {
	out := make([]Source, 0, len(entries))
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		id := e.ID
		if id == "" {
			if e.Name != "" {
				id = e.Name
			} else {
				id = e.URL
			}
		}
		if calendarID != "" && calendarID != "*" && id != calendarID {
			continue
		}
		out = append(out, Source{ID: id, URL: e.URL})
	}
	if len(out) == 0 {
		if calendarID != "" && calendarID != "*" {
			return nil, fmt.Errorf("%w: no entry with id %q", ErrNoSources, calendarID)
		}
		return nil, ErrNoSources
	}
	return out, nil
}

// ListUpcomingEvents returns every occurrence overlapping [start, end],
// ordered by start time. Any source that yields neither fresh nor cached
// data fails the whole call: the poll cycle must not act on a partial view.
func (c *Calendar) ListUpcomingEvents(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	if len(c.sources) == 0 {
		return nil, ErrNoSources
	}

	parsed := make([]vevent, 0)
	for _, src := range c.sources {
		f, err := c.fetcher.Fetch(ctx, src)
		if err != nil {
			return nil, err
		}
		evs, err := parse(f.Source, f.Body, c.log)
		if err != nil {
			return nil, fmt.Errorf("ics: parse %s: %w", src.ID, err)
		}
		parsed = append(parsed, evs...)
	}

	events, err := expand(parsed, expandWindow{Location: c.loc, Start: start, End: end}, c.log)
	if err != nil {
		return nil, err
	}
	SortByStart(events)
	return events, nil
}

// SortByStart orders events by start time, keeping source order for ties.
func SortByStart(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
}
