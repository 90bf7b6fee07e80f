// Package alert runs one poll cycle: list upcoming events, pick the one due
// for an alert, speak it and remember it for the rest of the day.
package alert

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"nestalert/internal/ics"
	appLog "nestalert/internal/log"
	"nestalert/internal/model"
	"nestalert/internal/phrase"
	"nestalert/internal/speech"
	"nestalert/internal/window"
)

// Source lists events overlapping [start, end).
type Source interface {
	ListUpcomingEvents(ctx context.Context, start, end time.Time) ([]model.Event, error)
}

// Ledger is the daily dedup record.
type Ledger interface {
	IsAlerted(key string) bool
	Record(key string) error
}

// Deliverer speaks an utterance.
type Deliverer interface {
	Deliver(ctx context.Context, text string) speech.Report
}

// Options tunes a Cycle.
type Options struct {
	Lookahead      time.Duration
	DebugLookahead time.Duration
	// Repeat ignores the ledger when choosing what to alert.
	Repeat bool
	// Location is the display zone for spoken times.
	Location *time.Location
}

// Result summarizes one Run.
type Result struct {
	Start, End time.Time
	Events     int
	// Alerted is the title that was delivered, empty if none.
	Alerted string
	Report  speech.Report
}

// Cycle holds the collaborators of a poll cycle. It is reused across runs.
type Cycle struct {
	source  Source
	eval    window.Evaluator
	ledger  Ledger
	phrase  phrase.Builder
	deliver Deliverer
	clock   func() time.Time
	opts    Options
	log     *appLog.Logger
}

// New returns a Cycle. A nil clock means time.Now.
func New(source Source, eval window.Evaluator, ledger Ledger, pb phrase.Builder, deliver Deliverer, clock func() time.Time, opts Options, log *appLog.Logger) *Cycle {
	if clock == nil {
		clock = time.Now
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = 2 * time.Hour
	}
	if opts.DebugLookahead <= 0 {
		opts.DebugLookahead = 12 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Cycle{
		source:  source,
		eval:    eval,
		ledger:  ledger,
		phrase:  pb,
		deliver: deliver,
		clock:   clock,
		opts:    opts,
		log:     log,
	}
}

// Run performs one cycle. At most one alert is delivered. Only a failure to
// list events is returned as an error.
func (c *Cycle) Run(ctx context.Context) (Result, error) {
	now := c.clock().In(c.opts.Location)
	span := c.opts.Lookahead
	if c.eval.Mode == window.ModeFirstUpcoming {
		span = c.opts.DebugLookahead
	}
	res := Result{Start: now, End: now.Add(span)}

	c.log.Info("cycle config",
		"lead", c.eval.Lead.String(),
		"range", span.String(),
		"mode", c.eval.Mode.String(),
		"repeat", c.opts.Repeat,
	)

	events, err := c.source.ListUpcomingEvents(ctx, res.Start, res.End)
	if err != nil {
		return res, fmt.Errorf("alert: list events: %w", err)
	}
	ics.SortByStart(events)
	res.Events = len(events)
	c.log.Info("events fetched", "count", len(events))

	if len(events) == 0 {
		c.log.Info("no events in range")
		return res, nil
	}

	for _, ev := range events {
		d := c.eval.Evaluate(ev, now)
		if !d.Eligible {
			switch d.Reason {
			case window.ReasonExcluded:
				c.log.Info("skipping excluded event", "summary", ev.Summary)
			case window.ReasonCancelled, window.ReasonAllDay:
				c.log.Debug("skipping event", "summary", ev.Summary, "reason", string(d.Reason))
			default:
				c.log.Info("event outside window", "summary", ev.Summary,
					"start", ev.Start.In(c.opts.Location).Format("15:04"),
					"delta_min", fmt.Sprintf("%.2f", d.LeadSeconds()/60),
				)
			}
			continue
		}

		// Diagnostic runs never touch the ledger, so they cannot silence the
		// real alert later in the day.
		diagnostic := c.eval.Mode == window.ModeFirstUpcoming
		title := ev.Summary
		if !diagnostic && !c.opts.Repeat && c.ledger.IsAlerted(title) {
			c.log.Info("already alerted today", "summary", title)
			continue
		}

		text := c.phrase.Build(title, ev.Start.In(c.opts.Location), now)
		c.log.Info("alert issued", "summary", title, "reason", string(d.Reason), "text", text)

		res.Report = c.deliver.Deliver(ctx, text)
		res.Alerted = title
		c.log.Info("delivery finished", "summary", title, "report", res.Report.String())

		if diagnostic {
			return res, nil
		}
		if err := c.ledger.Record(title); err != nil {
			c.log.Error("recording alert failed", err, "summary", title)
		}
		return res, nil
	}

	c.log.Info("events found, none inside the alert window", "lead", c.eval.Lead.String())
	return res, nil
}

// RunSafe runs one cycle between start/end banners. Errors and panics are
// logged, never returned.
func (c *Cycle) RunSafe(ctx context.Context) {
	c.log.Info("==== meeting alerts run start ====")
	defer c.log.Info("==== meeting alerts run end ====")

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cycle panicked", fmt.Errorf("%v", r))
			c.log.Debug("panic stack", "stack", string(debug.Stack()))
		}
	}()

	if _, err := c.Run(ctx); err != nil {
		c.log.Error("cycle failed", err)
	}
}
