package phrase

import (
	"fmt"
	"strings"
	"time"
)

// Builder renders the spoken alert from a template. Supported placeholders:
//
//	{summary}  event title
//	{start}    start time, HH:MM
//	{now}      current time, HH:MM
//	{lead}     humanized time until start, e.g. "5 minutes"
type Builder struct {
	Template string
}

// Build renders the template. start and now are formatted in their own
// locations, so callers pass both in the display timezone.
func (b Builder) Build(title string, start, now time.Time) string {
	r := strings.NewReplacer(
		"{summary}", title,
		"{start}", start.Format("15:04"),
		"{now}", now.Format("15:04"),
		"{lead}", Humanize(start.Sub(now)),
	)
	return r.Replace(b.Template)
}

// Humanize renders a lead time, rounding up to the next whole minute.
// Anything under a minute (including negative values) is "less than a minute".
func Humanize(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}

	mins := int((d + time.Minute - 1) / time.Minute)
	if mins < 60 {
		return plural(mins, "minute")
	}

	hours, rest := mins/60, mins%60
	if rest == 0 {
		return plural(hours, "hour")
	}
	return plural(hours, "hour") + " and " + plural(rest, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
