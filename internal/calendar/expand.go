// Package calendar expands a recurring event definition into concrete
// occurrence dates. Expansion is a pure function of its inputs: no I/O, no
// clock, deterministic output.
package calendar

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"runline/internal/domain"
)

// Occurrence is one expanded (date, start time) pair. Date is midnight UTC;
// StartsAt is the wall-clock start time carried over from the event.
type Occurrence struct {
	Date     time.Time
	StartsAt string
}

// Expand computes the ordered occurrence sequence for a weekly recurrence.
//
// Each weekday selected by the mask forms an independent weekly stream
// starting at the first date on or after the anchor that falls on that
// weekday — the anchor itself counts when it already matches. Streams are
// bounded by the termination policy:
//
//   - one-year: occurrences up to and including anchor + 1 calendar year
//   - after-occurrences: exactly N occurrences per selected weekday
//   - on-date: occurrences up to and including the end date
//
// End boundaries are inclusive. The merged result is sorted by date
// ascending. A recurring definition without a termination policy, or with an
// empty mask, is a configuration error: expansion never runs unbounded.
func Expand(anchor time.Time, startsAt string, mask domain.WeekdayMask, term domain.Termination) ([]Occurrence, error) {
	if !mask.Any() {
		return nil, domain.ConfigError{Reason: "recurring event selects no weekdays"}
	}
	kind := term.Kind()
	if kind == domain.TerminationNone {
		return nil, domain.ConfigError{Reason: "recurring event has no termination policy"}
	}

	anchor = midnightUTC(anchor)
	var out []Occurrence
	for _, wd := range mask.Weekdays() {
		start := nextOnOrAfter(anchor, wd)
		opt := rrule.ROption{
			Freq:    rrule.WEEKLY,
			Dtstart: start,
		}
		switch kind {
		case domain.TerminationOneYear:
			opt.Until = anchor.AddDate(1, 0, 0)
		case domain.TerminationAfterOccurrences:
			opt.Count = term.AfterOccurrences
		case domain.TerminationOnDate:
			opt.Until = midnightUTC(term.On)
		}
		rule, err := rrule.NewRRule(opt)
		if err != nil {
			return nil, domain.ConfigError{Reason: "invalid recurrence bounds: " + err.Error()}
		}
		for _, d := range rule.All() {
			out = append(out, Occurrence{Date: midnightUTC(d), StartsAt: startsAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// nextOnOrAfter returns the first date on or after t that falls on wd.
func nextOnOrAfter(t time.Time, wd time.Weekday) time.Time {
	offset := (int(wd) - int(t.Weekday()) + 7) % 7
	return t.AddDate(0, 0, offset)
}

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
