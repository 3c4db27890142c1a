package domain

import (
	"fmt"
	"time"
)

// EventState is the closed set of lifecycle states. The state is the sole
// authority for which transitions are legal.
type EventState string

const (
	StateDraft            EventState = "draft"
	StateAwaitingApproval EventState = "awaiting_approval"
	StateApproved         EventState = "approved"
	StatePublished        EventState = "published"
	StateCanceled         EventState = "canceled"
)

// ParseState validates a raw state string against the enumeration.
func ParseState(s string) (EventState, error) {
	switch EventState(s) {
	case StateDraft, StateAwaitingApproval, StateApproved, StatePublished, StateCanceled:
		return EventState(s), nil
	}
	return "", fmt.Errorf("unknown event state %q", s)
}

// Transition names a lifecycle operation.
type Transition string

const (
	TransitionSubmit  Transition = "submit"
	TransitionApprove Transition = "approve"
	TransitionPublish Transition = "publish"
	TransitionCancel  Transition = "cancel"
)

// WeekdayMask selects the weekdays a recurring event repeats on,
// indexed Monday..Sunday.
type WeekdayMask [7]bool

// WeekdayNames lists the mask indexes in order, used for persistence and display.
var WeekdayNames = [7]string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// On reports whether the mask selects the given Go weekday.
func (m WeekdayMask) On(wd time.Weekday) bool {
	// time.Weekday is Sunday-first; the mask is Monday-first.
	return m[(int(wd)+6)%7]
}

// Any reports whether at least one weekday is selected.
func (m WeekdayMask) Any() bool {
	for _, b := range m {
		if b {
			return true
		}
	}
	return false
}

// Weekdays returns the selected Go weekdays in Monday-first order.
func (m WeekdayMask) Weekdays() []time.Weekday {
	var out []time.Weekday
	for i, b := range m {
		if b {
			out = append(out, time.Weekday((i+1)%7))
		}
	}
	return out
}

// TerminationKind identifies which bound applies to a recurring event.
type TerminationKind string

const (
	TerminationNone             TerminationKind = "none"
	TerminationOneYear          TerminationKind = "one_year"
	TerminationAfterOccurrences TerminationKind = "after_occurrences"
	TerminationOnDate           TerminationKind = "on_date"
)

// Termination bounds recurrence expansion. At most one field is
// authoritative; Kind applies the precedence one-year, then
// after-occurrences, then explicit end date.
type Termination struct {
	OneYear          bool      `json:"one_year,omitempty"`
	AfterOccurrences int       `json:"after_occurrences,omitempty"`
	On               time.Time `json:"on,omitempty"`
}

func (t Termination) Kind() TerminationKind {
	switch {
	case t.OneYear:
		return TerminationOneYear
	case t.AfterOccurrences > 0:
		return TerminationAfterOccurrences
	case !t.On.IsZero():
		return TerminationOnDate
	}
	return TerminationNone
}

// Event is a user-submitted activity that may recur on a weekly pattern.
// Date is the anchor date recurrence expansion starts from; StartsAt is the
// wall-clock start time ("HH:MM") copied verbatim onto every run.
type Event struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Country     string      `json:"country,omitempty"`
	City        string      `json:"city,omitempty"`
	Street      string      `json:"street,omitempty"`
	HouseNumber string      `json:"house_number,omitempty"`
	PostalCode  string      `json:"postal_code,omitempty"`
	Date        time.Time   `json:"date"`
	StartsAt    string      `json:"starts_at"`
	Recurrent   bool        `json:"recurrent"`
	RepeatsOn   WeekdayMask `json:"repeats_on"`
	Termination Termination `json:"termination"`
	State       EventState  `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Run is one concrete scheduled occurrence derived from an Event. Runs are
// created at publish time and never mutated afterwards; canceling an event
// does not retract its runs.
type Run struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Date      time.Time `json:"date"`
	StartsAt  string    `json:"starts_at"`
	CreatedAt time.Time `json:"created_at"`
}

// JournalEntry is one append-only record of a lifecycle change.
type JournalEntry struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Kind    string `json:"kind"`
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// Actor identifies who requested a transition, with the single permission
// bit the lifecycle guards consume. How Privileged is derived (role table,
// JWT claims, capability token) is the caller's concern.
type Actor struct {
	ID         string
	Privileged bool
}

// APIKey authenticates an actor on the HTTP API. Only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
