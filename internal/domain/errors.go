package domain

import "fmt"

// IllegalTransitionError indicates the event's current state does not allow
// the requested transition. The event is left unchanged.
type IllegalTransitionError struct {
	EventID    string
	From       EventState
	Transition Transition
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s for event %s in state %s", e.Transition, e.EventID, e.From)
}

// ConfigError indicates an event definition that cannot be expanded, such as
// a recurring event missing a termination policy.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

// ConflictError indicates a lost update: the event's state changed between
// load and commit.
type ConflictError struct {
	EventID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("event %s was modified concurrently", e.EventID)
}

// MaterializationError indicates run creation or persistence failed during
// publish. The state change is rolled back along with any partial runs.
type MaterializationError struct {
	EventID string
	Err     error
}

func (e MaterializationError) Error() string {
	return fmt.Sprintf("materialize runs for event %s: %v", e.EventID, e.Err)
}

func (e MaterializationError) Unwrap() error { return e.Err }
