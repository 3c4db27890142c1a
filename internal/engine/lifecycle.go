package engine

import "runline/internal/domain"

// Each transition is legal from exactly one state. Anything else is an
// illegal transition and leaves the event unchanged.
var transitions = map[domain.Transition]struct {
	From domain.EventState
	To   domain.EventState
}{
	domain.TransitionSubmit:  {From: domain.StateDraft, To: domain.StateAwaitingApproval},
	domain.TransitionApprove: {From: domain.StateAwaitingApproval, To: domain.StateApproved},
	domain.TransitionPublish: {From: domain.StateApproved, To: domain.StatePublished},
	domain.TransitionCancel:  {From: domain.StatePublished, To: domain.StateCanceled},
}

// journalKinds names the journal entry written for each transition.
var journalKinds = map[domain.Transition]string{
	domain.TransitionSubmit:  "event.submitted",
	domain.TransitionApprove: "event.approved",
	domain.TransitionPublish: "event.published",
	domain.TransitionCancel:  "event.canceled",
}

// nextState resolves the target state for a transition from the given state.
func nextState(eventID string, from domain.EventState, tr domain.Transition) (domain.EventState, error) {
	rule, ok := transitions[tr]
	if !ok || rule.From != from {
		return "", domain.IllegalTransitionError{EventID: eventID, From: from, Transition: tr}
	}
	return rule.To, nil
}
