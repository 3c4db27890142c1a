// Package notify delivers transition notifications. Delivery is
// fire-and-forget: a failed notification is logged and never fails the
// transition that triggered it.
package notify

import (
	"context"
	"log"

	"runline/internal/domain"
)

// Notification describes one committed transition. ApprovalToken is set
// only on submission; it is the reviewer-facing credential and must never
// travel back to the submitter.
type Notification struct {
	Transition    domain.Transition
	Event         domain.Event
	ApprovalToken string
}

// Notifier receives a notification after a transition committed.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the process log. It is the default
// sender when no delivery channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Printf("notify: event %s %s (owner=%s state=%s)", n.Event.ID, n.Transition, n.Event.OwnerID, n.Event.State)
	if n.ApprovalToken != "" {
		log.Printf("notify: reviewer approval link for event %s: /approvals/%s", n.Event.ID, n.ApprovalToken)
	}
	return nil
}
