// Package auth derives the permission bit the lifecycle guards consume.
// Role storage lives in SQL; the engine only ever sees a domain.Actor.
package auth

import (
	"context"
	"fmt"

	"runline/internal/domain"
	"runline/internal/repo"
)

// RoleApprover grants the approve transition.
const RoleApprover = "approver"

// ForbiddenError indicates the actor may not perform the transition.
type ForbiddenError struct {
	ActorID    string
	Transition domain.Transition
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not %s this event", e.ActorID, e.Transition)
}

// Service resolves actors against the role table.
type Service struct {
	Repo repo.Repo
}

// Resolve returns the actor with its privilege bit set from the role table.
func (s Service) Resolve(ctx context.Context, actorID string) (domain.Actor, error) {
	ok, err := s.Repo.ActorHasRole(ctx, actorID, RoleApprover)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{ID: actorID, Privileged: ok}, nil
}

// CheckOwner guards transitions reserved for the event owner. Privileged
// actors pass as well.
func CheckOwner(actor domain.Actor, event domain.Event, tr domain.Transition) error {
	if actor.Privileged || actor.ID == event.OwnerID {
		return nil
	}
	return ForbiddenError{ActorID: actor.ID, Transition: tr}
}

// CheckPrivileged guards transitions reserved for privileged actors.
func CheckPrivileged(actor domain.Actor, tr domain.Transition) error {
	if actor.Privileged {
		return nil
	}
	return ForbiddenError{ActorID: actor.ID, Transition: tr}
}
