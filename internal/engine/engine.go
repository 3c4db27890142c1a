// Package engine is the lifecycle orchestrator: it validates a requested
// transition against the event's current state and the actor's permissions,
// flips the state, and on publish materializes runs in the same transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"runline/internal/audit"
	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/engine/auth"
	"runline/internal/notify"
	"runline/internal/repo"
	"runline/internal/token"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Journal  audit.Writer
	Auth     auth.Service
	Tokens   token.Issuer
	Notifier notify.Notifier
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Journal: audit.Writer{DB: db},
		Auth:    auth.Service{Repo: r},
		Tokens: token.Issuer{
			Secret: []byte(cfg.Auth.JWTSecret),
			TTL:    time.Duration(cfg.Auth.ApprovalTokenTTLHours) * time.Hour,
		},
		Notifier: notify.LogNotifier{},
		Config:   cfg,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var startsAtRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// EventCreateOptions are parameters for creating an event draft.
type EventCreateOptions struct {
	Name        string
	Description string
	Country     string
	City        string
	Street      string
	HouseNumber string
	PostalCode  string
	Date        time.Time
	StartsAt    string
	Recurrent   bool
	RepeatsOn   domain.WeekdayMask
	Termination domain.Termination
	OwnerID     string
}

// CreateEvent stores a new draft. Recurring drafts without a termination
// policy pick up the workspace default if one is configured; otherwise the
// missing policy surfaces at publish time.
func (e Engine) CreateEvent(ctx context.Context, opts EventCreateOptions) (domain.Event, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Event{}, errors.New("name is required")
	}
	if strings.TrimSpace(opts.OwnerID) == "" {
		return domain.Event{}, errors.New("owner is required")
	}
	if opts.Date.IsZero() {
		return domain.Event{}, errors.New("date is required")
	}
	if !startsAtRe.MatchString(opts.StartsAt) {
		return domain.Event{}, fmt.Errorf("starts_at must be HH:MM, got %q", opts.StartsAt)
	}
	if opts.Recurrent && !opts.RepeatsOn.Any() {
		return domain.Event{}, domain.ConfigError{Reason: "recurring event selects no weekdays"}
	}
	term := opts.Termination
	if opts.Recurrent && term.Kind() == domain.TerminationNone && e.Config != nil {
		term = e.Config.DefaultTermination()
	}
	now := e.now().UTC()
	ev := domain.Event{
		ID:          uuid.NewString(),
		OwnerID:     opts.OwnerID,
		Name:        opts.Name,
		Description: opts.Description,
		Country:     opts.Country,
		City:        opts.City,
		Street:      opts.Street,
		HouseNumber: opts.HouseNumber,
		PostalCode:  opts.PostalCode,
		Date:        opts.Date,
		StartsAt:    opts.StartsAt,
		Recurrent:   opts.Recurrent,
		RepeatsOn:   opts.RepeatsOn,
		Termination: term,
		State:       domain.StateDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertEvent(ctx, ev); err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, ev.OwnerID, now); err != nil {
		return domain.Event{}, err
	}
	if err := e.Journal.Append(ctx, tx, "event.created", ev.ID, ev.OwnerID, audit.Payload{"state": ev.State}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (e Engine) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return e.Repo.GetEvent(ctx, id)
}

func (e Engine) ListEvents(ctx context.Context, ownerID string) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, ownerID)
}

func (e Engine) ListRuns(ctx context.Context, eventID string) ([]domain.Run, error) {
	if _, err := e.Repo.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return e.Repo.ListRuns(ctx, eventID)
}

func (e Engine) ListJournal(ctx context.Context, eventID string, limit int) ([]domain.JournalEntry, error) {
	return e.Repo.ListJournal(ctx, eventID, limit)
}

// Submit moves a draft to awaiting_approval and mints the approval
// capability token. The token reaches reviewers through the notifier only;
// handing it to the submitter would let an owner approve their own event.
func (e Engine) Submit(ctx context.Context, eventID string, actor domain.Actor) (domain.Event, error) {
	return e.transition(ctx, eventID, domain.TransitionSubmit, actor,
		func(ev domain.Event) error {
			return auth.CheckOwner(actor, ev, domain.TransitionSubmit)
		},
		func(ctx context.Context, tx *sql.Tx, ev *domain.Event, payload audit.Payload, note *notify.Notification) error {
			t, err := e.Tokens.Issue(ev.ID, token.ActionApprove)
			if err != nil {
				return fmt.Errorf("issue approval token: %w", err)
			}
			note.ApprovalToken = t
			// the journal is readable by any actor, so it records a
			// fingerprint rather than the credential itself
			payload["approval_token_hint"] = token.Hint(t)
			return nil
		})
}

// Approve moves awaiting_approval to approved. Privileged actors only.
func (e Engine) Approve(ctx context.Context, eventID string, actor domain.Actor) (domain.Event, error) {
	return e.transition(ctx, eventID, domain.TransitionApprove, actor,
		func(domain.Event) error {
			return auth.CheckPrivileged(actor, domain.TransitionApprove)
		}, nil)
}

// MintApprovalToken reissues the approval capability for an event already
// awaiting approval, for when the original link expired. Privileged only.
func (e Engine) MintApprovalToken(ctx context.Context, eventID string, actor domain.Actor) (string, error) {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	if err := auth.CheckPrivileged(actor, domain.TransitionApprove); err != nil {
		return "", err
	}
	if ev.State != domain.StateAwaitingApproval {
		return "", domain.IllegalTransitionError{EventID: ev.ID, From: ev.State, Transition: domain.TransitionApprove}
	}
	return e.Tokens.Issue(ev.ID, token.ActionApprove)
}

// ApproveByToken approves the event a capability token is scoped to.
func (e Engine) ApproveByToken(ctx context.Context, raw string) (domain.Event, error) {
	eventID, err := e.Tokens.Verify(raw, token.ActionApprove)
	if err != nil {
		return domain.Event{}, fmt.Errorf("approval token: %w", err)
	}
	return e.Approve(ctx, eventID, domain.Actor{ID: "approval-token", Privileged: true})
}

// Publish moves approved to published and materializes runs atomically: if
// run creation fails, the state change is rolled back with it.
func (e Engine) Publish(ctx context.Context, eventID string, actor domain.Actor) (domain.Event, []domain.Run, error) {
	var runs []domain.Run
	ev, err := e.transition(ctx, eventID, domain.TransitionPublish, actor,
		func(ev domain.Event) error {
			return auth.CheckOwner(actor, ev, domain.TransitionPublish)
		},
		func(ctx context.Context, tx *sql.Tx, ev *domain.Event, payload audit.Payload, _ *notify.Notification) error {
			created, err := e.materialize(ctx, tx, *ev)
			if err != nil {
				return err
			}
			runs = created
			payload["runs_created"] = len(created)
			return nil
		})
	if err != nil {
		return domain.Event{}, nil, err
	}
	return ev, runs, nil
}

// Cancel moves published to canceled. Runs already materialized stay.
func (e Engine) Cancel(ctx context.Context, eventID string, actor domain.Actor) (domain.Event, error) {
	return e.transition(ctx, eventID, domain.TransitionCancel, actor,
		func(ev domain.Event) error {
			return auth.CheckOwner(actor, ev, domain.TransitionCancel)
		}, nil)
}

// transition is the shared orchestration path: load, guard, CAS the state,
// run the transition body and the journal append in one transaction, then
// notify. Notification failures never fail the transition.
func (e Engine) transition(
	ctx context.Context,
	eventID string,
	tr domain.Transition,
	actor domain.Actor,
	guard func(domain.Event) error,
	within func(ctx context.Context, tx *sql.Tx, ev *domain.Event, payload audit.Payload, note *notify.Notification) error,
) (domain.Event, error) {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	to, err := nextState(ev.ID, ev.State, tr)
	if err != nil {
		return domain.Event{}, err
	}
	if guard != nil {
		if err := guard(ev); err != nil {
			return domain.Event{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	if err := e.Repo.SwapEventState(ctx, tx, ev.ID, ev.State, to, now); err != nil {
		return domain.Event{}, err
	}
	payload := audit.Payload{"from": ev.State, "to": to}
	note := notify.Notification{Transition: tr}
	if within != nil {
		if err := within(ctx, tx, &ev, payload, &note); err != nil {
			return domain.Event{}, err
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, now); err != nil {
		return domain.Event{}, err
	}
	if err := e.Journal.Append(ctx, tx, journalKinds[tr], ev.ID, actor.ID, payload); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}

	ev.State = to
	ev.UpdatedAt = now
	if e.Notifier != nil {
		note.Event = ev
		if err := e.Notifier.Notify(ctx, note); err != nil {
			log.Printf("notify: %s for event %s failed: %v", tr, ev.ID, err)
		}
	}
	return ev, nil
}
