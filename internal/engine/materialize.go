package engine

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"runline/internal/calendar"
	"runline/internal/domain"
)

// materialize turns the event's definition into run rows inside the publish
// transaction. A non-recurring event yields exactly one run at its own date
// and start time; a recurring one yields one run per expanded occurrence.
// Insert failures surface as MaterializationError and roll back the whole
// transition; expansion errors (missing termination policy) pass through
// unchanged.
func (e Engine) materialize(ctx context.Context, tx *sql.Tx, ev domain.Event) ([]domain.Run, error) {
	occurrences := []calendar.Occurrence{{Date: ev.Date, StartsAt: ev.StartsAt}}
	if ev.Recurrent {
		expanded, err := calendar.Expand(ev.Date, ev.StartsAt, ev.RepeatsOn, ev.Termination)
		if err != nil {
			return nil, err
		}
		occurrences = expanded
	}
	now := e.now().UTC()
	runs := make([]domain.Run, 0, len(occurrences))
	for _, occ := range occurrences {
		run := domain.Run{
			ID:        uuid.NewString(),
			EventID:   ev.ID,
			Date:      occ.Date,
			StartsAt:  occ.StartsAt,
			CreatedAt: now,
		}
		if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
			return nil, domain.MaterializationError{EventID: ev.ID, Err: err}
		}
		runs = append(runs, run)
	}
	return runs, nil
}
