package repo

import (
	"context"
	"database/sql"

	"runline/internal/domain"
)

// InsertRunTx writes one run within the publish transaction. Runs are only
// ever created there, so there is no non-tx variant.
func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,event_id,date,starts_at,created_at) VALUES (?,?,?,?,?)`,
		run.ID, run.EventID, run.Date.UTC().Format(dateLayout), run.StartsAt, run.CreatedAt.UTC().Format(tsLayout))
	return err
}

func (r Repo) ListRuns(ctx context.Context, eventID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,event_id,date,starts_at,created_at FROM runs WHERE event_id=? ORDER BY date ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var (
		run                 domain.Run
		dateStr, createdStr string
	)
	if err := scan(&run.ID, &run.EventID, &dateStr, &run.StartsAt, &createdStr); err != nil {
		return run, err
	}
	var err error
	if run.Date, err = parseDate(dateStr); err != nil {
		return run, err
	}
	if run.CreatedAt, err = parseTS(createdStr); err != nil {
		return run, err
	}
	return run, nil
}
