package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"runline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const (
	dateLayout = "2006-01-02"
	tsLayout   = time.RFC3339
)

const eventColumns = `id,owner_id,name,COALESCE(description,''),COALESCE(country,''),COALESCE(city,''),
COALESCE(street,''),COALESCE(house_number,''),COALESCE(postal_code,''),date,starts_at,recurrent,
COALESCE(repeats_on,''),ends_on_one_year,ends_after_occurrences,COALESCE(ends_on,''),state,created_at,updated_at`

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	mask, err := json.Marshal(e.RepeatsOn)
	if err != nil {
		return fmt.Errorf("marshal weekday mask: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO events(id,owner_id,name,description,country,city,street,house_number,postal_code,
date,starts_at,recurrent,repeats_on,ends_on_one_year,ends_after_occurrences,ends_on,state,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OwnerID, e.Name, nullable(e.Description), nullable(e.Country), nullable(e.City),
		nullable(e.Street), nullable(e.HouseNumber), nullable(e.PostalCode),
		e.Date.UTC().Format(dateLayout), e.StartsAt, boolInt(e.Recurrent), string(mask),
		boolInt(e.Termination.OneYear), e.Termination.AfterOccurrences, nullableDate(e.Termination.On),
		string(e.State), e.CreatedAt.UTC().Format(tsLayout), e.UpdatedAt.UTC().Format(tsLayout))
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

func (r Repo) ListEvents(ctx context.Context, ownerID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SwapEventState flips the event state only if it still matches from. Zero
// rows affected after a successful load means a concurrent writer won.
func (r Repo) SwapEventState(ctx context.Context, tx *sql.Tx, id string, from, to domain.EventState, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET state=?, updated_at=? WHERE id=? AND state=?`,
		string(to), now.UTC().Format(tsLayout), id, string(from))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id=?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
		return domain.ConflictError{EventID: id}
	}
	return nil
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var (
		e                      domain.Event
		dateStr, maskJSON      string
		recurrent, oneYear     int
		endsOn                 string
		createdStr, updatedStr string
		stateStr               string
	)
	err := scan(&e.ID, &e.OwnerID, &e.Name, &e.Description, &e.Country, &e.City,
		&e.Street, &e.HouseNumber, &e.PostalCode, &dateStr, &e.StartsAt, &recurrent,
		&maskJSON, &oneYear, &e.Termination.AfterOccurrences, &endsOn, &stateStr,
		&createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Recurrent = recurrent != 0
	e.Termination.OneYear = oneYear != 0
	if maskJSON != "" {
		if err := json.Unmarshal([]byte(maskJSON), &e.RepeatsOn); err != nil {
			return e, fmt.Errorf("decode weekday mask: %w", err)
		}
	}
	if e.Date, err = time.ParseInLocation(dateLayout, dateStr, time.UTC); err != nil {
		return e, fmt.Errorf("decode anchor date: %w", err)
	}
	if endsOn != "" {
		if e.Termination.On, err = time.ParseInLocation(dateLayout, endsOn, time.UTC); err != nil {
			return e, fmt.Errorf("decode end date: %w", err)
		}
	}
	if e.State, err = domain.ParseState(stateStr); err != nil {
		return e, err
	}
	if e.CreatedAt, err = time.Parse(tsLayout, createdStr); err != nil {
		return e, fmt.Errorf("decode created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(tsLayout, updatedStr); err != nil {
		return e, fmt.Errorf("decode updated_at: %w", err)
	}
	return e, nil
}

// Journal queries.

func (r Repo) ListJournal(ctx context.Context, eventID string, limit int) ([]domain.JournalEntry, error) {
	query := `SELECT id,ts,kind,COALESCE(event_id,''),actor_id,payload_json FROM journal`
	var args []any
	if eventID != "" {
		query += ` WHERE event_id=?`
		args = append(args, eventID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JournalEntry
	for rows.Next() {
		var j domain.JournalEntry
		if err := rows.Scan(&j.ID, &j.TS, &j.Kind, &j.EventID, &j.ActorID, &j.Payload); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// JournalAfter returns up to limit entries with id greater than cursor, in
// ascending id order. The notification dispatcher pages with it.
func (r Repo) JournalAfter(ctx context.Context, limit int, cursor int64) ([]domain.JournalEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,kind,COALESCE(event_id,''),actor_id,payload_json FROM journal WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JournalEntry
	for rows.Next() {
		var j domain.JournalEntry
		if err := rows.Scan(&j.ID, &j.TS, &j.Kind, &j.EventID, &j.ActorID, &j.Payload); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r Repo) LatestJournalID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM journal`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Actors and roles.

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now time.Time) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`,
		actorID, now.UTC().Format(tsLayout))
	return err
}

func (r Repo) GrantRole(ctx context.Context, actorID, role string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, time.Now()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role) VALUES (?,?)`, actorID, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ActorHasRole(ctx context.Context, actorID, role string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE actor_id=? AND role=? LIMIT 1`, actorID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode date: %w", err)
	}
	return t, nil
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp: %w", err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
