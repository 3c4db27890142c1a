package server

import (
	"fmt"
	"time"

	"runline/internal/domain"
)

const dateLayout = "2006-01-02"

// Request payloads

type CreateEventRequest struct {
	Name                 string  `json:"name"`
	Description          *string `json:"description,omitempty"`
	Country              *string `json:"country,omitempty"`
	City                 *string `json:"city,omitempty"`
	Street               *string `json:"street,omitempty"`
	HouseNumber          *string `json:"house_number,omitempty"`
	PostalCode           *string `json:"postal_code,omitempty"`
	Date                 string  `json:"date" format:"date"`
	StartsAt             string  `json:"starts_at" example:"08:30"`
	Recurrent            bool    `json:"recurrent,omitempty"`
	RepeatsOn            []bool  `json:"repeats_on,omitempty" minItems:"7" maxItems:"7"`
	EndsOnOneYear        bool    `json:"ends_on_one_year,omitempty"`
	EndsAfterOccurrences int     `json:"ends_after_occurrences,omitempty" minimum:"0"`
	EndsOn               *string `json:"ends_on,omitempty" format:"date"`
}

// Response payloads

type EventResponse struct {
	ID                   string  `json:"id"`
	OwnerID              string  `json:"owner_id"`
	Name                 string  `json:"name"`
	Description          string  `json:"description,omitempty"`
	Country              string  `json:"country,omitempty"`
	City                 string  `json:"city,omitempty"`
	Street               string  `json:"street,omitempty"`
	HouseNumber          string  `json:"house_number,omitempty"`
	PostalCode           string  `json:"postal_code,omitempty"`
	Date                 string  `json:"date" format:"date"`
	StartsAt             string  `json:"starts_at"`
	Recurrent            bool    `json:"recurrent"`
	RepeatsOn            []bool  `json:"repeats_on,omitempty"`
	EndsOnOneYear        bool    `json:"ends_on_one_year,omitempty"`
	EndsAfterOccurrences int     `json:"ends_after_occurrences,omitempty"`
	EndsOn               *string `json:"ends_on,omitempty" format:"date"`
	State                string  `json:"state" enum:"draft,awaiting_approval,approved,published,canceled"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

type PublishResponse struct {
	Event       EventResponse `json:"event"`
	RunsCreated int           `json:"runs_created"`
}

type RunResponse struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	Date      string `json:"date" format:"date"`
	StartsAt  string `json:"starts_at"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
}

type RunListResponse struct {
	Items []RunResponse `json:"items"`
}

type JournalListResponse struct {
	Items []domain.JournalEntry `json:"items"`
}

// Converters

func toEventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:                   e.ID,
		OwnerID:              e.OwnerID,
		Name:                 e.Name,
		Description:          e.Description,
		Country:              e.Country,
		City:                 e.City,
		Street:               e.Street,
		HouseNumber:          e.HouseNumber,
		PostalCode:           e.PostalCode,
		Date:                 e.Date.Format(dateLayout),
		StartsAt:             e.StartsAt,
		Recurrent:            e.Recurrent,
		EndsOnOneYear:        e.Termination.OneYear,
		EndsAfterOccurrences: e.Termination.AfterOccurrences,
		State:                string(e.State),
		CreatedAt:            e.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            e.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if e.Recurrent {
		mask := make([]bool, len(e.RepeatsOn))
		copy(mask, e.RepeatsOn[:])
		resp.RepeatsOn = mask
	}
	if !e.Termination.On.IsZero() {
		endsOn := e.Termination.On.Format(dateLayout)
		resp.EndsOn = &endsOn
	}
	return resp
}

func toRunResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:        r.ID,
		EventID:   r.EventID,
		Date:      r.Date.Format(dateLayout),
		StartsAt:  r.StartsAt,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func parseDate(field, value string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD", field)
	}
	return t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
