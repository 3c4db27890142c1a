package runlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Runline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event represents the API event model.
type Event struct {
	ID                   string `json:"id"`
	OwnerID              string `json:"owner_id"`
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	Country              string `json:"country,omitempty"`
	City                 string `json:"city,omitempty"`
	Street               string `json:"street,omitempty"`
	HouseNumber          string `json:"house_number,omitempty"`
	PostalCode           string `json:"postal_code,omitempty"`
	Date                 string `json:"date"`
	StartsAt             string `json:"starts_at"`
	Recurrent            bool   `json:"recurrent"`
	RepeatsOn            []bool `json:"repeats_on,omitempty"`
	EndsOnOneYear        bool   `json:"ends_on_one_year,omitempty"`
	EndsAfterOccurrences int    `json:"ends_after_occurrences,omitempty"`
	EndsOn               string `json:"ends_on,omitempty"`
	State                string `json:"state"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

// Run represents one materialized occurrence.
type Run struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	Date      string `json:"date"`
	StartsAt  string `json:"starts_at"`
	CreatedAt string `json:"created_at"`
}

// JournalEntry represents a lifecycle journal record.
type JournalEntry struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Kind    string `json:"kind"`
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// CreateEventRequest holds the fields for a new draft.
type CreateEventRequest struct {
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	Country              string `json:"country,omitempty"`
	City                 string `json:"city,omitempty"`
	Street               string `json:"street,omitempty"`
	HouseNumber          string `json:"house_number,omitempty"`
	PostalCode           string `json:"postal_code,omitempty"`
	Date                 string `json:"date"`
	StartsAt             string `json:"starts_at"`
	Recurrent            bool   `json:"recurrent,omitempty"`
	RepeatsOn            []bool `json:"repeats_on,omitempty"`
	EndsOnOneYear        bool   `json:"ends_on_one_year,omitempty"`
	EndsAfterOccurrences int    `json:"ends_after_occurrences,omitempty"`
	EndsOn               string `json:"ends_on,omitempty"`
}

// PublishResult couples the updated event with the number of runs created.
type PublishResult struct {
	Event       Event `json:"event"`
	RunsCreated int   `json:"runs_created"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEvent creates a draft event.
func (c *Client) CreateEvent(ctx context.Context, req CreateEventRequest) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "v1/events", req, &resp)
	return resp, err
}

// GetEvent fetches one event.
func (c *Client) GetEvent(ctx context.Context, id string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, eventPath(id, ""), nil, &resp)
	return resp, err
}

// ListEvents lists events, optionally filtered by owner.
func (c *Client) ListEvents(ctx context.Context, owner string) ([]Event, error) {
	endpoint := "v1/events"
	if owner != "" {
		endpoint += "?owner=" + url.QueryEscape(owner)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Submit moves a draft into awaiting_approval. The approval token is sent
// to reviewers out of band; privileged clients can reissue one with
// ApprovalToken.
func (c *Client) Submit(ctx context.Context, id string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, eventPath(id, "submit"), nil, &resp)
	return resp, err
}

// ApprovalToken reissues the approval capability for a submitted event.
// Requires a privileged credential.
func (c *Client) ApprovalToken(ctx context.Context, id string) (string, error) {
	var resp struct {
		ApprovalToken string `json:"approval_token"`
	}
	err := c.do(ctx, http.MethodPost, eventPath(id, "approval-token"), nil, &resp)
	return resp.ApprovalToken, err
}

// Approve approves a submitted event as a privileged actor.
func (c *Client) Approve(ctx context.Context, id string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, eventPath(id, "approve"), nil, &resp)
	return resp, err
}

// ApproveByToken approves using a capability token instead of credentials.
func (c *Client) ApproveByToken(ctx context.Context, token string) (Event, error) {
	var resp Event
	endpoint := "v1/approvals/" + url.PathEscape(token)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Publish publishes an approved event, materializing its runs.
func (c *Client) Publish(ctx context.Context, id string) (PublishResult, error) {
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, eventPath(id, "publish"), nil, &resp)
	return resp, err
}

// Cancel cancels a published event. Runs stay.
func (c *Client) Cancel(ctx context.Context, id string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, eventPath(id, "cancel"), nil, &resp)
	return resp, err
}

// Runs lists the materialized runs of an event.
func (c *Client) Runs(ctx context.Context, id string) ([]Run, error) {
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, eventPath(id, "runs"), nil, &resp)
	return resp.Items, err
}

// Journal returns recent journal entries, optionally scoped to one event.
func (c *Client) Journal(ctx context.Context, eventID string, limit int) ([]JournalEntry, error) {
	endpoint := "v1/journal"
	params := url.Values{}
	if eventID != "" {
		params.Set("event_id", eventID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []JournalEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func eventPath(id, action string) string {
	p := "v1/events/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
