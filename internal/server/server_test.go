package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/engine"
	"runline/internal/engine/auth"
	"runline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.GrantRole(context.Background(), "boss", auth.RoleApprover); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:        cfg.Auth.JWTSecret,
			AllowActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var (
	asOwner    = map[string]string{"X-Actor-Id": "tester"}
	asApprover = map[string]string{"X-Actor-Id": "boss"}
)

func createTestEvent(t *testing.T, srv *testServer, body map[string]any) EventResponse {
	t.Helper()
	if body == nil {
		body = map[string]any{
			"name":      "Morning jog",
			"date":      "2024-01-01",
			"starts_at": "08:30",
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/events", body, asOwner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create event status %d: %s", res.StatusCode, string(data))
	}
	var created EventResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return created
}

func TestEventLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestEvent(t, srv, nil)
	if created.State != "draft" {
		t.Fatalf("expected draft, got %s", created.State)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/submit", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted EventResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.State != "awaiting_approval" {
		t.Fatalf("unexpected submit response: %+v", submitted)
	}
	if bytes.Contains(data, []byte("approval_token")) {
		t.Fatalf("submit response must not hand the submitter an approval token: %s", string(data))
	}

	// reviewers fetch the link through the privileged mint endpoint
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/approval-token", nil, asApprover)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mint token status %d: %s", res.StatusCode, string(data))
	}
	var minted struct {
		ApprovalToken string `json:"approval_token"`
	}
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("unmarshal minted token: %v", err)
	}
	if minted.ApprovalToken == "" {
		t.Fatal("expected minted approval token")
	}

	// approval link carries its own credential, no headers needed
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/approvals/"+minted.ApprovalToken, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve by token status %d: %s", res.StatusCode, string(data))
	}
	var approved EventResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if approved.State != "approved" {
		t.Fatalf("expected approved, got %s", approved.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/publish", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var published PublishResponse
	if err := json.Unmarshal(data, &published); err != nil {
		t.Fatalf("unmarshal publish: %v", err)
	}
	if published.Event.State != "published" || published.RunsCreated != 1 {
		t.Fatalf("unexpected publish response: %+v", published)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events/"+created.ID+"/runs", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d: %s", res.StatusCode, string(data))
	}
	var runs RunListResponse
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs.Items) != 1 || runs.Items[0].Date != "2024-01-01" || runs.Items[0].StartsAt != "08:30" {
		t.Fatalf("unexpected runs: %+v", runs.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/cancel", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var canceled EventResponse
	if err := json.Unmarshal(data, &canceled); err != nil {
		t.Fatalf("unmarshal cancel: %v", err)
	}
	if canceled.State != "canceled" {
		t.Fatalf("expected canceled, got %s", canceled.State)
	}
}

func TestApproveWithRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestEvent(t, srv, nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/submit", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/approve", nil, asApprover)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	// owner without the approver role gets 403
	other := createTestEvent(t, srv, map[string]any{
		"name":      "Second",
		"date":      "2024-02-01",
		"starts_at": "10:00",
	})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+other.ID+"/submit", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+other.ID+"/approve", nil, asOwner)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", envelope.Error.Code)
	}
}

func TestIllegalTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createTestEvent(t, srv, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/publish", nil, asOwner)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "illegal_transition" {
		t.Fatalf("expected illegal_transition, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["from"] != "draft" {
		t.Fatalf("expected from=draft in details, got %v", envelope.Error.Details)
	}
}

func TestRecurringPublishOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestEvent(t, srv, map[string]any{
		"name":                   "Weekly standup",
		"date":                   "2024-01-01",
		"starts_at":              "09:00",
		"recurrent":              true,
		"repeats_on":             []bool{true, false, true, false, false, false, false},
		"ends_after_occurrences": 3,
	})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/submit", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/approve", nil, asApprover)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/publish", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var published PublishResponse
	if err := json.Unmarshal(data, &published); err != nil {
		t.Fatalf("unmarshal publish: %v", err)
	}
	if published.RunsCreated != 6 {
		t.Fatalf("expected 6 runs (3 mondays + 3 wednesdays), got %d", published.RunsCreated)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", res.StatusCode)
	}
}

func TestJournalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestEvent(t, srv, nil)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/journal?event_id="+created.ID, nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("journal status %d: %s", res.StatusCode, string(data))
	}
	var journal JournalListResponse
	if err := json.Unmarshal(data, &journal); err != nil {
		t.Fatalf("unmarshal journal: %v", err)
	}
	if len(journal.Items) == 0 || journal.Items[0].Kind != "event.created" {
		t.Fatalf("expected event.created entry, got %+v", journal.Items)
	}
}

func TestJournalWithholdsApprovalToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createTestEvent(t, srv, nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/events/"+created.ID+"/submit", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/journal?event_id="+created.ID, nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("journal status %d: %s", res.StatusCode, string(data))
	}
	var journal JournalListResponse
	if err := json.Unmarshal(data, &journal); err != nil {
		t.Fatalf("unmarshal journal: %v", err)
	}
	var hint string
	for _, item := range journal.Items {
		if item.Kind != "event.submitted" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if _, ok := payload["approval_token"]; ok {
			t.Fatalf("journal serves the raw approval token: %s", item.Payload)
		}
		hint, _ = payload["approval_token_hint"].(string)
	}
	if hint == "" {
		t.Fatal("expected approval_token_hint on the submitted entry")
	}

	// the hint never passes token verification
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/approvals/"+hint, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("journal hint must not approve, got %d: %s", res.StatusCode, string(data))
	}
}
