package notify_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"runline/internal/audit"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/migrate"
	"runline/internal/notify"
	"runline/internal/repo"
)

func newJournalDB(t *testing.T) (*sql.DB, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn, repo.Repo{DB: conn}
}

func appendEntry(t *testing.T, conn *sql.DB, kind, eventID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	w := audit.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES ('tester', '2024-01-01T09:00:00Z')`); err != nil {
		t.Fatalf("seed actor: %v", err)
	}
	if err := w.Append(ctx, tx, kind, eventID, "tester", audit.Payload{"note": "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestDispatcherDeliversNewEntries(t *testing.T) {
	conn, r := newJournalDB(t)

	var mu sync.Mutex
	var got []map[string]any
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		body["_kind_header"] = req.Header.Get("X-Runline-Kind")
		mu.Lock()
		got = append(got, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	d := notify.NewDispatcher(r, []config.WebhookConfig{{URL: receiver.URL}})
	if d == nil {
		t.Fatal("expected dispatcher")
	}
	ctx := context.Background()
	// first pass pins the cursor at the current journal head
	d.DispatchAll(ctx)

	appendEntry(t, conn, "event.published", "evt-1")
	appendEntry(t, conn, "event.canceled", "evt-1")
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0]["kind"] != "event.published" || got[0]["_kind_header"] != "event.published" {
		t.Fatalf("unexpected first delivery: %v", got[0])
	}
	if got[1]["kind"] != "event.canceled" {
		t.Fatalf("unexpected second delivery: %v", got[1])
	}
}

func TestDispatcherFiltersKinds(t *testing.T) {
	conn, r := newJournalDB(t)

	var mu sync.Mutex
	var kinds []string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		kinds = append(kinds, req.Header.Get("X-Runline-Kind"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	d := notify.NewDispatcher(r, []config.WebhookConfig{{
		URL:    receiver.URL,
		Events: []string{"event.published"},
	}})
	ctx := context.Background()
	d.DispatchAll(ctx)

	appendEntry(t, conn, "event.submitted", "evt-1")
	appendEntry(t, conn, "event.published", "evt-1")
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != "event.published" {
		t.Fatalf("expected only event.published, got %v", kinds)
	}
}

func TestNewDispatcherWithoutHooks(t *testing.T) {
	_, r := newJournalDB(t)
	if d := notify.NewDispatcher(r, nil); d != nil {
		t.Fatal("expected nil dispatcher when no webhooks configured")
	}
}
