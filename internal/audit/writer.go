// Package audit appends lifecycle journal entries inside the transaction
// that performs the change, so the journal and the state never diverge.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append writes one journal row within tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind, eventID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal journal payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO journal(ts,kind,event_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, kind, eventID, actorID, string(data))
	return err
}
