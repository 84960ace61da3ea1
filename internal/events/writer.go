package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

const (
	TypeFactRecorded       = "fact.recorded"
	TypeFirstBlood         = "first_blood"
	TypeOutstandingRebuilt = "outstanding.rebuilt"
	TypeSyncCompleted      = "sync.completed"
	TypePollCompleted      = "poll.completed"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is the subject of one event; empty fields are stored as NULL.
type Record struct {
	Type     string
	RunID    string
	Kind     string
	ItemKey  string
	MemberID string
	Payload  EventPayload
}

type runIDKey struct{}

// WithRunID tags ctx so events appended under it carry the run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if rec.RunID == "" {
		rec.RunID = RunID(ctx)
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,kind,item_key,member_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.RunID), nullable(rec.Kind), nullable(rec.ItemKey), nullable(rec.MemberID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
