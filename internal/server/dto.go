package server

import (
	json "github.com/goccy/go-json"

	"htbtracker/internal/domain"
	"htbtracker/internal/engine"
)

type outstandingList struct {
	Items []domain.OutstandingEntry `json:"items"`
	Total int                       `json:"total"`
}

type BoardResponse struct {
	domain.Board
	Counts map[string]int `json:"counts"`
}

type memberList struct {
	Items []domain.Member `json:"items"`
}

type factList struct {
	Member domain.Member           `json:"member"`
	Items  []domain.CompletionFact `json:"items"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	RunID    string         `json:"run_id,omitempty"`
	Kind     string         `json:"kind,omitempty"`
	ItemKey  string         `json:"item_key,omitempty"`
	MemberID string         `json:"member_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// StatsResponse summarises stored state per kind.
type StatsResponse struct {
	Members     int            `json:"members"`
	Facts       map[string]int `json:"facts"`
	Outstanding map[string]int `json:"outstanding"`
}

type RebuildResponse struct {
	Counts       map[string]int `json:"counts"`
	Total        int            `json:"total"`
	FlagFailures []string       `json:"flag_failures,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
}

func outstandingResponse(items []domain.OutstandingEntry) outstandingList {
	items = nonNilSlice(items)
	return outstandingList{Items: items, Total: len(items)}
}

func boardResponse(b domain.Board) BoardResponse {
	b.Challenges = nonNilSlice(b.Challenges)
	b.Machines = nonNilSlice(b.Machines)
	b.Fortresses = nonNilSlice(b.Fortresses)
	return BoardResponse{Board: b, Counts: kindCounts(b.Counts())}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		RunID:    e.RunID,
		Kind:     e.Kind,
		ItemKey:  e.ItemKey,
		MemberID: e.MemberID,
		Payload:  decodeJSONMap(e.Payload),
	}
}

func rebuildResponse(r engine.RebuildResult) RebuildResponse {
	return RebuildResponse{
		Counts:       kindCounts(r.Counts),
		Total:        r.Total(),
		FlagFailures: r.FlagFailures,
		DurationMS:   r.Duration.Milliseconds(),
	}
}

// kindCounts reports every kind, zero included.
func kindCounts(in map[domain.OutstandingKind]int) map[string]int {
	out := make(map[string]int, len(domain.OutstandingKinds))
	for _, k := range domain.OutstandingKinds {
		out[string(k)] = in[k]
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
