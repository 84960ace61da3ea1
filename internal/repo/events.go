package repo

import (
	"context"
	"database/sql"

	"htbtracker/internal/domain"
)

type EventFilter struct {
	Type     string
	MemberID string
	Limit    int
	// Before restricts results to ids lower than it when positive.
	Before int64
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	query := `SELECT id,ts,type,run_id,kind,item_key,member_id,payload_json FROM events WHERE 1=1`
	args := []any{}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.MemberID != "" {
		query += ` AND member_id=?`
		args = append(args, f.MemberID)
	}
	if f.Before > 0 {
		query += ` AND id<?`
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, kind, itemKey, memberID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &kind, &itemKey, &memberID, &e.Payload); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		e.Kind = kind.String
		e.ItemKey = itemKey.String
		e.MemberID = memberID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
