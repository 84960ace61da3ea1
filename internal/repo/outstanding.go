package repo

import (
	"context"
	"database/sql"
	"fmt"

	"htbtracker/internal/domain"
)

// ReplaceOutstandingTx clears the table and inserts entries. Callers must
// hold tx for the whole replacement so readers never see a partial set.
func (r Repo) ReplaceOutstandingTx(ctx context.Context, tx *sql.Tx, entries []domain.OutstandingEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM outstanding`); err != nil {
		return fmt.Errorf("clear outstanding: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO outstanding(kind,item_key,name) VALUES (?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, string(e.Kind), e.Key, e.Name); err != nil {
			return fmt.Errorf("insert outstanding %s/%s: %w", e.Kind, e.Key, err)
		}
	}
	return nil
}

// RemoveOutstandingTx deletes one entry and reports whether it existed.
func (r Repo) RemoveOutstandingTx(ctx context.Context, tx *sql.Tx, kind domain.OutstandingKind, key string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM outstanding WHERE kind=? AND item_key=?`, string(kind), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListOutstanding(ctx context.Context, kind domain.OutstandingKind) ([]domain.OutstandingEntry, error) {
	return ListOutstanding(ctx, r.DB, kind)
}

// ListOutstanding returns entries of kind, or all entries when kind is empty.
func ListOutstanding(ctx context.Context, q Querier, kind domain.OutstandingKind) ([]domain.OutstandingEntry, error) {
	query := `SELECT kind,item_key,name FROM outstanding`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY kind, name, item_key`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutstandingEntry
	for rows.Next() {
		var e domain.OutstandingEntry
		var k string
		if err := rows.Scan(&k, &e.Key, &e.Name); err != nil {
			return nil, err
		}
		e.Kind = domain.OutstandingKind(k)
		res = append(res, e)
	}
	return res, rows.Err()
}
