package repo

import (
	"context"
	"database/sql"
	"fmt"

	"htbtracker/internal/domain"
)

// UpsertMembers refreshes member names. Members are never deleted.
func (r Repo) UpsertMembers(ctx context.Context, members []domain.Member) (int, error) {
	n := 0
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		for _, m := range members {
			if m.ID == "" || m.Name == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO members(id,name,updated_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, updated_at=excluded.updated_at`, m.ID, m.Name, now); err != nil {
				return fmt.Errorf("upsert member %s: %w", m.ID, err)
			}
			n++
		}
		return nil
	})
	return n, err
}

func (r Repo) ListMembers(ctx context.Context) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM members ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMember(ctx context.Context, id string) (domain.Member, error) {
	var m domain.Member
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM members WHERE id=?`, id).Scan(&m.ID, &m.Name)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}
