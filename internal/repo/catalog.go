package repo

import (
	"context"
	"database/sql"
	"fmt"

	"htbtracker/internal/domain"
)

// UpsertChallenges replaces catalog rows by id. Rows without id or name are skipped.
func (r Repo) UpsertChallenges(ctx context.Context, items []domain.Challenge) (int, error) {
	n := 0
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		for _, c := range items {
			if c.ID == "" || c.Name == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO challenges(id,name,difficulty,points,category,retired,rating,solves,release_date,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, difficulty=excluded.difficulty, points=excluded.points, category=excluded.category,
retired=excluded.retired, rating=excluded.rating, solves=excluded.solves, release_date=excluded.release_date, updated_at=excluded.updated_at`,
				c.ID, c.Name, c.Difficulty, c.Points, c.Category, boolInt(c.Retired), c.Rating, c.Solves, c.ReleaseDate, now); err != nil {
				return fmt.Errorf("upsert challenge %s: %w", c.ID, err)
			}
			n++
		}
		return nil
	})
	return n, err
}

func (r Repo) UpsertMachines(ctx context.Context, items []domain.Machine) (int, error) {
	n := 0
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		for _, m := range items {
			if m.ID == "" || m.Name == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO machines(id,name,difficulty,points,os,retired,rating,solves,release_date,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, difficulty=excluded.difficulty, points=excluded.points, os=excluded.os,
retired=excluded.retired, rating=excluded.rating, solves=excluded.solves, release_date=excluded.release_date, updated_at=excluded.updated_at`,
				m.ID, m.Name, m.Difficulty, m.Points, m.OS, boolInt(m.Retired), m.Rating, m.Solves, m.ReleaseDate, now); err != nil {
				return fmt.Errorf("upsert machine %s: %w", m.ID, err)
			}
			n++
		}
		return nil
	})
	return n, err
}

func (r Repo) UpsertFortresses(ctx context.Context, items []domain.Fortress) (int, error) {
	n := 0
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		for _, f := range items {
			if f.ID == "" || f.ID == "0" || f.Name == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO fortresses(id,name,points,flag_count,is_new,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, points=excluded.points, flag_count=excluded.flag_count, is_new=excluded.is_new, updated_at=excluded.updated_at`,
				f.ID, f.Name, f.Points, f.FlagCount, boolInt(f.New), now); err != nil {
				return fmt.Errorf("upsert fortress %s: %w", f.ID, err)
			}
			n++
		}
		return nil
	})
	return n, err
}

func (r Repo) ListChallenges(ctx context.Context) ([]domain.Challenge, error) {
	return ListChallenges(ctx, r.DB)
}

func ListChallenges(ctx context.Context, q Querier) ([]domain.Challenge, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,name,difficulty,points,category,retired,rating,solves,release_date FROM challenges ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Challenge
	for rows.Next() {
		var c domain.Challenge
		if err := rows.Scan(&c.ID, &c.Name, &c.Difficulty, &c.Points, &c.Category,
			&c.Retired, &c.Rating, &c.Solves, &c.ReleaseDate); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) GetChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	var c domain.Challenge
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,difficulty,points,category,retired,rating,solves,release_date FROM challenges WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Difficulty, &c.Points, &c.Category, &c.Retired, &c.Rating, &c.Solves, &c.ReleaseDate)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	return ListMachines(ctx, r.DB)
}

func ListMachines(ctx context.Context, q Querier) ([]domain.Machine, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,name,difficulty,points,os,retired,rating,solves,release_date FROM machines ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		var m domain.Machine
		if err := rows.Scan(&m.ID, &m.Name, &m.Difficulty, &m.Points, &m.OS,
			&m.Retired, &m.Rating, &m.Solves, &m.ReleaseDate); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListFortresses(ctx context.Context) ([]domain.Fortress, error) {
	return ListFortresses(ctx, r.DB)
}

func ListFortresses(ctx context.Context, q Querier) ([]domain.Fortress, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,name,points,flag_count,is_new FROM fortresses ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Fortress
	for rows.Next() {
		var f domain.Fortress
		if err := rows.Scan(&f.ID, &f.Name, &f.Points, &f.FlagCount, &f.New); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// ReplaceFlagDefsTx stores the current flag set of one fortress.
func (r Repo) ReplaceFlagDefsTx(ctx context.Context, tx *sql.Tx, fortressID string, defs []domain.FlagDef) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM fortress_flag_defs WHERE fortress_id=?`, fortressID); err != nil {
		return err
	}
	for i, d := range defs {
		if d.Title == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO fortress_flag_defs(fortress_id,title,points,position) VALUES (?,?,?,?)`,
			fortressID, d.Title, d.Points, i); err != nil {
			return fmt.Errorf("insert flag def %s/%s: %w", fortressID, d.Title, err)
		}
	}
	return nil
}

// FlagDefs returns every cached fortress flag set keyed by fortress id.
func FlagDefs(ctx context.Context, q Querier) (map[string][]domain.FlagDef, error) {
	rows, err := q.QueryContext(ctx, `SELECT fortress_id,title,points FROM fortress_flag_defs ORDER BY fortress_id, position, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.FlagDef{}
	for rows.Next() {
		var id string
		var d domain.FlagDef
		if err := rows.Scan(&id, &d.Title, &d.Points); err != nil {
			return nil, err
		}
		res[id] = append(res[id], d)
	}
	return res, rows.Err()
}

func (r Repo) FlagDefs(ctx context.Context) (map[string][]domain.FlagDef, error) {
	return FlagDefs(ctx, r.DB)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
