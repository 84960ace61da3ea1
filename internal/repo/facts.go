package repo

import (
	"context"
	"database/sql"
	"fmt"

	"htbtracker/internal/domain"
)

// InsertFactTx stores f unless the same triple already exists. inserted is
// false for duplicates.
func (r Repo) InsertFactTx(ctx context.Context, tx *sql.Tx, f domain.CompletionFact) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	at := f.RecordedAt
	if at == "" {
		at = nowString()
	}
	var res sql.Result
	var err error
	switch f.Kind {
	case domain.KindChallenge:
		res, err = tx.ExecContext(ctx, `INSERT INTO challenge_completions(member_id,challenge_id,recorded_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
			f.MemberID, f.ItemID, at)
	case domain.KindMachine:
		res, err = tx.ExecContext(ctx, `INSERT INTO machine_flags(member_id,machine_id,flag,recorded_at) VALUES (?,?,?,?) ON CONFLICT DO NOTHING`,
			f.MemberID, f.ItemID, f.Flag, at)
	case domain.KindFortress:
		res, err = tx.ExecContext(ctx, `INSERT INTO fortress_flags(member_id,fortress_id,flag_title,recorded_at) VALUES (?,?,?,?) ON CONFLICT DO NOTHING`,
			f.MemberID, f.ItemID, f.Flag, at)
	}
	if err != nil {
		return false, fmt.Errorf("insert %s fact: %w", f.Kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountHolders returns how many distinct members hold key.
func CountHolders(ctx context.Context, q Querier, key domain.FactKey) (int, error) {
	var n int
	var err error
	switch key.Kind {
	case domain.KindChallenge:
		err = q.QueryRowContext(ctx, `SELECT COUNT(DISTINCT member_id) FROM challenge_completions WHERE challenge_id=?`,
			key.ItemID).Scan(&n)
	case domain.KindMachine:
		err = q.QueryRowContext(ctx, `SELECT COUNT(DISTINCT member_id) FROM machine_flags WHERE machine_id=? AND flag=?`,
			key.ItemID, key.Flag).Scan(&n)
	case domain.KindFortress:
		err = q.QueryRowContext(ctx, `SELECT COUNT(DISTINCT member_id) FROM fortress_flags WHERE fortress_id=? AND flag_title=?`,
			key.ItemID, key.Flag).Scan(&n)
	default:
		return 0, fmt.Errorf("invalid fact kind %q", key.Kind)
	}
	return n, err
}

// CompletedKeys returns the set of keys held by at least one member.
func CompletedKeys(ctx context.Context, q Querier) (map[domain.FactKey]struct{}, error) {
	rows, err := q.QueryContext(ctx, `
SELECT 'challenge', challenge_id, '' FROM challenge_completions
UNION
SELECT 'machine', machine_id, flag FROM machine_flags
UNION
SELECT 'fortress', fortress_id, flag_title FROM fortress_flags`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := map[domain.FactKey]struct{}{}
	for rows.Next() {
		var k domain.FactKey
		var kind string
		if err := rows.Scan(&kind, &k.ItemID, &k.Flag); err != nil {
			return nil, err
		}
		k.Kind = domain.Kind(kind)
		set[k] = struct{}{}
	}
	return set, rows.Err()
}

// ListFacts returns every fact of one member, oldest first.
func (r Repo) ListFacts(ctx context.Context, memberID string) ([]domain.CompletionFact, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT 'challenge', challenge_id, '', recorded_at FROM challenge_completions WHERE member_id=?
UNION ALL
SELECT 'machine', machine_id, flag, recorded_at FROM machine_flags WHERE member_id=?
UNION ALL
SELECT 'fortress', fortress_id, flag_title, recorded_at FROM fortress_flags WHERE member_id=?
ORDER BY 4, 1, 2, 3`, memberID, memberID, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletionFact
	for rows.Next() {
		f := domain.CompletionFact{MemberID: memberID}
		var kind string
		if err := rows.Scan(&kind, &f.ItemID, &f.Flag, &f.RecordedAt); err != nil {
			return nil, err
		}
		f.Kind = domain.Kind(kind)
		res = append(res, f)
	}
	return res, rows.Err()
}

// FactCounts returns the number of stored facts per kind.
func (r Repo) FactCounts(ctx context.Context) (map[domain.Kind]int, error) {
	out := map[domain.Kind]int{}
	for kind, table := range map[domain.Kind]string{
		domain.KindChallenge: "challenge_completions",
		domain.KindMachine:   "machine_flags",
		domain.KindFortress:  "fortress_flags",
	} {
		var n int
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table).Scan(&n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, nil
}
