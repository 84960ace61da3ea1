package engine

import (
	"context"
	"database/sql"
	"errors"

	"htbtracker/internal/domain"
	"htbtracker/internal/events"
	"htbtracker/internal/repo"
)

type ApplyResult struct {
	// Ignored is set for events that carry no trackable completion.
	Ignored bool `json:"ignored"`
	// New is set when the fact was not stored before.
	New  bool                  `json:"new"`
	Fact domain.CompletionFact `json:"fact"`
	// Cleared reports whether an outstanding entry was removed.
	Cleared    bool               `json:"cleared"`
	FirstBlood *domain.FirstBlood `json:"first_blood,omitempty"`
}

// Apply records a single activity event for member. When member becomes the
// sole holder of the fact, its outstanding entry is removed and a first-blood
// notice is returned.
func (e Engine) Apply(ctx context.Context, member domain.Member, ev domain.ActivityEvent) (ApplyResult, error) {
	var res ApplyResult
	fact, ok := ev.Fact(member.ID)
	if !ok {
		res.Ignored = true
		return res, nil
	}
	fact.RecordedAt = e.nowString()
	res.Fact = fact

	unlock := e.lock()
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.InsertFactTx(ctx, tx, fact)
	if err != nil {
		return res, err
	}
	if !inserted {
		return res, nil
	}
	res.New = true
	w := e.writer()
	kind, key := fact.Key().Outstanding()
	if err := w.Append(ctx, tx, events.Record{
		Type:     events.TypeFactRecorded,
		Kind:     string(kind),
		ItemKey:  key,
		MemberID: member.ID,
		Payload:  events.EventPayload{"name": ev.Name, "points": ev.Points, "date": ev.Date},
	}); err != nil {
		return res, err
	}

	holders, err := repo.CountHolders(ctx, tx, fact.Key())
	if err != nil {
		return res, err
	}
	if holders == 1 {
		if res.Cleared, err = e.Repo.RemoveOutstandingTx(ctx, tx, kind, key); err != nil {
			return res, err
		}
		fb, err := e.firstBlood(ctx, tx, member, fact, ev)
		if err != nil {
			return res, err
		}
		if err := w.Append(ctx, tx, events.Record{
			Type:     events.TypeFirstBlood,
			Kind:     string(kind),
			ItemKey:  key,
			MemberID: member.ID,
			Payload: events.EventPayload{
				"member":       member.Name,
				"name":         fb.ItemName,
				"sub_category": fb.SubCategory,
				"points":       fb.Points,
				"cleared":      res.Cleared,
			},
		}); err != nil {
			return res, err
		}
		res.FirstBlood = &fb
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// firstBlood builds the notice, preferring catalog names over feed names.
func (e Engine) firstBlood(ctx context.Context, tx *sql.Tx, member domain.Member, f domain.CompletionFact, ev domain.ActivityEvent) (domain.FirstBlood, error) {
	fb := domain.FirstBlood{
		Member:   member,
		Kind:     f.Kind,
		ItemID:   f.ItemID,
		ItemName: ev.Name,
		Points:   ev.Points,
	}
	switch f.Kind {
	case domain.KindChallenge:
		var name, category string
		err := tx.QueryRowContext(ctx, `SELECT name, category FROM challenges WHERE id=?`, f.ItemID).Scan(&name, &category)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fb, err
		}
		if name != "" {
			fb.ItemName = name
		}
		fb.SubCategory = category
	case domain.KindMachine:
		var name string
		err := tx.QueryRowContext(ctx, `SELECT name FROM machines WHERE id=?`, f.ItemID).Scan(&name)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fb, err
		}
		if name != "" {
			fb.ItemName = name
		}
		fb.SubCategory = f.Flag
	case domain.KindFortress:
		var name string
		err := tx.QueryRowContext(ctx, `SELECT name FROM fortresses WHERE id=?`, f.ItemID).Scan(&name)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fb, err
		}
		if name != "" {
			fb.ItemName = name
		}
		fb.SubCategory = f.Flag
	}
	return fb, nil
}

type RecordResult struct {
	Inserted int `json:"inserted"`
	Ignored  int `json:"ignored"`
	// Cleared counts outstanding entries removed because a fact had no
	// previous holder.
	Cleared int `json:"cleared"`
	// ByKind splits Inserted by item family.
	ByKind map[domain.Kind]int `json:"by_kind,omitempty"`
}

// Record stores a member's feed in one transaction. No notices are produced;
// it is the bulk path used by full sync.
func (e Engine) Record(ctx context.Context, memberID string, feed []domain.ActivityEvent) (RecordResult, error) {
	res := RecordResult{ByKind: map[domain.Kind]int{}}
	unlock := e.lock()
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	now := e.nowString()
	for _, ev := range feed {
		fact, ok := ev.Fact(memberID)
		if !ok {
			res.Ignored++
			continue
		}
		fact.RecordedAt = now
		inserted, err := e.Repo.InsertFactTx(ctx, tx, fact)
		if err != nil {
			return res, err
		}
		if !inserted {
			continue
		}
		res.Inserted++
		res.ByKind[fact.Kind]++
		holders, err := repo.CountHolders(ctx, tx, fact.Key())
		if err != nil {
			return res, err
		}
		if holders == 1 {
			kind, key := fact.Key().Outstanding()
			removed, err := e.Repo.RemoveOutstandingTx(ctx, tx, kind, key)
			if err != nil {
				return res, err
			}
			if removed {
				res.Cleared++
			}
		}
	}
	if res.Inserted > 0 {
		if err := e.writer().Append(ctx, tx, events.Record{
			Type:     events.TypeFactRecorded,
			MemberID: memberID,
			Payload:  events.EventPayload{"inserted": res.Inserted, "ignored": res.Ignored, "cleared": res.Cleared},
		}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}
