package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"htbtracker/internal/domain"
	"htbtracker/internal/events"
	"htbtracker/internal/logging"
	"htbtracker/internal/repo"
)

type RebuildResult struct {
	Counts map[domain.OutstandingKind]int `json:"counts"`
	// FlagFailures lists fortresses whose flag set could not be fetched.
	FlagFailures []string      `json:"flag_failures,omitempty"`
	Duration     time.Duration `json:"duration"`
}

func (r RebuildResult) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// snapshot is everything the set difference needs, read in one transaction.
type snapshot struct {
	Challenges []domain.Challenge
	Machines   []domain.Machine
	Fortresses []domain.Fortress
	Completed  map[domain.FactKey]struct{}
	// FlagDefs holds the flag titles to use per fortress. Fortresses absent
	// from the map fall back to Prior.
	FlagDefs map[string][]domain.FlagDef
	// Prior holds the previous fortress_flag entries keyed by fortress id.
	Prior map[string][]domain.OutstandingEntry
}

// Rebuild recomputes the outstanding table from the catalog and every stored
// fact, replacing it atomically.
func (e Engine) Rebuild(ctx context.Context) (RebuildResult, error) {
	start := e.now()
	res := RebuildResult{}

	fortresses, err := e.Repo.ListFortresses(ctx)
	if err != nil {
		return res, fmt.Errorf("list fortresses: %w", err)
	}
	fetched := map[string][]domain.FlagDef{}
	if e.Flags != nil {
		for _, f := range fortresses {
			defs, err := e.Flags.FortressFlags(ctx, f.ID)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				logging.Warn().Err(err).Str("fortress", f.ID).Msg("fortress flags unavailable, using cached set")
				res.FlagFailures = append(res.FlagFailures, f.ID)
				continue
			}
			fetched[f.ID] = defs
		}
	}

	unlock := e.lock()
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for id, defs := range fetched {
		if err := e.Repo.ReplaceFlagDefsTx(ctx, tx, id, defs); err != nil {
			return res, err
		}
	}
	snap, err := e.readSnapshot(ctx, tx)
	if err != nil {
		return res, err
	}
	// A successful fetch is authoritative even when it returned no flags.
	for id, defs := range fetched {
		snap.FlagDefs[id] = defs
	}
	entries := computeOutstanding(snap)
	if err := e.Repo.ReplaceOutstandingTx(ctx, tx, entries); err != nil {
		return res, err
	}
	res.Counts = countByKind(entries)
	payload := events.EventPayload{"total": len(entries)}
	for k, n := range res.Counts {
		payload[string(k)] = n
	}
	if len(res.FlagFailures) > 0 {
		payload["flag_failures"] = res.FlagFailures
	}
	if err := e.writer().Append(ctx, tx, events.Record{Type: events.TypeOutstandingRebuilt, Payload: payload}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Duration = e.now().Sub(start)
	return res, nil
}

func (e Engine) readSnapshot(ctx context.Context, tx *sql.Tx) (snapshot, error) {
	var snap snapshot
	var err error
	if snap.Challenges, err = repo.ListChallenges(ctx, tx); err != nil {
		return snap, fmt.Errorf("list challenges: %w", err)
	}
	if snap.Machines, err = repo.ListMachines(ctx, tx); err != nil {
		return snap, fmt.Errorf("list machines: %w", err)
	}
	if snap.Fortresses, err = repo.ListFortresses(ctx, tx); err != nil {
		return snap, fmt.Errorf("list fortresses: %w", err)
	}
	if snap.Completed, err = repo.CompletedKeys(ctx, tx); err != nil {
		return snap, fmt.Errorf("load facts: %w", err)
	}
	if snap.FlagDefs, err = repo.FlagDefs(ctx, tx); err != nil {
		return snap, fmt.Errorf("load flag defs: %w", err)
	}
	prior, err := repo.ListOutstanding(ctx, tx, domain.OutstandingFortressFlag)
	if err != nil {
		return snap, fmt.Errorf("load outstanding: %w", err)
	}
	snap.Prior = map[string][]domain.OutstandingEntry{}
	for _, p := range prior {
		id, _, ok := domain.SplitFortressKey(p.Key)
		if !ok {
			continue
		}
		snap.Prior[id] = append(snap.Prior[id], p)
	}
	return snap, nil
}

// computeOutstanding is the set difference between the catalog and the
// union of every member's facts.
func computeOutstanding(s snapshot) []domain.OutstandingEntry {
	held := func(k domain.FactKey) bool {
		_, ok := s.Completed[k]
		return ok
	}
	var out []domain.OutstandingEntry
	for _, c := range s.Challenges {
		if !held(domain.FactKey{Kind: domain.KindChallenge, ItemID: c.ID}) {
			out = append(out, domain.OutstandingEntry{Kind: domain.OutstandingChallenge, Key: c.ID, Name: c.Name})
		}
	}
	for _, m := range s.Machines {
		for _, flag := range domain.MachineFlags {
			key := domain.FactKey{Kind: domain.KindMachine, ItemID: m.ID, Flag: flag}
			if held(key) {
				continue
			}
			kind, id := key.Outstanding()
			out = append(out, domain.OutstandingEntry{Kind: kind, Key: id, Name: m.Name})
		}
	}
	for _, f := range s.Fortresses {
		defs, ok := s.FlagDefs[f.ID]
		if !ok {
			for _, p := range s.Prior[f.ID] {
				_, title, _ := domain.SplitFortressKey(p.Key)
				if !held(domain.FactKey{Kind: domain.KindFortress, ItemID: f.ID, Flag: title}) {
					out = append(out, domain.OutstandingEntry{Kind: p.Kind, Key: p.Key, Name: f.Name})
				}
			}
			continue
		}
		for _, d := range defs {
			if d.Title == "" || held(domain.FactKey{Kind: domain.KindFortress, ItemID: f.ID, Flag: d.Title}) {
				continue
			}
			out = append(out, domain.OutstandingEntry{
				Kind: domain.OutstandingFortressFlag,
				Key:  domain.FortressKey(f.ID, d.Title),
				Name: f.Name,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func countByKind(entries []domain.OutstandingEntry) map[domain.OutstandingKind]int {
	counts := map[domain.OutstandingKind]int{}
	for _, k := range domain.OutstandingKinds {
		counts[k] = 0
	}
	for _, e := range entries {
		counts[e.Kind]++
	}
	return counts
}
