package engine

import (
	"context"
	"sort"

	"htbtracker/internal/domain"
	"htbtracker/internal/repo"
)

// Outstanding lists raw entries, filtered by kind when kind is non-empty.
func (e Engine) Outstanding(ctx context.Context, kind domain.OutstandingKind) ([]domain.OutstandingEntry, error) {
	return e.Repo.ListOutstanding(ctx, kind)
}

// Board groups outstanding entries per item and joins them with the catalog.
func (e Engine) Board(ctx context.Context) (domain.Board, error) {
	var b domain.Board
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()

	entries, err := repo.ListOutstanding(ctx, tx, "")
	if err != nil {
		return b, err
	}
	challenges, err := repo.ListChallenges(ctx, tx)
	if err != nil {
		return b, err
	}
	machines, err := repo.ListMachines(ctx, tx)
	if err != nil {
		return b, err
	}
	fortresses, err := repo.ListFortresses(ctx, tx)
	if err != nil {
		return b, err
	}
	defs, err := repo.FlagDefs(ctx, tx)
	if err != nil {
		return b, err
	}
	return buildBoard(entries, challenges, machines, fortresses, defs), nil
}

func buildBoard(entries []domain.OutstandingEntry, challenges []domain.Challenge, machines []domain.Machine,
	fortresses []domain.Fortress, defs map[string][]domain.FlagDef) domain.Board {
	chByID := map[string]domain.Challenge{}
	for _, c := range challenges {
		chByID[c.ID] = c
	}
	mByID := map[string]domain.Machine{}
	for _, m := range machines {
		mByID[m.ID] = m
	}
	fByID := map[string]domain.Fortress{}
	for _, f := range fortresses {
		fByID[f.ID] = f
	}

	b := domain.Board{
		Challenges: []domain.BoardChallenge{},
		Machines:   []domain.BoardMachine{},
		Fortresses: []domain.BoardFortress{},
	}
	machineIdx := map[string]int{}
	fortressIdx := map[string]int{}
	for _, e := range entries {
		switch e.Kind {
		case domain.OutstandingChallenge:
			bc := domain.BoardChallenge{ID: e.Key, Name: e.Name}
			if c, ok := chByID[e.Key]; ok {
				bc.Difficulty, bc.Category, bc.Points, bc.Known = c.Difficulty, c.Category, c.Points, true
			}
			b.Challenges = append(b.Challenges, bc)
		case domain.OutstandingMachineUser, domain.OutstandingMachineRoot:
			i, ok := machineIdx[e.Key]
			if !ok {
				bm := domain.BoardMachine{ID: e.Key, Name: e.Name}
				if m, ok := mByID[e.Key]; ok {
					bm.Difficulty, bm.OS, bm.Points, bm.Known = m.Difficulty, m.OS, m.Points, true
				}
				b.Machines = append(b.Machines, bm)
				i = len(b.Machines) - 1
				machineIdx[e.Key] = i
			}
			flag := domain.FlagUser
			if e.Kind == domain.OutstandingMachineRoot {
				flag = domain.FlagRoot
			}
			b.Machines[i].Missing = append(b.Machines[i].Missing, flag)
		case domain.OutstandingFortressFlag:
			id, title, ok := domain.SplitFortressKey(e.Key)
			if !ok {
				continue
			}
			i, seen := fortressIdx[id]
			if !seen {
				bf := domain.BoardFortress{ID: id, Name: e.Name}
				if f, ok := fByID[id]; ok {
					bf.FlagCount, bf.Known = f.FlagCount, true
				}
				if bf.FlagCount == 0 {
					bf.FlagCount = len(defs[id])
				}
				b.Fortresses = append(b.Fortresses, bf)
				i = len(b.Fortresses) - 1
				fortressIdx[id] = i
			}
			b.Fortresses[i].Missing = append(b.Fortresses[i].Missing, title)
		}
	}

	for i := range b.Machines {
		sort.Slice(b.Machines[i].Missing, func(x, y int) bool {
			return b.Machines[i].Missing[x] == domain.FlagUser && b.Machines[i].Missing[y] != domain.FlagUser
		})
	}
	for i := range b.Fortresses {
		f := &b.Fortresses[i]
		f.PointsRemaining = remainingPoints(f.Missing, defs[f.ID], fByID[f.ID])
		f.Missing = orderTitles(f.Missing, defs[f.ID])
	}
	sort.SliceStable(b.Challenges, func(i, j int) bool { return b.Challenges[i].Name < b.Challenges[j].Name })
	sort.SliceStable(b.Machines, func(i, j int) bool { return b.Machines[i].Name < b.Machines[j].Name })
	sort.SliceStable(b.Fortresses, func(i, j int) bool { return b.Fortresses[i].Name < b.Fortresses[j].Name })
	return b
}

// remainingPoints sums the points of missing flags. Without cached flag
// definitions the fortress total is used.
func remainingPoints(missing []string, defs []domain.FlagDef, f domain.Fortress) int {
	if len(defs) == 0 {
		return f.Points
	}
	pts := map[string]int{}
	for _, d := range defs {
		pts[d.Title] = d.Points
	}
	total := 0
	for _, m := range missing {
		total += pts[m]
	}
	return total
}

// orderTitles puts titles in flag-definition order; unknown titles go last.
func orderTitles(titles []string, defs []domain.FlagDef) []string {
	pos := map[string]int{}
	for i, d := range defs {
		pos[d.Title] = i
	}
	rank := func(t string) int {
		if p, ok := pos[t]; ok {
			return p
		}
		return len(defs)
	}
	out := append([]string(nil), titles...)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}
