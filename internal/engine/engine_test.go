package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"htbtracker/internal/db"
	"htbtracker/internal/domain"
	"htbtracker/internal/engine"
	"htbtracker/internal/migrate"
)

type fakeFlags struct {
	mu    sync.Mutex
	flags map[string][]domain.FlagDef
	fail  map[string]bool
	calls int
	// during runs on every fetch, while a rebuild is still gathering flags.
	during func(id string)
}

func (f *fakeFlags) FortressFlags(_ context.Context, id string) ([]domain.FlagDef, error) {
	f.mu.Lock()
	f.calls++
	fail, defs, during := f.fail[id], f.flags[id], f.during
	f.mu.Unlock()
	if during != nil {
		during(id)
	}
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return defs, nil
}

type testEnv struct {
	Engine engine.Engine
	Flags  *fakeFlags
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	flags := &fakeFlags{flags: map[string][]domain.FlagDef{}, fail: map[string]bool{}}
	eng := engine.New(conn, flags)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Flags: flags, Ctx: context.Background()}
}

func (env testEnv) seed(t *testing.T, ch []domain.Challenge, ms []domain.Machine, fs []domain.Fortress) {
	t.Helper()
	if _, err := env.Engine.Repo.UpsertChallenges(env.Ctx, ch); err != nil {
		t.Fatalf("seed challenges: %v", err)
	}
	if _, err := env.Engine.Repo.UpsertMachines(env.Ctx, ms); err != nil {
		t.Fatalf("seed machines: %v", err)
	}
	if _, err := env.Engine.Repo.UpsertFortresses(env.Ctx, fs); err != nil {
		t.Fatalf("seed fortresses: %v", err)
	}
}

func (env testEnv) keys(t *testing.T) []string {
	t.Helper()
	entries, err := env.Engine.Outstanding(env.Ctx, "")
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	out := []string{}
	for _, e := range entries {
		out = append(out, string(e.Kind)+":"+e.Key)
	}
	return out
}

func (env testEnv) rebuild(t *testing.T) engine.RebuildResult {
	t.Helper()
	res, err := env.Engine.Rebuild(env.Ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	return res
}

func (env testEnv) apply(t *testing.T, memberID string, ev domain.ActivityEvent) engine.ApplyResult {
	t.Helper()
	res, err := env.Engine.Apply(env.Ctx, domain.Member{ID: memberID, Name: "member-" + memberID}, ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return res
}

func machineFlag(id, flag string) domain.ActivityEvent {
	return domain.ActivityEvent{ObjectType: domain.KindMachine, ID: id, Type: flag, Name: "Zipper", Points: 30}
}

func fortressFlag(id, title string) domain.ActivityEvent {
	return domain.ActivityEvent{ObjectType: domain.KindFortress, ID: id, FlagTitle: title, Name: "Fort", Points: 10}
}

func challenge(id string) domain.ActivityEvent {
	return domain.ActivityEvent{ObjectType: domain.KindChallenge, ID: id, Name: "chal-" + id, Points: 20}
}

func assertKeys(t *testing.T, got []string, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("outstanding = %v, want %v", got, want)
	}
}

func TestZipperScenario(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, nil, []domain.Machine{{ID: "M1", Name: "Zipper", Difficulty: "Hard", Points: 40, OS: "Linux"}}, nil)
	env.rebuild(t)
	assertKeys(t, env.keys(t), "machine_root:M1", "machine_user:M1")

	res := env.apply(t, "U1", machineFlag("M1", domain.FlagUser))
	if res.FirstBlood == nil || !res.Cleared {
		t.Fatalf("expected first blood for U1 user, got %+v", res)
	}
	if res.FirstBlood.SubCategory != domain.FlagUser || res.FirstBlood.ItemName != "Zipper" {
		t.Fatalf("unexpected notice %+v", res.FirstBlood)
	}
	assertKeys(t, env.keys(t), "machine_root:M1")

	res = env.apply(t, "U2", machineFlag("M1", domain.FlagUser))
	if !res.New || res.FirstBlood != nil {
		t.Fatalf("second holder must not be first blood: %+v", res)
	}
	assertKeys(t, env.keys(t), "machine_root:M1")

	res = env.apply(t, "U1", machineFlag("M1", domain.FlagRoot))
	if res.FirstBlood == nil {
		t.Fatalf("expected first blood for U1 root")
	}
	assertKeys(t, env.keys(t))
}

func TestFortressScenario(t *testing.T) {
	env := newTestEnv(t)
	env.Flags.flags["F1"] = []domain.FlagDef{{Title: "A", Points: 10}, {Title: "B", Points: 20}}
	env.seed(t, nil, nil, []domain.Fortress{{ID: "F1", Name: "Fort", Points: 30, FlagCount: 2}})
	env.rebuild(t)
	assertKeys(t, env.keys(t), "fortress_flag:F1:A", "fortress_flag:F1:B")

	res := env.apply(t, "U1", fortressFlag("F1", "A"))
	if res.FirstBlood == nil || res.FirstBlood.SubCategory != "A" {
		t.Fatalf("expected first blood on F1:A, got %+v", res)
	}
	assertKeys(t, env.keys(t), "fortress_flag:F1:B")
}

func TestIdempotentInsert(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, []domain.Challenge{{ID: "C1", Name: "Crypto1"}}, nil, nil)
	first := env.apply(t, "U1", challenge("C1"))
	second := env.apply(t, "U1", challenge("C1"))
	if !first.New || second.New || second.FirstBlood != nil {
		t.Fatalf("duplicate apply changed state: first=%+v second=%+v", first, second)
	}
	feed := []domain.ActivityEvent{challenge("C1"), challenge("C2"), challenge("C2")}
	rec, err := env.Engine.Record(env.Ctx, "U1", feed)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Inserted != 1 {
		t.Fatalf("expected 1 insert, got %+v", rec)
	}
	facts, err := env.Engine.Repo.ListFacts(env.Ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
}

func TestOutstandingIffNoHolder(t *testing.T) {
	env := newTestEnv(t)
	env.Flags.flags["F1"] = []domain.FlagDef{{Title: "A"}, {Title: "B"}}
	env.seed(t,
		[]domain.Challenge{{ID: "C1", Name: "One"}, {ID: "C2", Name: "Two"}},
		[]domain.Machine{{ID: "M1", Name: "Box"}},
		[]domain.Fortress{{ID: "F1", Name: "Fort"}},
	)
	if _, err := env.Engine.Record(env.Ctx, "U1", []domain.ActivityEvent{challenge("C1"), machineFlag("M1", domain.FlagRoot)}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Record(env.Ctx, "U2", []domain.ActivityEvent{fortressFlag("F1", "B")}); err != nil {
		t.Fatal(err)
	}
	env.rebuild(t)
	assertKeys(t, env.keys(t), "challenge:C2", "fortress_flag:F1:A", "machine_user:M1")

	env.apply(t, "U3", challenge("C2"))
	env.apply(t, "U3", machineFlag("M1", domain.FlagUser))
	env.apply(t, "U1", fortressFlag("F1", "A"))
	assertKeys(t, env.keys(t))
}

func TestFirstBloodUniqueness(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, []domain.Challenge{{ID: "C1", Name: "One", Category: "Web"}}, nil, nil)
	env.rebuild(t)
	bloods := 0
	for _, m := range []string{"U1", "U2", "U3", "U1"} {
		if res := env.apply(t, m, challenge("C1")); res.FirstBlood != nil {
			bloods++
			if res.FirstBlood.SubCategory != "Web" || res.FirstBlood.ItemName != "One" {
				t.Fatalf("notice not enriched from catalog: %+v", res.FirstBlood)
			}
		}
	}
	if bloods != 1 {
		t.Fatalf("expected exactly one first blood, got %d", bloods)
	}
}

func TestRebuildApplyConvergence(t *testing.T) {
	seed := func(env testEnv) {
		env.Flags.flags["F1"] = []domain.FlagDef{{Title: "A"}, {Title: "B"}, {Title: "C"}}
		env.seed(t,
			[]domain.Challenge{{ID: "C1", Name: "One"}, {ID: "C2", Name: "Two"}, {ID: "C3", Name: "Three"}},
			[]domain.Machine{{ID: "M1", Name: "Box"}, {ID: "M2", Name: "Other"}},
			[]domain.Fortress{{ID: "F1", Name: "Fort"}},
		)
	}
	evs := []struct {
		member string
		ev     domain.ActivityEvent
	}{
		{"U1", challenge("C2")},
		{"U2", machineFlag("M2", domain.FlagRoot)},
		{"U1", fortressFlag("F1", "C")},
		{"U2", challenge("C2")},
	}

	incremental := newTestEnv(t)
	seed(incremental)
	incremental.rebuild(t)
	for _, e := range evs {
		incremental.apply(t, e.member, e.ev)
	}
	afterApply := incremental.keys(t)
	incremental.rebuild(t)
	afterRebuild := incremental.keys(t)

	direct := newTestEnv(t)
	seed(direct)
	for _, e := range evs {
		if _, err := direct.Engine.Record(direct.Ctx, e.member, []domain.ActivityEvent{e.ev}); err != nil {
			t.Fatal(err)
		}
	}
	direct.rebuild(t)

	assertKeys(t, afterApply, afterRebuild...)
	assertKeys(t, direct.keys(t), afterRebuild...)
}

func TestMachineFlagIndependence(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, nil, []domain.Machine{{ID: "M1", Name: "Box"}}, nil)
	env.rebuild(t)
	env.apply(t, "U1", machineFlag("M1", domain.FlagRoot))
	assertKeys(t, env.keys(t), "machine_user:M1")
	env.rebuild(t)
	assertKeys(t, env.keys(t), "machine_user:M1")
}

func TestApplyIgnoresUnknownSubtype(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, nil, []domain.Machine{{ID: "M1", Name: "Box"}}, nil)
	env.rebuild(t)
	for _, ev := range []domain.ActivityEvent{
		machineFlag("M1", "system"),
		{ObjectType: domain.KindFortress, ID: "F1"},
		{ObjectType: "endgame", ID: "E1"},
	} {
		res := env.apply(t, "U1", ev)
		if !res.Ignored || res.New {
			t.Fatalf("expected ignored event %+v, got %+v", ev, res)
		}
	}
	assertKeys(t, env.keys(t), "machine_root:M1", "machine_user:M1")
}

func TestRebuildFlagSourceFailureFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.Flags.flags["F1"] = []domain.FlagDef{{Title: "A", Points: 10}, {Title: "B", Points: 20}}
	env.Flags.flags["F2"] = []domain.FlagDef{{Title: "X"}}
	env.seed(t, nil, nil, []domain.Fortress{{ID: "F1", Name: "Fort"}, {ID: "F2", Name: "Keep"}})
	env.rebuild(t)

	// F1 falls back to cached definitions.
	env.Flags.fail["F1"] = true
	if _, err := env.Engine.Record(env.Ctx, "U1", []domain.ActivityEvent{fortressFlag("F1", "A")}); err != nil {
		t.Fatal(err)
	}
	res := env.rebuild(t)
	if !reflect.DeepEqual(res.FlagFailures, []string{"F1"}) {
		t.Fatalf("flag failures = %v", res.FlagFailures)
	}
	assertKeys(t, env.keys(t), "fortress_flag:F1:B", "fortress_flag:F2:X")
	if res.Counts[domain.OutstandingFortressFlag] != 2 || res.Total() != 2 {
		t.Fatalf("unexpected counts %+v", res.Counts)
	}
}

func TestRebuildCarriesForwardWithoutCache(t *testing.T) {
	env := newTestEnv(t)
	env.Flags.flags["F1"] = []domain.FlagDef{{Title: "A"}, {Title: "B"}}
	env.seed(t, nil, nil, []domain.Fortress{{ID: "F1", Name: "Fort"}})
	env.rebuild(t)
	if _, err := env.Engine.DB.Exec(`DELETE FROM fortress_flag_defs`); err != nil {
		t.Fatal(err)
	}
	env.Flags.fail["F1"] = true
	if _, err := env.Engine.Record(env.Ctx, "U2", []domain.ActivityEvent{fortressFlag("F1", "B")}); err != nil {
		t.Fatal(err)
	}
	env.rebuild(t)
	assertKeys(t, env.keys(t), "fortress_flag:F1:A")
}

func TestBoardGroupsEntries(t *testing.T) {
	env := newTestEnv(t)
	env.Flags.flags["F1"] = []domain.FlagDef{{Title: "Entry", Points: 10}, {Title: "Pivot", Points: 20}, {Title: "Root", Points: 30}}
	env.seed(t,
		[]domain.Challenge{{ID: "C1", Name: "Baby", Category: "Crypto", Points: 20, Difficulty: "Easy"}},
		[]domain.Machine{{ID: "M1", Name: "Zipper", OS: "Linux", Points: 40}},
		[]domain.Fortress{{ID: "F1", Name: "Fort", Points: 60, FlagCount: 3}},
	)
	env.rebuild(t)
	env.apply(t, "U1", fortressFlag("F1", "Pivot"))

	b, err := env.Engine.Board(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Challenges) != 1 || b.Challenges[0].Category != "Crypto" || !b.Challenges[0].Known {
		t.Fatalf("challenges = %+v", b.Challenges)
	}
	if len(b.Machines) != 1 || !reflect.DeepEqual(b.Machines[0].Missing, []string{"user", "root"}) {
		t.Fatalf("machines = %+v", b.Machines)
	}
	if len(b.Fortresses) != 1 {
		t.Fatalf("fortresses = %+v", b.Fortresses)
	}
	f := b.Fortresses[0]
	if !reflect.DeepEqual(f.Missing, []string{"Entry", "Root"}) || f.PointsRemaining != 40 || f.FlagCount != 3 {
		t.Fatalf("fortress = %+v", f)
	}
	counts := b.Counts()
	if counts[domain.OutstandingFortressFlag] != 2 || counts[domain.OutstandingMachineUser] != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestConcurrentApplySingleFirstBlood(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, []domain.Challenge{{ID: "C1", Name: "One"}}, nil, nil)
	env.rebuild(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	bloods := 0
	for _, m := range []string{"U1", "U2", "U3", "U4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := env.Engine.Apply(env.Ctx, domain.Member{ID: id}, challenge("C1"))
			if err != nil {
				t.Errorf("apply %s: %v", id, err)
				return
			}
			if res.FirstBlood != nil {
				mu.Lock()
				bloods++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	if bloods != 1 {
		t.Fatalf("expected one first blood, got %d", bloods)
	}
}

func TestApplyDuringRebuildFetchIsNotResurrected(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, []domain.Challenge{{ID: "C1", Name: "One"}}, nil, []domain.Fortress{{ID: "F1", Name: "Fort"}})
	env.Flags.flags["F1"] = []domain.FlagDef{{Title: "A", Points: 10}}
	env.rebuild(t)
	assertKeys(t, env.keys(t), "challenge:C1", "fortress_flag:F1:A")

	env.Flags.during = func(string) {
		res := env.apply(t, "U1", challenge("C1"))
		if res.FirstBlood == nil || !res.Cleared {
			t.Errorf("apply during fetch = %+v", res)
		}
	}
	env.rebuild(t)
	assertKeys(t, env.keys(t), "fortress_flag:F1:A")
}

func TestInterleavedRebuildAndApplyMatchFreshRebuild(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t,
		[]domain.Challenge{{ID: "C1", Name: "One"}, {ID: "C2", Name: "Two"}, {ID: "C3", Name: "Three"}, {ID: "C4", Name: "Four"}},
		[]domain.Machine{{ID: "M1", Name: "Box"}, {ID: "M2", Name: "Other"}},
		[]domain.Fortress{{ID: "F1", Name: "Fort"}},
	)
	env.Flags.flags["F1"] = []domain.FlagDef{{Title: "A"}, {Title: "A:x"}, {Title: "B"}}
	env.rebuild(t)

	rng := rand.New(rand.NewSource(7))
	pool := []domain.ActivityEvent{
		challenge("C1"), challenge("C2"), challenge("C3"), challenge("C4"),
		machineFlag("M1", "user"), machineFlag("M1", "root"), machineFlag("M2", "user"),
		fortressFlag("F1", "A"), fortressFlag("F1", "A:x"),
	}
	type step struct {
		member string
		ev     domain.ActivityEvent
	}
	var steps []step
	for i := 0; i < 24; i++ {
		steps = append(steps, step{member: fmt.Sprintf("U%d", rng.Intn(4)), ev: pool[rng.Intn(len(pool))]})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.Rebuild(env.Ctx); err != nil {
				t.Errorf("rebuild: %v", err)
			}
		}()
	}
	for _, s := range steps {
		wg.Add(1)
		go func(s step) {
			defer wg.Done()
			if _, err := env.Engine.Apply(env.Ctx, domain.Member{ID: s.member}, s.ev); err != nil {
				t.Errorf("apply %s: %v", s.member, err)
			}
		}(s)
	}
	wg.Wait()

	incremental := env.keys(t)
	env.rebuild(t)
	assertKeys(t, env.keys(t), incremental...)
	for _, s := range steps {
		fact, _ := s.ev.Fact(s.member)
		kind, key := fact.Key().Outstanding()
		for _, k := range incremental {
			if k == string(kind)+":"+key {
				t.Fatalf("%s still outstanding after apply", k)
			}
		}
	}
}

func TestCatalogDetailsPersist(t *testing.T) {
	env := newTestEnv(t)
	details := domain.Details{Retired: true, Rating: 4.5, Solves: 812, ReleaseDate: "2023-05-04T19:00:00Z"}
	env.seed(t,
		[]domain.Challenge{{ID: "C1", Name: "One", Details: details}},
		[]domain.Machine{{ID: "M1", Name: "Box", Details: domain.Details{Rating: 3.9, Solves: 20}}},
		[]domain.Fortress{{ID: "F1", Name: "Fort", FlagCount: 2, New: true}},
	)
	chs, err := env.Engine.Repo.ListChallenges(env.Ctx)
	if err != nil || len(chs) != 1 || chs[0].Details != details {
		t.Fatalf("challenges = %+v, %v", chs, err)
	}
	ms, err := env.Engine.Repo.ListMachines(env.Ctx)
	if err != nil || len(ms) != 1 || ms[0].Rating != 3.9 || ms[0].Solves != 20 || ms[0].Retired {
		t.Fatalf("machines = %+v, %v", ms, err)
	}
	fs, err := env.Engine.Repo.ListFortresses(env.Ctx)
	if err != nil || len(fs) != 1 || !fs[0].New {
		t.Fatalf("fortresses = %+v, %v", fs, err)
	}

	// A later sync that drops the flag overwrites it.
	env.seed(t, []domain.Challenge{{ID: "C1", Name: "One"}}, nil, nil)
	chs, _ = env.Engine.Repo.ListChallenges(env.Ctx)
	if chs[0].Retired || chs[0].Rating != 0 {
		t.Fatalf("details not replaced: %+v", chs[0])
	}
}
