// Package tracker drives the two runs of the tracker: the full sync that
// refreshes members, catalog and facts before rebuilding the outstanding
// table, and the short poll that applies each member's latest activity.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"htbtracker/internal/domain"
	"htbtracker/internal/engine"
	"htbtracker/internal/events"
	"htbtracker/internal/htb"
	"htbtracker/internal/logging"
	"htbtracker/internal/metrics"
	"htbtracker/internal/notify"
)

// Upstream is the subset of the labs API the tracker reads.
type Upstream interface {
	Members(ctx context.Context, universityID string) ([]domain.Member, error)
	Activity(ctx context.Context, memberID string) ([]domain.ActivityEvent, error)
	Profile(ctx context.Context, memberID string) (htb.Profile, error)
	Challenges(ctx context.Context) ([]domain.Challenge, error)
	ChallengeCategory(ctx context.Context, challengeID string) (string, error)
	Machines(ctx context.Context) ([]domain.Machine, error)
	Fortresses(ctx context.Context) ([]domain.Fortress, error)
}

type Tracker struct {
	Engine       engine.Engine
	HTB          Upstream
	Notifier     notify.Publisher
	UniversityID string
}

func New(eng engine.Engine, up Upstream, pub notify.Publisher, universityID string) *Tracker {
	return &Tracker{Engine: eng, HTB: up, Notifier: pub, UniversityID: universityID}
}

type CatalogReport struct {
	Challenges int      `json:"challenges"`
	Machines   int      `json:"machines"`
	Fortresses int      `json:"fortresses"`
	Failed     []string `json:"failed,omitempty"`
}

type SyncReport struct {
	RunID          string               `json:"run_id"`
	Members        int                  `json:"members"`
	Catalog        CatalogReport        `json:"catalog"`
	Facts          engine.RecordResult  `json:"facts"`
	MemberFailures int                  `json:"member_failures"`
	Rebuild        engine.RebuildResult `json:"rebuild"`
	Duration       time.Duration        `json:"duration"`
}

type PollReport struct {
	RunID          string              `json:"run_id"`
	Members        int                 `json:"members"`
	NewFacts       int                 `json:"new_facts"`
	FirstBloods    []domain.FirstBlood `json:"first_bloods"`
	MemberFailures int                 `json:"member_failures"`
	Duration       time.Duration       `json:"duration"`
}

func newRun(ctx context.Context, run string) (context.Context, string, zerolog.Logger) {
	id := uuid.NewString()
	return events.WithRunID(ctx, id), id, logging.With().Str("run", run).Str("run_id", id).Logger()
}

// FullSync refreshes everything from upstream and rebuilds the outstanding
// table. Only a failed membership fetch aborts the run.
func (t *Tracker) FullSync(ctx context.Context) (SyncReport, error) {
	start := time.Now()
	ctx, runID, log := newRun(ctx, "sync")
	rep := SyncReport{RunID: runID}
	log.Info().Msg("full sync started")

	members, err := t.HTB.Members(ctx, t.UniversityID)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("sync", "failed").Inc()
		return rep, fmt.Errorf("fetch members: %w", err)
	}
	if _, err := t.Engine.Repo.UpsertMembers(ctx, members); err != nil {
		return rep, fmt.Errorf("store members: %w", err)
	}
	rep.Members = len(members)

	rep.Catalog = t.SyncCatalog(ctx, log)

	for _, m := range members {
		feed, err := t.HTB.Activity(ctx, m.ID)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.MemberFailures++
			log.Warn().Err(err).Str("member", m.ID).Msg("activity unavailable, member skipped")
			continue
		}
		res, err := t.Engine.Record(ctx, m.ID, feed)
		if err != nil {
			return rep, fmt.Errorf("record facts for %s: %w", m.ID, err)
		}
		rep.Facts.Inserted += res.Inserted
		rep.Facts.Ignored += res.Ignored
		rep.Facts.Cleared += res.Cleared
		for kind, n := range res.ByKind {
			metrics.FactsRecorded.WithLabelValues(string(kind), "sync").Add(float64(n))
		}
	}

	rebuild, err := t.Rebuild(ctx)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("sync", "failed").Inc()
		return rep, err
	}
	rep.Rebuild = rebuild

	t.publishBoard(ctx, log)
	rep.Duration = time.Since(start)
	if err := t.appendEvent(ctx, events.TypeSyncCompleted, events.EventPayload{
		"members":         rep.Members,
		"facts_inserted":  rep.Facts.Inserted,
		"member_failures": rep.MemberFailures,
		"catalog_failed":  rep.Catalog.Failed,
		"outstanding":     rebuild.Total(),
	}); err != nil {
		log.Warn().Err(err).Msg("sync event not recorded")
	}
	metrics.RunsTotal.WithLabelValues("sync", "ok").Inc()
	log.Info().Int("members", rep.Members).Int("facts", rep.Facts.Inserted).Int("outstanding", rebuild.Total()).
		Dur("took", rep.Duration).Msg("full sync finished")
	return rep, nil
}

// Rebuild runs the engine rebuild and records its metrics.
func (t *Tracker) Rebuild(ctx context.Context) (engine.RebuildResult, error) {
	res, err := t.Engine.Rebuild(ctx)
	if err != nil {
		return res, fmt.Errorf("rebuild outstanding: %w", err)
	}
	metrics.RebuildDuration.Observe(res.Duration.Seconds())
	for kind, n := range res.Counts {
		metrics.OutstandingEntries.WithLabelValues(string(kind)).Set(float64(n))
	}
	return res, nil
}

// SyncCatalog refreshes each item family independently. A family whose
// fetch fails keeps its stored rows.
func (t *Tracker) SyncCatalog(ctx context.Context, log zerolog.Logger) CatalogReport {
	var rep CatalogReport
	fail := func(family string, err error) {
		rep.Failed = append(rep.Failed, family)
		log.Warn().Err(err).Str("family", family).Msg("catalog fetch failed, keeping stored rows")
	}

	if challenges, err := t.HTB.Challenges(ctx); err != nil {
		fail("challenges", err)
	} else {
		t.fillCategories(ctx, log, challenges)
		if rep.Challenges, err = t.Engine.Repo.UpsertChallenges(ctx, challenges); err != nil {
			fail("challenges", err)
		}
	}
	if machines, err := t.HTB.Machines(ctx); err != nil {
		fail("machines", err)
	} else if rep.Machines, err = t.Engine.Repo.UpsertMachines(ctx, machines); err != nil {
		fail("machines", err)
	}
	if fortresses, err := t.HTB.Fortresses(ctx); err != nil {
		fail("fortresses", err)
	} else if rep.Fortresses, err = t.Engine.Repo.UpsertFortresses(ctx, fortresses); err != nil {
		fail("fortresses", err)
	}
	return rep
}

// fillCategories completes missing challenge categories, reusing stored ones
// before asking upstream.
func (t *Tracker) fillCategories(ctx context.Context, log zerolog.Logger, challenges []domain.Challenge) {
	stored, err := t.Engine.Repo.ListChallenges(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("stored challenges unavailable")
	}
	known := map[string]string{}
	for _, c := range stored {
		if c.Category != "" {
			known[c.ID] = c.Category
		}
	}
	for i := range challenges {
		c := &challenges[i]
		if c.Category != "" {
			continue
		}
		if cat, ok := known[c.ID]; ok {
			c.Category = cat
			continue
		}
		cat, err := t.HTB.ChallengeCategory(ctx, c.ID)
		if err != nil {
			log.Debug().Err(err).Str("challenge", c.ID).Msg("category lookup failed")
			continue
		}
		c.Category = cat
	}
}

// Poll applies the most recent activity event of every member. Events older
// than the latest one are left to the next full sync.
func (t *Tracker) Poll(ctx context.Context) (PollReport, error) {
	start := time.Now()
	ctx, runID, log := newRun(ctx, "poll")
	rep := PollReport{RunID: runID, FirstBloods: []domain.FirstBlood{}}

	members, err := t.HTB.Members(ctx, t.UniversityID)
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		log.Warn().Err(err).Msg("member list unavailable, using stored members")
		if members, err = t.Engine.Repo.ListMembers(ctx); err != nil {
			metrics.RunsTotal.WithLabelValues("poll", "failed").Inc()
			return rep, fmt.Errorf("list members: %w", err)
		}
	}
	rep.Members = len(members)

	changed := false
	for _, m := range members {
		feed, err := t.HTB.Activity(ctx, m.ID)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.MemberFailures++
			log.Warn().Err(err).Str("member", m.ID).Msg("activity unavailable")
			continue
		}
		if len(feed) == 0 {
			continue
		}
		res, err := t.Engine.Apply(ctx, m, feed[0])
		if err != nil {
			return rep, fmt.Errorf("apply activity for %s: %w", m.ID, err)
		}
		if !res.New {
			continue
		}
		rep.NewFacts++
		metrics.FactsRecorded.WithLabelValues(string(res.Fact.Kind), "poll").Inc()
		if res.Cleared {
			changed = true
		}
		if res.FirstBlood == nil {
			continue
		}
		fb := t.enrich(ctx, log, *res.FirstBlood)
		rep.FirstBloods = append(rep.FirstBloods, fb)
		metrics.FirstBloods.WithLabelValues(string(fb.Kind)).Inc()
		log.Info().Str("member", m.Name).Str("kind", string(fb.Kind)).Str("item", fb.ItemName).
			Str("sub", fb.SubCategory).Msg("first blood")
		if t.Notifier != nil {
			if err := t.Notifier.FirstBlood(ctx, fb); err != nil {
				log.Warn().Err(err).Msg("first blood notice not sent")
			}
		}
	}
	if changed {
		t.publishBoard(ctx, log)
	}
	rep.Duration = time.Since(start)
	if err := t.appendEvent(ctx, events.TypePollCompleted, events.EventPayload{
		"members":      rep.Members,
		"new_facts":    rep.NewFacts,
		"first_bloods": len(rep.FirstBloods),
	}); err != nil {
		log.Warn().Err(err).Msg("poll event not recorded")
	}
	metrics.RunsTotal.WithLabelValues("poll", "ok").Inc()
	log.Debug().Int("members", rep.Members).Int("new_facts", rep.NewFacts).Dur("took", rep.Duration).Msg("poll finished")
	return rep, nil
}

// enrich adds profile rank and avatar, and the challenge category when the
// catalog has none. Lookup failures leave the notice as is.
func (t *Tracker) enrich(ctx context.Context, log zerolog.Logger, fb domain.FirstBlood) domain.FirstBlood {
	if p, err := t.HTB.Profile(ctx, fb.Member.ID); err != nil {
		log.Debug().Err(err).Str("member", fb.Member.ID).Msg("profile lookup failed")
	} else {
		fb.Rank, fb.AvatarURL = p.Rank, p.AvatarURL
		if fb.Member.Name == "" {
			fb.Member.Name = p.Name
		}
	}
	if fb.Kind == domain.KindChallenge && fb.SubCategory == "" {
		if cat, err := t.HTB.ChallengeCategory(ctx, fb.ItemID); err == nil {
			fb.SubCategory = cat
		}
	}
	return fb
}

// PublishBoard renders the current board through the notifier.
func (t *Tracker) PublishBoard(ctx context.Context) error {
	if t.Notifier == nil {
		return nil
	}
	b, err := t.Engine.Board(ctx)
	if err != nil {
		return fmt.Errorf("load board: %w", err)
	}
	return t.Notifier.PublishBoard(ctx, b)
}

func (t *Tracker) publishBoard(ctx context.Context, log zerolog.Logger) {
	if err := t.PublishBoard(ctx); err != nil {
		log.Warn().Err(err).Msg("board not published")
	}
}

func (t *Tracker) appendEvent(ctx context.Context, typ string, payload events.EventPayload) error {
	return t.Engine.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		return t.Engine.Events.Append(ctx, tx, events.Record{Type: typ, Payload: payload})
	})
}
