package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"htbtracker/internal/domain"
	"htbtracker/internal/events"
	"htbtracker/internal/repo"
)

// FlagSource lists the current flags of a fortress. Rebuild calls it before
// opening its write transaction.
type FlagSource interface {
	FortressFlags(ctx context.Context, fortressID string) ([]domain.FlagDef, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Flags  FlagSource
	Now    func() time.Time

	// mu is shared by every copy of the engine so that rebuild, apply and
	// record never interleave their read-then-write sections.
	mu *sync.Mutex
}

func New(db *sql.DB, flags FlagSource) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Flags:  flags,
		Now:    time.Now,
		mu:     &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) lock() func() {
	if e.mu == nil {
		return func() {}
	}
	e.mu.Lock()
	return e.mu.Unlock
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if e.Now != nil {
		w.Now = e.Now
	}
	return w
}
