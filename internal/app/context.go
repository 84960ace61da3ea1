// Package app wires configuration, storage and services into a ready
// tracker for the CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"htbtracker/internal/config"
	"htbtracker/internal/db"
	"htbtracker/internal/engine"
	"htbtracker/internal/htb"
	"htbtracker/internal/logging"
	"htbtracker/internal/migrate"
	"htbtracker/internal/notify"
	"htbtracker/internal/server"
	"htbtracker/internal/supervisor"
	"htbtracker/internal/tracker"
)

type Options struct {
	Workspace string
	// Override returns flag or environment values keyed like
	// config.OverrideKeys. It may be nil.
	Override func(key string) string
	// Upstream requires the HTB token and university id.
	Upstream bool
}

// App is everything a command needs, opened against one workspace.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	HTB      *htb.Client
	Notifier *notify.Notifier
	Tracker  *tracker.Tracker
}

// LoadConfig reads the workspace config, applies overrides and validates.
// A missing file yields the defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		cfg.ApplyOverrides(opts.Override)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Upstream {
		if err := cfg.RequireUpstream(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Open loads config, initialises logging and opens the migrated database.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	client := htb.New(htb.Options{
		BaseURL:         cfg.HTB.BaseURL,
		Token:           cfg.HTB.Token,
		Timeout:         cfg.HTB.Timeout,
		RequestInterval: cfg.HTB.RequestInterval,
		MaxRetries:      cfg.HTB.MaxRetries,
		BreakerFailures: cfg.HTB.Breaker.Failures,
		BreakerCooldown: cfg.HTB.Breaker.Cooldown,
	})
	eng := engine.New(conn, client)
	n := &notify.Notifier{
		Store:    eng.Repo,
		Username: cfg.Discord.Username,
		Footer:   cfg.Discord.Footer,
	}
	if cfg.Discord.FirstBloodWebhook != "" {
		n.FirstBloods = notify.NewWebhook(cfg.Discord.FirstBloodWebhook)
	}
	if cfg.Discord.BoardWebhook != "" {
		n.Board = notify.NewWebhook(cfg.Discord.BoardWebhook)
	}
	return &App{
		Config:   cfg,
		DB:       conn,
		Engine:   eng,
		HTB:      client,
		Notifier: n,
		Tracker:  tracker.New(eng, client, n, cfg.HTB.UniversityID),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Handler builds the read API. POST /rebuild runs a rebuild and republishes
// the board.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret},
		Rebuild: func(ctx context.Context) (engine.RebuildResult, error) {
			res, err := a.Tracker.Rebuild(ctx)
			if err != nil {
				return res, err
			}
			if err := a.Tracker.PublishBoard(ctx); err != nil {
				logging.Warn().Err(err).Msg("board not published after rebuild")
			}
			return res, nil
		},
	})
}

// Supervise builds the service tree for serve: the poll loop, the weekly
// full sync and, when withAPI is set, the HTTP server.
func (a *App) Supervise(withAPI bool) (*supervisor.Tree, error) {
	weekday, err := config.ParseWeekday(a.Config.Schedule.RebuildWeekday)
	if err != nil {
		return nil, err
	}
	hour, minute, err := config.ParseClock(a.Config.Schedule.RebuildAt)
	if err != nil {
		return nil, err
	}
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	jobs := &sync.Mutex{}
	tree.AddJob(&supervisor.WeeklyService{
		Name:       "full-sync",
		Weekday:    weekday,
		Hour:       hour,
		Minute:     minute,
		RunOnStart: a.Config.Schedule.RebuildOnStart,
		Lock:       jobs,
		Run: func(ctx context.Context) error {
			_, err := a.Tracker.FullSync(ctx)
			return err
		},
	})
	tree.AddJob(&supervisor.IntervalService{
		Name:     "poll",
		Interval: a.Config.Schedule.PollInterval,
		Lock:     jobs,
		Run: func(ctx context.Context) error {
			_, err := a.Tracker.Poll(ctx)
			return err
		},
	})
	if withAPI {
		handler, err := a.Handler()
		if err != nil {
			return nil, err
		}
		tree.AddAPI(&supervisor.HTTPService{
			Server:          &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second},
			ShutdownTimeout: 10 * time.Second,
		})
	}
	return tree, nil
}
