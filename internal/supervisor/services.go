package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"htbtracker/internal/logging"
)

// RunFunc is one execution of a scheduled job. Errors are logged and the
// job runs again at its next slot.
type RunFunc func(ctx context.Context) error

// JobLock keeps scheduled jobs from overlapping. A nil lock allows overlap.
type JobLock = *sync.Mutex

func runLocked(ctx context.Context, name string, lock JobLock, run RunFunc) {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Error().Err(err).Str("job", name).Dur("took", time.Since(start)).Msg("job failed")
	}
}

// IntervalService runs a job every Interval, measured from the end of the
// previous run.
type IntervalService struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        RunFunc
	Lock       JobLock
}

func (s *IntervalService) Serve(ctx context.Context) error {
	if s.Interval <= 0 {
		return fmt.Errorf("%s: interval must be positive", s.Name)
	}
	if s.RunOnStart {
		runLocked(ctx, s.Name, s.Lock, s.Run)
	}
	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			runLocked(ctx, s.Name, s.Lock, s.Run)
			timer.Reset(s.Interval)
		}
	}
}

func (s *IntervalService) String() string {
	return s.Name
}

// WeeklyService runs a job once a week at a fixed UTC weekday and time.
type WeeklyService struct {
	Name       string
	Weekday    time.Weekday
	Hour       int
	Minute     int
	RunOnStart bool
	Run        RunFunc
	Lock       JobLock
	Now        func() time.Time
}

func (s *WeeklyService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *WeeklyService) Serve(ctx context.Context) error {
	if s.RunOnStart {
		runLocked(ctx, s.Name, s.Lock, s.Run)
	}
	for {
		next := NextWeekly(s.now(), s.Weekday, s.Hour, s.Minute)
		logging.Info().Str("job", s.Name).Time("next", next).Msg("job scheduled")
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			runLocked(ctx, s.Name, s.Lock, s.Run)
		}
	}
}

func (s *WeeklyService) String() string {
	return s.Name
}

// NextWeekly returns the first instant strictly after now that falls on
// weekday at hour:minute UTC.
func NextWeekly(now time.Time, weekday time.Weekday, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type HTTPService struct {
	Server          HTTPServer
	ShutdownTimeout time.Duration
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		timeout := h.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}
