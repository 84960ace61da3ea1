package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNextWeekly(t *testing.T) {
	// 2024-01-06 is a Saturday.
	sat := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"earlier in the week", time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC), sat.Add(18*time.Hour + 10*time.Minute)},
		{"same day before slot", sat.Add(18 * time.Hour), sat.Add(18*time.Hour + 10*time.Minute)},
		{"exactly at slot", sat.Add(18*time.Hour + 10*time.Minute), sat.AddDate(0, 0, 7).Add(18*time.Hour + 10*time.Minute)},
		{"same day after slot", sat.Add(20 * time.Hour), sat.AddDate(0, 0, 7).Add(18*time.Hour + 10*time.Minute)},
		{"sunday", time.Date(2024, 1, 7, 1, 0, 0, 0, time.UTC), sat.AddDate(0, 0, 7).Add(18*time.Hour + 10*time.Minute)},
		{"non-utc input", time.Date(2024, 1, 6, 20, 0, 0, 0, time.FixedZone("CEST", 2*3600)), sat.Add(18*time.Hour + 10*time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextWeekly(tc.now, time.Saturday, 18, 10)
			if !got.Equal(tc.want) {
				t.Fatalf("NextWeekly(%v) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestIntervalServiceRunsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	svc := &IntervalService{
		Name:       "poll",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			if runs.Add(1) == 2 {
				return errors.New("transient")
			}
			return nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := svc.Serve(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Serve returned %v", err)
	}
	if runs.Load() < 3 {
		t.Fatalf("expected several runs despite a failure, got %d", runs.Load())
	}
}

func TestIntervalServiceRejectsZeroInterval(t *testing.T) {
	svc := &IntervalService{Name: "poll", Run: func(context.Context) error { return nil }}
	if err := svc.Serve(context.Background()); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func TestJobsDoNotOverlap(t *testing.T) {
	lock := &sync.Mutex{}
	var active, maxActive atomic.Int32
	run := func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	a := &IntervalService{Name: "a", Interval: time.Millisecond, RunOnStart: true, Run: run, Lock: lock}
	b := &IntervalService{Name: "b", Interval: time.Millisecond, RunOnStart: true, Run: run, Lock: lock}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	for _, s := range []*IntervalService{a, b} {
		wg.Add(1)
		go func(s *IntervalService) {
			defer wg.Done()
			_ = s.Serve(ctx)
		}(s)
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Fatalf("jobs overlapped: max concurrent %d", maxActive.Load())
	}
}

func TestWeeklyServiceRunsOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	svc := &WeeklyService{
		Name:       "sync",
		Weekday:    time.Saturday,
		Hour:       18,
		Minute:     10,
		RunOnStart: true,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("run on start did not happen")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("service did not stop")
	}
}

type fakeHTTPServer struct {
	stop     chan struct{}
	shutdown atomic.Bool
}

func (f *fakeHTTPServer) ListenAndServe() error {
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	close(f.stop)
	return nil
}

func TestTreeLifecycle(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})
	srv := &fakeHTTPServer{stop: make(chan struct{})}
	var runs atomic.Int32
	tree.AddAPI(&HTTPService{Server: srv, ShutdownTimeout: time.Second})
	tree.AddJob(&IntervalService{
		Name:       "poll",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tree did not shut down in time")
	}
	if !srv.shutdown.Load() {
		t.Fatalf("http server was not shut down")
	}
	if runs.Load() == 0 {
		t.Fatalf("job never ran")
	}
}
