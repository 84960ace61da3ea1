package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"htbtracker/internal/config"
)

func overrides(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("42")), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(Options{
		Workspace: dir,
		Override:  overrides(map[string]string{"htb.token": "tok", "log.level": "debug"}),
		Upstream:  true,
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTB.Token != "tok" || cfg.HTB.UniversityID != "42" || cfg.Log.Level != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg.HTB)
	}
}

func TestLoadConfigRequiresUpstreamCredentials(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(Options{Workspace: dir, Upstream: true}); err == nil {
		t.Fatalf("expected missing token error")
	}
	_, err := LoadConfig(Options{
		Workspace: dir,
		Override:  overrides(map[string]string{"htb.token": "tok"}),
		Upstream:  true,
	})
	if err == nil {
		t.Fatalf("expected missing university error")
	}
	if _, err := LoadConfig(Options{Workspace: dir}); err != nil {
		t.Fatalf("read-only load should not need credentials: %v", err)
	}
}

func TestOpenServesHealth(t *testing.T) {
	a, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	handler, err := a.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/outstanding", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("outstanding status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSuperviseBuildsTree(t *testing.T) {
	a, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, err := a.Supervise(false); err != nil {
		t.Fatalf("supervise: %v", err)
	}
	a.Config.Schedule.RebuildWeekday = "someday"
	if _, err := a.Supervise(false); err == nil {
		t.Fatalf("expected weekday error")
	}
}
