package config

import (
	"errors"
	"testing"
	"time"

	"github.com/amori/droidrelay/internal/settings"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"RELAY_BIND_ADDR", "RELAY_CLI_PATH", "RELAY_DEFAULT_CWD", "RELAY_DEFAULT_MODEL",
		"RELAY_DEFAULT_AUTONOMY", "RELAY_ALLOWED_USERS", "RELAY_PROJECTS", "RELAY_SHUTDOWN_TIMEOUT",
		"RELAY_STOP_ON_FAILURE", "DATABASE_URL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.CLIPath != "droid" {
		t.Fatalf("CLIPath = %q", cfg.CLIPath)
	}
	if cfg.DefaultAutonomy != settings.LevelMedium {
		t.Fatalf("DefaultAutonomy = %q", cfg.DefaultAutonomy)
	}
	if cfg.DefaultModel != "sonnet" {
		t.Fatalf("DefaultModel = %q", cfg.DefaultModel)
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	// Empty allowlist denies everyone.
	if len(cfg.AllowedUsers) != 0 {
		t.Fatalf("AllowedUsers = %v, want empty", cfg.AllowedUsers)
	}
}

func TestLoadInvalidAutonomy(t *testing.T) {
	t.Setenv("RELAY_DEFAULT_AUTONOMY", "maximum")
	if _, err := Load(); !errors.Is(err, settings.ErrInvalidAutonomy) {
		t.Fatalf("Load() error = %v, want ErrInvalidAutonomy", err)
	}
}

func TestLoadAllowedUsers(t *testing.T) {
	t.Setenv("RELAY_ALLOWED_USERS", " alice , bob,,carol ")
	t.Setenv("RELAY_DEFAULT_AUTONOMY", "")
	t.Setenv("RELAY_PROJECTS", "")
	t.Setenv("RELAY_DEFAULT_CWD", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, u := range []string{"alice", "bob", "carol"} {
		if !cfg.AllowedUsers[u] {
			t.Fatalf("AllowedUsers missing %q: %v", u, cfg.AllowedUsers)
		}
	}
	if cfg.AllowedUsers[""] {
		t.Fatalf("empty user should never be allowed")
	}
}

func TestParseProjectsJSON(t *testing.T) {
	got, err := parseProjects(`{"site": "/srv/site", "App": "/srv/app"}`)
	if err != nil {
		t.Fatalf("parseProjects() error = %v", err)
	}
	if got["site"] != "/srv/site" || got["app"] != "/srv/app" {
		t.Fatalf("projects = %v", got)
	}
}

func TestParseProjectsPairs(t *testing.T) {
	got, err := parseProjects("site=/srv/site, app=/srv/app")
	if err != nil {
		t.Fatalf("parseProjects() error = %v", err)
	}
	if got["site"] != "/srv/site" || got["app"] != "/srv/app" {
		t.Fatalf("projects = %v", got)
	}

	if _, err := parseProjects("site=relative/path"); err == nil {
		t.Fatalf("relative project path should be rejected")
	}
	if _, err := parseProjects("missing-equals"); err == nil {
		t.Fatalf("malformed pair should be rejected")
	}
}

func TestResolveProject(t *testing.T) {
	cfg := Config{Projects: map[string]string{"site": "/srv/site"}}
	dir, ok := cfg.ResolveProject("  SITE ")
	if !ok || dir != "/srv/site" {
		t.Fatalf("ResolveProject = %q, %v", dir, ok)
	}
	if _, ok := cfg.ResolveProject("nope"); ok {
		t.Fatalf("unknown project resolved")
	}
}

func TestBoolFromEnv(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	v, err := boolFromEnv("TEST_BOOL", false)
	if err != nil || !v {
		t.Fatalf("boolFromEnv(yes) = %v, %v", v, err)
	}
	t.Setenv("TEST_BOOL", "whatever")
	if _, err := boolFromEnv("TEST_BOOL", false); err == nil {
		t.Fatalf("boolFromEnv(whatever) should fail")
	}
}
