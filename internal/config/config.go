package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/amori/droidrelay/internal/settings"
)

// Config contains all runtime settings for the relay service. It is built
// once at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// Agent CLI invocation.
	CLIPath           string
	DefaultWorkingDir string

	// Session persistence.
	SessionsFile string

	// Project shortcuts: name -> absolute working directory. Supplied via
	// configuration, never mutated at runtime.
	Projects map[string]string

	// Baseline settings applied when neither session nor command override
	// them.
	DefaultAutonomy settings.Level
	DefaultModel    string
	DefaultPull     bool
	DefaultPush     bool

	// Queue behavior.
	StopOnFailure bool

	// Access control: conversation/user identifiers allowed to drive the
	// bot. Empty means deny everyone (secure by default).
	AllowedUsers map[string]bool

	// Optional postgres mirror for terminal task history.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/"
	}

	cfg := Config{
		BindAddr:          envOrDefault("RELAY_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("RELAY_METRICS_NAMESPACE", "droidrelay"),
		CLIPath:           envOrDefault("RELAY_CLI_PATH", "droid"),
		DefaultWorkingDir: envOrDefault("RELAY_DEFAULT_CWD", home),
		SessionsFile:      envOrDefault("RELAY_SESSIONS_FILE", filepath.Join(home, ".droidrelay", "sessions.json")),
		DefaultModel:      envOrDefault("RELAY_DEFAULT_MODEL", "sonnet"),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ShutdownTimeout:   15 * time.Second,
		DefaultAutonomy:   settings.LevelMedium,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("RELAY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("RELAY_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultPull, err = boolFromEnv("RELAY_DEFAULT_PULL", false)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultPush, err = boolFromEnv("RELAY_DEFAULT_PUSH", false)
	if err != nil {
		return Config{}, err
	}
	cfg.StopOnFailure, err = boolFromEnv("RELAY_STOP_ON_FAILURE", false)
	if err != nil {
		return Config{}, err
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_DEFAULT_AUTONOMY")); raw != "" {
		level, err := settings.ParseLevel(raw)
		if err != nil {
			return Config{}, fmt.Errorf("RELAY_DEFAULT_AUTONOMY: %w", err)
		}
		cfg.DefaultAutonomy = level
	}

	cfg.AllowedUsers = parseAllowedUsers(os.Getenv("RELAY_ALLOWED_USERS"))

	cfg.Projects, err = parseProjects(os.Getenv("RELAY_PROJECTS"))
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.CLIPath) == "" {
		return Config{}, fmt.Errorf("RELAY_CLI_PATH must not be empty")
	}
	if !filepath.IsAbs(cfg.DefaultWorkingDir) {
		return Config{}, fmt.Errorf("RELAY_DEFAULT_CWD must be an absolute path, got %q", cfg.DefaultWorkingDir)
	}

	return cfg, nil
}

// Defaults maps the configuration onto the resolver's baseline layer.
func (c Config) Defaults() settings.Defaults {
	return settings.Defaults{
		Autonomy: c.DefaultAutonomy,
		Model:    c.DefaultModel,
		Pull:     c.DefaultPull,
		Push:     c.DefaultPush,
	}
}

// ResolveProject maps a project shortcut to its working directory.
func (c Config) ResolveProject(name string) (string, bool) {
	dir, ok := c.Projects[strings.ToLower(strings.TrimSpace(name))]
	return dir, ok
}

// parseAllowedUsers splits a comma-separated identifier list.
func parseAllowedUsers(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = true
		}
	}
	return out
}

// parseProjects accepts either a JSON object {"name": "/abs/path"} or a
// comma-separated name=path list.
func parseProjects(raw string) (map[string]string, error) {
	out := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}

	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("RELAY_PROJECTS parse error: %w", err)
		}
	} else {
		for _, pair := range strings.Split(raw, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, dir, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("RELAY_PROJECTS entry %q: expected name=path", pair)
			}
			out[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(dir)
		}
	}

	normalized := make(map[string]string, len(out))
	for name, dir := range out {
		if !filepath.IsAbs(dir) {
			return nil, fmt.Errorf("RELAY_PROJECTS %q: path %q is not absolute", name, dir)
		}
		normalized[strings.ToLower(strings.TrimSpace(name))] = dir
	}
	return normalized, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
