package session

import (
	"fmt"
	"os"
	"strings"

	"github.com/probelab/authharness/internal/budget"
)

// Application routes the provisioner navigates. The application under test
// owns these paths; the harness only observes them.
const (
	LoginPath          = "/login"
	MFAPath            = "/login/mfa"
	DashboardPath      = "/dashboard"
	PasswordChangePath = "/password/change"
)

// AuthenticatedMarker is the role-independent UI affordance whose visibility
// defines "session ready". It only renders after the server's token-refresh
// round trip completes, hence the dedicated auth-bootstrap budget.
const AuthenticatedMarker = "#account-menu"

// Config carries everything a Provisioner needs. Components receive it at
// construction; nothing reads ambient globals.
type Config struct {
	// BaseURL is the root of the application under test.
	BaseURL string
	// Headless controls the browser launch mode.
	Headless bool
	// SnapshotDir is where per-role authentication snapshots live.
	SnapshotDir string
	// Budgets are the named timeout budgets for every suspension point.
	Budgets budget.Budgets
}

// Load reads configuration from environment variables with sensible
// defaults. HARNESS_BASE_URL is required.
func Load() (*Config, error) {
	budgets, err := budget.Load()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseURL:     getEnv("HARNESS_BASE_URL", ""),
		Headless:    getEnv("HARNESS_HEADLESS", "true") != "false",
		SnapshotDir: getEnv("HARNESS_SNAPSHOT_DIR", ".harness/snapshots"),
		Budgets:     budgets,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty (set HARNESS_BASE_URL)")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base URL must be http(s), got %q", c.BaseURL)
	}
	if c.SnapshotDir == "" {
		return fmt.Errorf("snapshot directory cannot be empty")
	}
	return c.Budgets.Validate()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
