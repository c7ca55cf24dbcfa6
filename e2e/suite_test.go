//go:build e2e

// Package e2e drives a real browser against the in-repo authentication
// target. The tests need a Playwright-managed Chromium; when the runtime is
// missing they skip rather than fail, so plain `go test ./...` stays green.
//
// Install the browser once with:
//
//	go run github.com/playwright-community/playwright-go/cmd/playwright install chromium
package e2e

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/probelab/authharness/internal/budget"
	"github.com/probelab/authharness/internal/identity"
	"github.com/probelab/authharness/internal/session"
	"github.com/probelab/authharness/internal/testserver"
)

// suite bundles one test target instance with one provisioned browser
// runtime. Each top-level test builds its own so server-side state (lockout
// counters, revoked sessions, disabled MFA) never crosses test boundaries.
type suite struct {
	srv  *testserver.Server
	web  *httptest.Server
	reg  *identity.Registry
	cfg  *session.Config
	prov *session.Provisioner
}

func newSuite(t *testing.T, serverCfg testserver.Config) *suite {
	t.Helper()

	serverCfg.Log = testLogger(t)
	srv, err := testserver.New(serverCfg)
	if err != nil {
		t.Fatalf("failed to start test target: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	reg := identity.NewRegistry()
	if err := srv.Seed(reg); err != nil {
		t.Fatalf("failed to seed identities: %v", err)
	}

	web := httptest.NewServer(srv.Handler())
	t.Cleanup(web.Close)

	budgets, err := budget.Load()
	if err != nil {
		t.Fatalf("failed to load budgets: %v", err)
	}

	cfg := &session.Config{
		BaseURL:     web.URL,
		Headless:    true,
		SnapshotDir: t.TempDir(),
		Budgets:     budgets,
	}

	prov, err := session.NewProvisioner(cfg, session.WithLogger(testLogger(t)))
	if err != nil {
		t.Skipf("browser runtime unavailable: %v", err)
	}
	t.Cleanup(func() { prov.Close() })

	return &suite{srv: srv, web: web, reg: reg, cfg: cfg, prov: prov}
}

func (s *suite) identity(t *testing.T, role identity.Role) identity.Identity {
	t.Helper()
	id, err := s.reg.Lookup(role)
	if err != nil {
		t.Fatalf("unknown role %s: %v", role, err)
	}
	return id
}

// testCtx bounds every browser interaction with the global budget.
func testCtx(t *testing.T, budgets budget.Budgets) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), budgets.Global)
	t.Cleanup(cancel)
	return ctx
}

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// closeWithArtifacts registers session teardown and, when the test fails,
// saves a screenshot and the page HTML for postmortem before closing.
func (s *suite) closeWithArtifacts(t *testing.T, sess *session.Session) {
	t.Helper()
	t.Cleanup(func() {
		if t.Failed() {
			saveFailureArtifacts(t, sess)
		}
		sess.Close()
	})
}

func saveFailureArtifacts(t *testing.T, sess *session.Session) {
	dir := filepath.Join(artifactRoot(), strings.ReplaceAll(t.Name(), "/", "_"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Logf("failed to create artifact dir: %v", err)
		return
	}

	if buf, err := sess.Page.Screenshot(); err == nil {
		if err := os.WriteFile(filepath.Join(dir, "page.png"), buf, 0644); err != nil {
			t.Logf("failed to write screenshot: %v", err)
		}
	}
	if html, err := sess.Page.Content(); err == nil {
		if err := os.WriteFile(filepath.Join(dir, "page.html"), []byte(html), 0644); err != nil {
			t.Logf("failed to write page HTML: %v", err)
		}
	}
	for _, e := range sess.Diag.Errors() {
		t.Logf("console error: %s", e)
	}
	t.Logf("failure artifacts saved to %s", dir)
}

func artifactRoot() string {
	if dir := os.Getenv("HARNESS_ARTIFACT_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(".harness", "artifacts")
}

// waitFor polls the condition on the element budget, for assertions that
// race page navigation.
func waitFor(t *testing.T, budgets budget.Budgets, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(budgets.Element)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("condition not met within the %s budget: %s", budget.NameElement, what)
}
