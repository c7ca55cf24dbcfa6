package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/probelab/authharness/internal/budget"
	"github.com/probelab/authharness/internal/challenge"
	"github.com/probelab/authharness/internal/identity"
	"github.com/probelab/authharness/internal/otp"
)

// Form selectors on the login and MFA pages.
const (
	usernameSelector = "input[name='username']"
	passwordSelector = "input[name='password']"
	rememberSelector = "input[name='remember']"
	codeSelector     = "input[name='code']"
	recoverySelector = "input[name='is_recovery']"
	trustSelector    = "input[name='trust_device']"
	submitSelector   = "button[type='submit']"
	outcomePollEvery = 250 * time.Millisecond
)

// ErrNoSnapshot is returned by FromSnapshot when no persisted snapshot
// exists for the requested role. Snapshots are produced out-of-band by the
// setup phase (cmd/authharness).
var ErrNoSnapshot = errors.New("session: no persisted snapshot for role")

// Expect describes the outcome a caller anticipates from a fresh
// interactive login.
type Expect struct {
	// MFA requests completion of the one-time-code challenge. A fresh login
	// that hits the MFA challenge without this set fails with
	// StateLeakError.
	MFA bool
	// BackupCode, when set with MFA, submits this single-use recovery code
	// instead of a generated one-time code.
	BackupCode string
	// TrustDevice marks the device trusted during MFA verification.
	TrustDevice bool
	// Remember selects the long-lived session cookie at login.
	Remember bool
	// URL, when set, replaces the landing-page outcome: the login is
	// considered settled once the predicate accepts the page URL, and the
	// authenticated-marker readiness gate is skipped.
	URL func(string) bool
}

// Provisioner establishes authenticated browser sessions. It owns the
// browser process; individual sessions own their execution contexts.
type Provisioner struct {
	cfg     *Config
	pw      *playwright.Playwright
	browser playwright.Browser
	codes   *otp.Generator
	solver  *challenge.Solver
	log     *slog.Logger

	// submitted remembers the last one-time code sent per secret. Servers
	// treat codes as single-use, so a second login inside the same step must
	// wait for the code to roll over.
	mu        sync.Mutex
	submitted map[string]string
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithOTPGenerator replaces the default one-time code generator.
func WithOTPGenerator(g *otp.Generator) ProvisionerOption {
	return func(p *Provisioner) { p.codes = g }
}

// WithLogger sets the provisioner's logger.
func WithLogger(log *slog.Logger) ProvisionerOption {
	return func(p *Provisioner) { p.log = log }
}

// NewProvisioner starts the browser runtime. Callers must Close it when the
// suite ends; closing the provisioner invalidates every session it created.
func NewProvisioner(cfg *Config, opts ...ProvisionerOption) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright (install browsers with: go run github.com/playwright-community/playwright-go/cmd/playwright install chromium): %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	p := &Provisioner{
		cfg:       cfg,
		pw:        pw,
		browser:   browser,
		codes:     otp.NewGenerator(),
		solver:    challenge.NewSolver(cfg.Budgets),
		log:       slog.Default(),
		submitted: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close shuts the browser runtime down.
func (p *Provisioner) Close() error {
	var firstErr error
	if p.browser != nil {
		if err := p.browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.pw != nil {
		if err := p.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SnapshotPath returns where the persisted snapshot for role lives.
func (p *Provisioner) SnapshotPath(role identity.Role) string {
	return filepath.Join(p.cfg.SnapshotDir, string(role)+".json")
}

// SaveSnapshot persists the session's cookie/storage state for its role so
// later runs can provision from it. Returns the snapshot path.
func (p *Provisioner) SaveSnapshot(s *Session) (string, error) {
	if err := os.MkdirAll(p.cfg.SnapshotDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	path := p.SnapshotPath(s.Role)
	if _, err := s.Context.StorageState(path); err != nil {
		return "", fmt.Errorf("failed to persist storage state: %w", err)
	}

	p.log.Info("authentication snapshot saved", "role", s.Role, "path", path)
	return path, nil
}

// FromSnapshot provisions a session seeded from the persisted snapshot for
// role. Fast, but the resulting session shares server-side state with every
// other test using the same role snapshot in this run: callers must not
// perform destructive actions (logout, password change, MFA toggling)
// against it.
func (p *Provisioner) FromSnapshot(ctx context.Context, role identity.Role) (*Session, error) {
	path := p.SnapshotPath(role)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s (run the snapshot setup phase first)", ErrNoSnapshot, role)
	}

	browserCtx, err := p.browser.NewContext(playwright.BrowserNewContextOptions{
		StorageStatePath: playwright.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot-seeded context: %w", err)
	}

	sess, err := p.openSession(browserCtx, identity.Identity{}, role, true)
	if err != nil {
		return nil, err
	}

	if _, err := sess.Page.Goto(p.cfg.BaseURL+DashboardPath, playwright.PageGotoOptions{
		Timeout: playwright.Float(float64(p.cfg.Budgets.Navigation.Milliseconds())),
	}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to open dashboard from snapshot: %w", err)
	}

	if err := p.waitReady(sess); err != nil {
		sess.Close()
		return nil, err
	}

	p.log.Info("session provisioned from snapshot", "role", role)
	return sess, nil
}

// Fresh provisions a brand-new execution context and performs an
// interactive login as id, solving the proof-of-work challenge on the way.
// The session is ready once the authenticated marker is visible, unless
// expect.URL selects a different outcome.
func (p *Provisioner) Fresh(ctx context.Context, id identity.Identity, expect Expect) (*Session, error) {
	browserCtx, err := p.browser.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	sess, err := p.openSession(browserCtx, id, id.Role, false)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			sess.Close()
		}
	}()

	if err := p.submitLoginForm(ctx, sess.Page, id, expect); err != nil {
		return nil, err
	}

	settledURL, err := p.awaitLoginOutcome(ctx, sess.Page, id, expect)
	if err != nil {
		return nil, err
	}

	if pathOf(settledURL) == MFAPath && !(expect.URL != nil && expect.URL(settledURL)) {
		if !expect.MFA {
			return nil, &StateLeakError{Username: id.Username, URL: settledURL}
		}
		if err := p.completeMFA(ctx, sess.Page, id, expect); err != nil {
			return nil, err
		}
	}

	if expect.URL == nil {
		if err := p.waitReady(sess); err != nil {
			return nil, err
		}
	}

	p.log.Info("fresh session provisioned",
		"username", id.Username,
		"role", id.Role,
		"mfa", expect.MFA,
	)

	ok = true
	return sess, nil
}

func (p *Provisioner) openSession(browserCtx playwright.BrowserContext, id identity.Identity, role identity.Role, snapshot bool) (*Session, error) {
	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	return &Session{
		Context:  browserCtx,
		Page:     page,
		Diag:     AttachDiagnostics(page),
		Identity: id,
		Role:     role,
		Snapshot: snapshot,
	}, nil
}

func (p *Provisioner) submitLoginForm(ctx context.Context, page playwright.Page, id identity.Identity, expect Expect) error {
	b := p.cfg.Budgets

	if _, err := page.Goto(p.cfg.BaseURL+LoginPath, playwright.PageGotoOptions{
		Timeout: playwright.Float(float64(b.Navigation.Milliseconds())),
	}); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}

	fill := playwright.LocatorFillOptions{Timeout: playwright.Float(float64(b.Element.Milliseconds()))}
	if err := page.Locator(usernameSelector).Fill(id.Username, fill); err != nil {
		return fmt.Errorf("failed to fill username: %w", err)
	}
	if err := page.Locator(passwordSelector).Fill(id.Password, fill); err != nil {
		return fmt.Errorf("failed to fill password: %w", err)
	}

	if expect.Remember {
		if err := page.Locator(rememberSelector).Check(playwright.LocatorCheckOptions{
			Timeout: playwright.Float(float64(b.Element.Milliseconds())),
		}); err != nil {
			return fmt.Errorf("failed to select remember option: %w", err)
		}
	}

	if err := p.solver.Solve(ctx, page); err != nil {
		return fmt.Errorf("failed to solve login challenge: %w", err)
	}

	if err := page.Locator(submitSelector).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(b.Element.Milliseconds())),
	}); err != nil {
		return fmt.Errorf("failed to submit login form: %w", err)
	}

	return nil
}

// awaitLoginOutcome waits for the page to settle on one of the expected
// post-login destinations: the landing page, the MFA challenge, or a
// caller-supplied URL predicate.
func (p *Provisioner) awaitLoginOutcome(ctx context.Context, page playwright.Page, id identity.Identity, expect Expect) (string, error) {
	var last string
	settled, err := budget.Poll(ctx, outcomePollEvery, p.cfg.Budgets.Navigation, func() (bool, error) {
		last = page.URL()
		if expect.URL != nil && expect.URL(last) {
			return true, nil
		}
		switch pathOf(last) {
		case DashboardPath, MFAPath:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed while waiting for login outcome: %w", err)
	}
	if !settled {
		return "", &LoginFailedError{
			Username: id.Username,
			URL:      last,
			Reason:   fmt.Sprintf("no expected outcome within the %s budget", budget.NameNavigation),
		}
	}
	return last, nil
}

func (p *Provisioner) completeMFA(ctx context.Context, page playwright.Page, id identity.Identity, expect Expect) error {
	b := p.cfg.Budgets
	fill := playwright.LocatorFillOptions{Timeout: playwright.Float(float64(b.Element.Milliseconds()))}
	check := playwright.LocatorCheckOptions{Timeout: playwright.Float(float64(b.Element.Milliseconds()))}

	code := expect.BackupCode
	if code == "" {
		generated, err := p.nextCode(ctx, id.TOTPSecret)
		if err != nil {
			return err
		}
		code = generated
	}

	if err := page.Locator(codeSelector).Fill(code, fill); err != nil {
		return fmt.Errorf("failed to fill one-time code: %w", err)
	}
	if expect.BackupCode != "" {
		if err := page.Locator(recoverySelector).Check(check); err != nil {
			return fmt.Errorf("failed to mark code as recovery code: %w", err)
		}
	}
	if expect.TrustDevice {
		if err := page.Locator(trustSelector).Check(check); err != nil {
			return fmt.Errorf("failed to select trust-device option: %w", err)
		}
	}

	if err := page.Locator(submitSelector).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(b.Element.Milliseconds())),
	}); err != nil {
		return fmt.Errorf("failed to submit one-time code: %w", err)
	}

	var last string
	settled, err := budget.Poll(ctx, outcomePollEvery, b.Navigation, func() (bool, error) {
		last = page.URL()
		if expect.URL != nil && expect.URL(last) {
			return true, nil
		}
		return pathOf(last) == DashboardPath, nil
	})
	if err != nil {
		return fmt.Errorf("failed while waiting for MFA outcome: %w", err)
	}
	if !settled {
		return &LoginFailedError{
			Username: id.Username,
			URL:      last,
			Reason:   fmt.Sprintf("one-time code not accepted within the %s budget", budget.NameNavigation),
		}
	}
	return nil
}

// nextCode produces a one-time code the server has not seen from this
// provisioner. A code generated too close to the step boundary could expire
// before the server sees it, so GenerateSafe waits the boundary out; a code
// equal to the previously submitted one waits for the rollover instead.
func (p *Provisioner) nextCode(ctx context.Context, secret string) (string, error) {
	code, err := p.codes.GenerateSafe(ctx, secret)
	if err != nil {
		return "", fmt.Errorf("failed to generate one-time code: %w", err)
	}

	p.mu.Lock()
	last := p.submitted[secret]
	p.mu.Unlock()

	if code == last {
		fresh, changed, err := p.codes.AwaitDifferentCode(ctx, secret, last, 2)
		if err != nil {
			return "", fmt.Errorf("failed waiting for one-time code rollover: %w", err)
		}
		if !changed {
			return "", fmt.Errorf("one-time code did not roll over within two steps")
		}
		code = fresh
	}

	p.mu.Lock()
	p.submitted[secret] = code
	p.mu.Unlock()
	return code, nil
}

// waitReady gates session readiness on the authenticated marker. The server
// performs a token-refresh round trip on bootstrap, so this draws from the
// auth-bootstrap budget rather than the plain element budget.
func (p *Provisioner) waitReady(sess *Session) error {
	start := time.Now()
	err := sess.Page.Locator(AuthenticatedMarker).WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(p.cfg.Budgets.AuthBootstrap.Milliseconds())),
	})
	if err != nil {
		return budget.NewTimeout(budget.NameAuthBootstrap,
			fmt.Sprintf("wait for authenticated marker %s", AuthenticatedMarker),
			time.Since(start))
	}
	return nil
}

// BestEffort runs a cleanup-category action that must never fail the test
// that invokes it: the identity it mutates is isolated and will not
// resurface elsewhere, so a dangling failure cannot contaminate other
// tests. The result is reported only through the return value and the log.
func BestEffort(log *slog.Logger, op string, fn func() error) bool {
	if log == nil {
		log = slog.Default()
	}
	if err := fn(); err != nil {
		log.Warn("best-effort cleanup failed", "op", op, "error", err)
		return false
	}
	return true
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}
