package session

import (
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/probelab/authharness/internal/identity"
)

// Session is an authenticated browser execution context: an isolated
// cookie/storage jar, an open page, and an attached diagnostics sink. A
// session is owned exclusively by the test that requested it and must be
// closed at test end on every exit path; Provisioner callers typically
// register Close with t.Cleanup.
type Session struct {
	Context playwright.BrowserContext
	Page    playwright.Page
	Diag    *Diagnostics

	// Identity is the identity the session authenticated as. Zero for
	// snapshot sessions, which are keyed by role only.
	Identity identity.Identity
	// Role the session was provisioned for.
	Role identity.Role
	// Snapshot marks sessions seeded from a persisted snapshot. These are
	// shared in spirit across tests using the same role within a run:
	// destructive actions (logout, password change, MFA toggling) are not
	// allowed against them.
	Snapshot bool

	mu     sync.Mutex
	closed bool
}

// Close tears the execution context down. It is idempotent and never
// returns an error for an already-closed session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.Diag != nil {
		s.Diag.Detach()
	}
	if err := s.Context.Close(); err != nil {
		return fmt.Errorf("failed to close browser context: %w", err)
	}
	return nil
}

// StateLeakError reports that a fresh login was redirected to the MFA
// challenge even though the caller did not request MFA handling. This means
// another concurrent flow toggled MFA on a shared identity; it is surfaced
// immediately and distinctly from a timeout because silently waiting would
// misattribute the failure to a slow login.
type StateLeakError struct {
	Username string
	URL      string
}

func (e *StateLeakError) Error() string {
	return fmt.Sprintf(
		"state leak: fresh login for %q was redirected to the MFA challenge (%s) without MFA expected; a concurrent flow likely toggled MFA on this identity",
		e.Username, e.URL)
}

// LoginFailedError reports that an interactive login reached none of the
// expected outcomes within the navigation budget.
type LoginFailedError struct {
	Username string
	URL      string
	Reason   string
}

func (e *LoginFailedError) Error() string {
	return fmt.Sprintf("login failed for %q: %s (last url %s)", e.Username, e.Reason, e.URL)
}
