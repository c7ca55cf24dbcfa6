// Package verify exercises cross-session invalidation semantics: two
// independent browser contexts authenticated as the same identity, a
// state-changing action in one, and an observed effect in the other.
//
// The server's revocation policy (one global session per identity vs
// independent per-device token families) is a configuration choice of the
// system under test, not a harness invariant, so the verifier classifies
// the observed outcome instead of asserting which policy is in effect.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/probelab/authharness/internal/budget"
	"github.com/probelab/authharness/internal/identity"
	"github.com/probelab/authharness/internal/session"
)

// Outcome classifies what the sibling session observed after the
// state-changing action.
type Outcome int

const (
	// OutcomeRevoked: the sibling was forced out; the whole refresh-token
	// family was revoked (single-session policy).
	OutcomeRevoked Outcome = iota + 1
	// OutcomeRetained: the sibling stayed authenticated; token families
	// are independent per device.
	OutcomeRetained
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRevoked:
		return "revoked"
	case OutcomeRetained:
		return "retained"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// InconsistencyError reports that the sibling session's UI contradicted the
// classified outcome, or that no outcome could be observed in time. Both are
// hard failures: ambiguous server state, distinct from the two accepted
// outcomes.
type InconsistencyError struct {
	Detail string
}

func (e *InconsistencyError) Error() string {
	return "cross-context invalidation: " + e.Detail
}

// Action is the state-changing operation performed in the first session,
// e.g. logout or a forced password change.
type Action func(ctx context.Context, s *session.Session) error

// Verifier orchestrates the two-session invalidation check.
type Verifier struct {
	Provisioner *session.Provisioner
	BaseURL     string
	Budgets     budget.Budgets
	Log         *slog.Logger
}

// Run provisions two fresh sessions as id, performs act exclusively in the
// first, probes a protected resource in the second, and classifies the
// result. Both sessions are closed before Run returns.
func (v *Verifier) Run(ctx context.Context, id identity.Identity, act Action) (Outcome, error) {
	log := v.Log
	if log == nil {
		log = slog.Default()
	}

	sessA, err := v.Provisioner.Fresh(ctx, id, session.Expect{MFA: id.MFAEnabled})
	if err != nil {
		return 0, fmt.Errorf("failed to provision first session: %w", err)
	}
	defer sessA.Close()

	sessB, err := v.Provisioner.Fresh(ctx, id, session.Expect{MFA: id.MFAEnabled})
	if err != nil {
		return 0, fmt.Errorf("failed to provision second session: %w", err)
	}
	defer sessB.Close()

	// Both sessions must observe the authenticated marker before the action;
	// Fresh already gates on it, so this is a cheap re-check.
	for name, s := range map[string]*session.Session{"A": sessA, "B": sessB} {
		visible, err := markerVisible(s.Page)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect session %s marker: %w", name, err)
		}
		if !visible {
			return 0, &InconsistencyError{Detail: fmt.Sprintf("session %s lost its authenticated marker before the action", name)}
		}
	}

	if err := act(ctx, sessA); err != nil {
		return 0, fmt.Errorf("state-changing action failed in first session: %w", err)
	}

	// Trigger a protected request in B and watch where it lands.
	if _, err := sessB.Page.Goto(v.BaseURL+session.DashboardPath, playwright.PageGotoOptions{
		Timeout: playwright.Float(float64(v.Budgets.Navigation.Milliseconds())),
	}); err != nil {
		return 0, fmt.Errorf("failed to request protected resource in second session: %w", err)
	}

	outcome, err := v.classify(ctx, sessB)
	if err != nil {
		return 0, err
	}

	log.Info("cross-context invalidation observed",
		"username", id.Username,
		"outcome", outcome.String(),
	)
	return outcome, nil
}

// classify waits for the sibling session to settle into one of the two
// accepted outcomes and checks the outcome is internally consistent.
func (v *Verifier) classify(ctx context.Context, sessB *session.Session) (Outcome, error) {
	var outcome Outcome
	start := time.Now()

	settled, err := budget.Poll(ctx, 250*time.Millisecond, v.Budgets.Navigation, func() (bool, error) {
		p := pathOf(sessB.Page.URL())

		if p == session.LoginPath {
			outcome = OutcomeRevoked
			return true, nil
		}
		if p == session.DashboardPath {
			visible, err := markerVisible(sessB.Page)
			if err != nil {
				return false, err
			}
			if visible {
				outcome = OutcomeRetained
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed while observing sibling session: %w", err)
	}
	if !settled {
		// Neither forced out nor demonstrably authenticated in time.
		return 0, &InconsistencyError{
			Detail: fmt.Sprintf("sibling session reached no outcome within the %s budget (%v)",
				budget.NameNavigation, time.Since(start).Round(time.Millisecond)),
		}
	}

	// Internal-consistency check: a revoked session must not still show the
	// authenticated marker.
	if outcome == OutcomeRevoked {
		visible, err := markerVisible(sessB.Page)
		if err != nil {
			return 0, fmt.Errorf("failed to re-inspect sibling marker: %w", err)
		}
		if visible {
			return 0, &InconsistencyError{
				Detail: "sibling session was redirected to login but still shows the authenticated marker",
			}
		}
	}

	return outcome, nil
}

func markerVisible(page playwright.Page) (bool, error) {
	return page.Locator(session.AuthenticatedMarker).IsVisible()
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}
