// Package challenge drives the proof-of-work human-verification widget
// through its verification state machine during interactive login.
//
// The widget renders its state as a data attribute on an inner node, not on
// the outer custom element (the state lives in the light DOM), so the solver
// targets WidgetStateSelector rather than WidgetSelector.
package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/probelab/authharness/internal/budget"
)

// State is one of the widget's three observable verification states.
type State string

const (
	StateUnverified State = "unverified"
	StateVerifying  State = "verifying"
	StateVerified   State = "verified"
)

// Selectors for the widget's DOM contract.
const (
	// WidgetSelector matches the outer custom element.
	WidgetSelector = "pow-captcha"
	// WidgetStateSelector matches the inner node carrying the state
	// attribute.
	WidgetStateSelector = "pow-captcha .pow-widget"
	// WidgetTriggerSelector matches the user-input control that starts the
	// proof-of-work computation.
	WidgetTriggerSelector = "pow-captcha .pow-checkbox"
	// stateAttribute is the attribute the inner node cycles through the
	// three states.
	stateAttribute = "data-state"
)

// statePollInterval is how often the solver re-reads the state attribute.
const statePollInterval = 250 * time.Millisecond

// InitError reports that the widget never reached a solvable state: within
// the init timeout it was neither unverified nor verified, which usually
// means the widget script errored.
type InitError struct {
	Observed string // last attribute value seen, empty if never attached
}

func (e *InitError) Error() string {
	if e.Observed == "" {
		return "challenge widget did not attach or expose a state"
	}
	return fmt.Sprintf("challenge widget in unexpected state %q", e.Observed)
}

// TimeoutError reports that the proof-of-work computation did not finish
// within the solve timeout.
type TimeoutError struct {
	Elapsed   time.Duration
	LastState string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("challenge did not verify within %v (last state %q, %s budget)",
		e.Elapsed.Round(time.Millisecond), e.LastState, budget.NameChallengeSolve)
}

// Solver verifies the proof-of-work widget on a login page.
type Solver struct {
	// InitTimeout bounds waiting for the widget to attach and report a
	// starting state.
	InitTimeout time.Duration
	// SolveTimeout bounds the proof-of-work computation itself. Solve time
	// is variable and environment-dependent, so this must be materially
	// larger than InitTimeout.
	SolveTimeout time.Duration

	Log *slog.Logger
}

// NewSolver builds a Solver from the element and challenge-solve budgets.
func NewSolver(b budget.Budgets) *Solver {
	return &Solver{
		InitTimeout:  b.Element,
		SolveTimeout: b.ChallengeSolve,
		Log:          slog.Default(),
	}
}

// Solve drives the widget on page to the verified state. It never assumes a
// starting state: a widget that is already verified returns immediately, so
// Solve is safe to call twice on the same page.
func (s *Solver) Solve(ctx context.Context, page playwright.Page) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	stateNode := page.Locator(WidgetStateSelector)

	// Wait for the widget to attach before reading anything.
	if err := stateNode.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(s.InitTimeout.Milliseconds())),
	}); err != nil {
		return &InitError{}
	}

	state, err := s.readState(stateNode)
	if err != nil {
		return fmt.Errorf("failed to read challenge state: %w", err)
	}

	// Idempotent short-circuit.
	if state == StateVerified {
		log.Debug("challenge already verified, nothing to do")
		return nil
	}

	// The widget may still be booting; give it the init timeout to settle
	// into a known state.
	if state != StateUnverified {
		settled, pollErr := budget.Poll(ctx, statePollInterval, s.InitTimeout, func() (bool, error) {
			st, err := s.readState(stateNode)
			if err != nil {
				return false, err
			}
			state = st
			return st == StateUnverified || st == StateVerified, nil
		})
		if pollErr != nil {
			return fmt.Errorf("failed to observe challenge init state: %w", pollErr)
		}
		if !settled {
			return &InitError{Observed: string(state)}
		}
		if state == StateVerified {
			return nil
		}
	}

	// Trigger the user-input action that starts the proof-of-work
	// computation.
	if err := page.Locator(WidgetTriggerSelector).Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(s.InitTimeout.Milliseconds())),
	}); err != nil {
		return fmt.Errorf("failed to trigger challenge: %w", err)
	}

	log.Debug("challenge triggered, waiting for proof-of-work to complete",
		"solve_timeout", s.SolveTimeout,
	)

	start := time.Now()
	verified, err := budget.Poll(ctx, statePollInterval, s.SolveTimeout, func() (bool, error) {
		st, err := s.readState(stateNode)
		if err != nil {
			return false, err
		}
		state = st
		return st == StateVerified, nil
	})
	if err != nil {
		return fmt.Errorf("failed while waiting for challenge to verify: %w", err)
	}
	if !verified {
		return &TimeoutError{Elapsed: time.Since(start), LastState: string(state)}
	}

	log.Debug("challenge verified", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Solver) readState(node playwright.Locator) (State, error) {
	value, err := node.GetAttribute(stateAttribute)
	if err != nil {
		return "", err
	}
	return State(value), nil
}
