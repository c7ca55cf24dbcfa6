// Package budget defines the named timeout budgets shared by every harness
// component, and the bounded polling primitive used wherever the harness has
// to wait for browser or server state to settle.
//
// Every suspension point in the harness draws its limit from one of the named
// budgets so a timeout failure can always be attributed to a specific budget
// in the failure message.
package budget

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Budget names, used in TimeoutError and in failure messages.
const (
	NameElement        = "element-visibility"
	NameAPI            = "api-round-trip"
	NameNavigation     = "navigation"
	NameAuthBootstrap  = "auth-bootstrap"
	NameChallengeSolve = "challenge-solve"
	NameGlobal         = "global"
)

// Budgets holds the timeout budget for each class of suspension point.
type Budgets struct {
	// Element bounds waits for a single element to become visible or hidden.
	Element time.Duration
	// API bounds a single API round trip observed from the browser.
	API time.Duration
	// Navigation bounds a page navigation including redirects.
	Navigation time.Duration
	// AuthBootstrap bounds the wait for the authenticated UI marker after
	// login. It is longer than Element because the server performs a
	// token-refresh round trip before the marker renders.
	AuthBootstrap time.Duration
	// ChallengeSolve bounds the proof-of-work computation. Solve time is a
	// cost function, not fixed latency, so this is the most generous budget.
	ChallengeSolve time.Duration
	// Global bounds a whole test scenario.
	Global time.Duration
}

// Default returns the budgets used when no environment overrides are set.
func Default() Budgets {
	return Budgets{
		Element:        5 * time.Second,
		API:            10 * time.Second,
		Navigation:     15 * time.Second,
		AuthBootstrap:  20 * time.Second,
		ChallengeSolve: 45 * time.Second,
		Global:         2 * time.Minute,
	}
}

// Load reads budgets from environment variables (HARNESS_BUDGET_* in
// seconds) with Default values as fallback.
func Load() (Budgets, error) {
	d := Default()
	b := Budgets{
		Element:        getEnvDuration("HARNESS_BUDGET_ELEMENT_SECONDS", d.Element),
		API:            getEnvDuration("HARNESS_BUDGET_API_SECONDS", d.API),
		Navigation:     getEnvDuration("HARNESS_BUDGET_NAVIGATION_SECONDS", d.Navigation),
		AuthBootstrap:  getEnvDuration("HARNESS_BUDGET_AUTH_BOOTSTRAP_SECONDS", d.AuthBootstrap),
		ChallengeSolve: getEnvDuration("HARNESS_BUDGET_CHALLENGE_SOLVE_SECONDS", d.ChallengeSolve),
		Global:         getEnvDuration("HARNESS_BUDGET_GLOBAL_SECONDS", d.Global),
	}

	if err := b.Validate(); err != nil {
		return Budgets{}, fmt.Errorf("budget validation failed: %w", err)
	}

	return b, nil
}

// Validate ensures the budgets are positive and ordered sensibly.
func (b Budgets) Validate() error {
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{NameElement, b.Element},
		{NameAPI, b.API},
		{NameNavigation, b.Navigation},
		{NameAuthBootstrap, b.AuthBootstrap},
		{NameChallengeSolve, b.ChallengeSolve},
		{NameGlobal, b.Global},
	} {
		if f.d <= 0 {
			return fmt.Errorf("budget %s must be positive, got %v", f.name, f.d)
		}
	}

	if b.AuthBootstrap <= b.Element {
		return fmt.Errorf("budget %s (%v) must exceed %s (%v)",
			NameAuthBootstrap, b.AuthBootstrap, NameElement, b.Element)
	}

	// Proof-of-work solve time is environment-dependent, so the solve budget
	// must be materially larger than the element budget used for widget init.
	if b.ChallengeSolve <= 2*b.Element {
		return fmt.Errorf("budget %s (%v) must be at least twice %s (%v)",
			NameChallengeSolve, b.ChallengeSolve, NameElement, b.Element)
	}

	return nil
}

// TimeoutError reports that a named budget was exceeded.
type TimeoutError struct {
	Budget  string        // one of the Name* constants
	Op      string        // what was being waited for
	Elapsed time.Duration // how long the wait actually ran
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: exceeded %s budget after %v", e.Op, e.Budget, e.Elapsed.Round(time.Millisecond))
}

// NewTimeout builds a TimeoutError for the given budget name and operation.
func NewTimeout(budgetName, op string, elapsed time.Duration) *TimeoutError {
	return &TimeoutError{Budget: budgetName, Op: op, Elapsed: elapsed}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// Poll runs check every interval until it reports done, maxWait elapses, or
// ctx is cancelled. The interval grows by half after each attempt, capped at
// four times the initial interval, so long waits back off instead of spinning.
//
// The boolean result distinguishes "condition held in time" from "budget
// spent without the condition holding"; the latter is not an error, because
// callers decide whether an expired wait is a failure or a legitimate timing
// race. An error is returned only when check itself fails or ctx is done.
func Poll(ctx context.Context, interval, maxWait time.Duration, check func() (bool, error)) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("poll interval must be positive, got %v", interval)
	}

	deadline := time.Now().Add(maxWait)
	maxInterval := 4 * interval

	for {
		done, err := check()
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if interval > remaining {
			interval = remaining
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}

		interval = interval + interval/2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}
