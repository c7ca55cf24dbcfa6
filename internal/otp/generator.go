// Package otp generates time-stepped one-time codes for MFA-enabled test
// identities. Beyond plain generation it provides the safe-window guard: a
// code produced moments before a step boundary may expire before the server
// sees it, so GenerateSafe refuses to return a code with less than the
// configured margin of remaining validity.
package otp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/probelab/authharness/internal/budget"
)

const (
	// DefaultStep is the standard TOTP time step.
	DefaultStep = 30 * time.Second
	// DefaultMargin is the minimum remaining validity GenerateSafe requires
	// before it will hand out a code.
	DefaultMargin = 3 * time.Second
	// awaitPollInterval is how often AwaitDifferentCode re-generates.
	awaitPollInterval = 3 * time.Second
)

// Generator produces six-digit SHA1 TOTP codes. The zero value is not
// usable; construct with NewGenerator.
type Generator struct {
	step   time.Duration
	margin time.Duration
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	log    *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithStep overrides the 30-second time step.
func WithStep(step time.Duration) Option {
	return func(g *Generator) { g.step = step }
}

// WithMargin overrides the safe-window margin.
func WithMargin(margin time.Duration) Option {
	return func(g *Generator) { g.margin = margin }
}

// WithClock injects the time source and sleep function, for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(g *Generator) {
		g.now = now
		g.sleep = sleep
	}
}

// WithLogger sets the logger used for safe-window waits.
func WithLogger(log *slog.Logger) Option {
	return func(g *Generator) { g.log = log }
}

// NewGenerator returns a Generator with the standard 30s/6-digit/SHA1
// parameters unless overridden.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		step:   DefaultStep,
		margin: DefaultMargin,
		now:    time.Now,
		sleep:  sleepCtx,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	// The TOTP counter math works in whole seconds.
	if g.step < time.Second {
		g.step = time.Second
	}
	if g.margin >= g.step {
		g.margin = g.step / 2
	}
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StepIndex returns floor(now / step), the index of the current time step.
// Two codes generated from the same secret are equal iff their step indexes
// are equal.
func (g *Generator) StepIndex() uint64 {
	return uint64(g.now().Unix()) / uint64(g.step.Seconds())
}

// Remaining returns how much of the current time step is left.
func (g *Generator) Remaining() time.Duration {
	elapsed := time.Duration(g.now().UnixNano()) % g.step
	return g.step - elapsed
}

// Generate returns the code for secret at the current step index.
func (g *Generator) Generate(secret string) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, g.now().UTC(), totp.ValidateOpts{
		Period:    uint(g.step.Seconds()),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate one-time code: %w", err)
	}
	return code, nil
}

// GenerateSafe returns a code that is guaranteed to stay valid for at least
// step-margin after return. When the current step has less than the margin
// remaining, it suspends until the next step begins and generates there,
// bounding the race between code generation and server-side submission.
func (g *Generator) GenerateSafe(ctx context.Context, secret string) (string, error) {
	if remaining := g.Remaining(); remaining <= g.margin {
		g.log.Debug("one-time code too close to step boundary, waiting for next step",
			"remaining", remaining,
			"margin", g.margin,
		)
		if err := g.sleep(ctx, remaining); err != nil {
			return "", fmt.Errorf("interrupted while waiting for next code step: %w", err)
		}
	}
	return g.Generate(secret)
}

// AwaitDifferentCode polls until the generated code differs from
// excludeCode, or maxWaitSteps full steps elapse. It returns the last code
// seen and whether it changed in time.
//
// "Still the same code" is a legitimate timing race, not an error, so it is
// reported only through the changed flag; callers doing cleanup treat an
// unchanged code as a reason to skip, never as a test failure.
func (g *Generator) AwaitDifferentCode(ctx context.Context, secret, excludeCode string, maxWaitSteps int) (string, bool, error) {
	if maxWaitSteps <= 0 {
		maxWaitSteps = 1
	}

	// Poll a few times per step, but never faster than the step allows.
	interval := g.step / 4
	if interval > awaitPollInterval {
		interval = awaitPollInterval
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	var last string
	changed, err := budget.Poll(ctx, interval, time.Duration(maxWaitSteps)*g.step, func() (bool, error) {
		code, err := g.Generate(secret)
		if err != nil {
			return false, err
		}
		last = code
		return code != excludeCode, nil
	})
	if err != nil {
		return "", false, err
	}
	return last, changed, nil
}
