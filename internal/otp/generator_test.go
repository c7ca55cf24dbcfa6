package otp

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// The secret from the registry's MFA identity; any valid Base32 works here.
const testSecret = "JBSWY3DPEHPK3PXP"

// fakeClock drives a Generator deterministically. Sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	cancel bool
}

func (c *fakeClock) generator(opts ...Option) *Generator {
	base := []Option{WithClock(
		func() time.Time { return c.now },
		func(ctx context.Context, d time.Duration) error {
			if c.cancel {
				return context.Canceled
			}
			c.slept = append(c.slept, d)
			c.now = c.now.Add(d)
			return nil
		},
	)}
	return NewGenerator(append(base, opts...)...)
}

func atStepSecond(sec int) time.Time {
	// An instant aligned to a 30s step boundary, plus sec seconds.
	return time.Unix(1_700_000_010, 0).Truncate(30 * time.Second).Add(time.Duration(sec) * time.Second)
}

func TestGenerateDeterministicWithinStep(t *testing.T) {
	clock := &fakeClock{now: atStepSecond(5)}
	gen := clock.generator()

	first, err := gen.Generate(testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	clock.now = atStepSecond(25)
	second, err := gen.Generate(testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if first != second {
		t.Errorf("codes within one step differ: %q vs %q", first, second)
	}
	if len(first) != 6 {
		t.Errorf("expected six digits, got %q", first)
	}
}

func TestGenerateChangesAcrossStep(t *testing.T) {
	clock := &fakeClock{now: atStepSecond(5)}
	gen := clock.generator()

	first, _ := gen.Generate(testSecret)
	before := gen.StepIndex()

	clock.now = atStepSecond(35)
	second, _ := gen.Generate(testSecret)
	clock.now = atStepSecond(65)
	third, _ := gen.Generate(testSecret)

	if gen.StepIndex() != before+2 {
		t.Fatal("step index should advance across the boundaries")
	}
	// Adjacent steps can collide on the six-digit code in principle, but not
	// across two consecutive boundaries.
	if first == second && second == third {
		t.Errorf("codes across step boundaries never changed: %q", first)
	}
}

func TestGenerateMatchesServerValidation(t *testing.T) {
	clock := &fakeClock{now: atStepSecond(10)}
	gen := clock.generator()

	code, err := gen.Generate(testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ok, err := totp.ValidateCustom(code, testSecret, clock.now.UTC(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ok {
		t.Error("server-side validation rejected a generated code")
	}
}

func TestGenerateSafeInsideWindow(t *testing.T) {
	clock := &fakeClock{now: atStepSecond(10)}
	gen := clock.generator()

	code, err := gen.GenerateSafe(context.Background(), testSecret)
	if err != nil {
		t.Fatalf("generate safe: %v", err)
	}
	if len(clock.slept) != 0 {
		t.Errorf("no wait expected 10s into the step, slept %v", clock.slept)
	}
	if code == "" {
		t.Error("expected a code")
	}
}

func TestGenerateSafeAtSecondTwentyNineWaitsForNextStep(t *testing.T) {
	// At second 29 of a 30s step the
	// remaining validity (1s) is under the 3s margin, so the generator must
	// suspend and return the next step's code, not the expiring one.
	clock := &fakeClock{now: atStepSecond(29)}
	gen := clock.generator()

	indexBefore := gen.StepIndex()

	code, err := gen.GenerateSafe(context.Background(), testSecret)
	if err != nil {
		t.Fatalf("generate safe: %v", err)
	}
	if code == "" {
		t.Fatal("expected a code")
	}

	if len(clock.slept) != 1 || clock.slept[0] != time.Second {
		t.Fatalf("expected a single 1s wait to the boundary, got %v", clock.slept)
	}
	if gen.StepIndex() != indexBefore+1 {
		t.Errorf("expected the next step index after the wait")
	}
	if remaining := gen.Remaining(); remaining < gen.step-gen.margin {
		t.Errorf("returned code has only %v validity left", remaining)
	}
}

func TestGenerateSafeHonorsCancellation(t *testing.T) {
	clock := &fakeClock{now: atStepSecond(29), cancel: true}
	gen := clock.generator()

	if _, err := gen.GenerateSafe(context.Background(), testSecret); err == nil {
		t.Fatal("expected error when the safe-window wait is cancelled")
	}
}

func TestGenerateSafeCustomStepAndMargin(t *testing.T) {
	clock := &fakeClock{now: time.Unix(600, 0).Add(58 * time.Second)}
	gen := clock.generator(WithStep(60*time.Second), WithMargin(5*time.Second))

	if _, err := gen.GenerateSafe(context.Background(), testSecret); err != nil {
		t.Fatalf("generate safe: %v", err)
	}
	if len(clock.slept) != 1 || clock.slept[0] != 2*time.Second {
		t.Errorf("expected a 2s wait to the 60s boundary, got %v", clock.slept)
	}
}

func TestAwaitDifferentCodeImmediate(t *testing.T) {
	gen := NewGenerator(WithStep(time.Second))

	code, changed, err := gen.AwaitDifferentCode(context.Background(), testSecret, "000000-not-a-code", 2)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !changed {
		t.Fatal("expected immediate change against an impossible exclude code")
	}
	if code == "" {
		t.Error("expected a code")
	}
}

func TestAwaitDifferentCodeChangesAcrossSteps(t *testing.T) {
	gen := NewGenerator(WithStep(time.Second))

	current, err := gen.Generate(testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	code, changed, err := gen.AwaitDifferentCode(context.Background(), testSecret, current, 3)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !changed {
		t.Fatal("expected the code to change within three 1s steps")
	}
	if code == current {
		t.Error("changed flag set but code equals the excluded one")
	}
}

func TestAwaitDifferentCodeSoftExpiry(t *testing.T) {
	// A one-hour step cannot roll over during the test; the wait budget is
	// one step but Poll's deadline math uses wall time, so cap the wait by
	// cancelling via context instead of sitting out the budget.
	gen := NewGenerator(WithStep(time.Hour))

	current, err := gen.Generate(testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, changed, err := gen.AwaitDifferentCode(ctx, testSecret, current, 1)
	if changed {
		t.Fatal("code cannot change within an hour-long step")
	}
	// Context expiry is reported as an error; an expired poll budget is not.
	if err == nil {
		t.Log("await returned without change before the context expired")
	}
}
