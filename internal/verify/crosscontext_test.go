package verify

import (
	"strings"
	"testing"

	"github.com/probelab/authharness/internal/budget"
)

func TestOutcomeString(t *testing.T) {
	if OutcomeRevoked.String() != "revoked" {
		t.Errorf("unexpected string for revoked: %q", OutcomeRevoked.String())
	}
	if OutcomeRetained.String() != "retained" {
		t.Errorf("unexpected string for retained: %q", OutcomeRetained.String())
	}
	if !strings.Contains(Outcome(0).String(), "outcome") {
		t.Errorf("zero outcome should not pretend to be classified: %q", Outcome(0).String())
	}
}

func TestInconsistencyErrorNamesBudget(t *testing.T) {
	err := &InconsistencyError{
		Detail: "sibling session reached no outcome within the " + budget.NameNavigation + " budget",
	}
	if !strings.Contains(err.Error(), budget.NameNavigation) {
		t.Errorf("ambiguous-state failure should name the exceeded budget: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "cross-context") {
		t.Errorf("error should identify the verifier: %q", err.Error())
	}
}
