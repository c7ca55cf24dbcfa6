//go:build e2e

package e2e

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/probelab/authharness/internal/identity"
	"github.com/probelab/authharness/internal/otp"
	"github.com/probelab/authharness/internal/session"
	"github.com/probelab/authharness/internal/testserver"
)

func TestMFALogin(t *testing.T) {
	s := newSuite(t, testserver.DefaultConfig())
	ctx := testCtx(t, s.cfg.Budgets)

	sess, err := s.prov.Fresh(ctx, s.identity(t, identity.RoleMFA), session.Expect{MFA: true})
	if err != nil {
		t.Fatalf("MFA login failed: %v", err)
	}
	s.closeWithArtifacts(t, sess)

	visible, err := sess.Page.Locator(session.AuthenticatedMarker).IsVisible()
	if err != nil {
		t.Fatalf("marker check failed: %v", err)
	}
	if !visible {
		t.Error("authenticated marker not visible after MFA login")
	}
}

func TestMFABackupCodeLogin(t *testing.T) {
	s := newSuite(t, testserver.DefaultConfig())
	ctx := testCtx(t, s.cfg.Budgets)

	id := s.identity(t, identity.RoleBackupCodes)
	if len(id.BackupCodes) == 0 {
		t.Fatal("backup-codes identity carries no codes")
	}

	sess, err := s.prov.Fresh(ctx, id, session.Expect{
		MFA:        true,
		BackupCode: id.BackupCodes[0],
	})
	if err != nil {
		t.Fatalf("recovery-code login failed: %v", err)
	}
	sess.Close()

	// The code is spent now; a second login with it must fail at the MFA
	// step instead of reaching the dashboard.
	_, err = s.prov.Fresh(ctx, id, session.Expect{
		MFA:        true,
		BackupCode: id.BackupCodes[0],
	})
	if err == nil {
		t.Fatal("spent recovery code was accepted a second time")
	}
	var failed *session.LoginFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected LoginFailedError, got %v", err)
	}
}

func TestMFATrustDevice(t *testing.T) {
	s := newSuite(t, testserver.DefaultConfig())
	ctx := testCtx(t, s.cfg.Budgets)

	sess, err := s.prov.Fresh(ctx, s.identity(t, identity.RoleMFA), session.Expect{
		MFA:         true,
		TrustDevice: true,
	})
	if err != nil {
		t.Fatalf("trusted MFA login failed: %v", err)
	}
	s.closeWithArtifacts(t, sess)

	cookies, err := sess.Context.Cookies(s.web.URL)
	if err != nil {
		t.Fatalf("failed to read cookies: %v", err)
	}
	trusted := false
	for _, c := range cookies {
		if c.Name == "trusted_device" {
			trusted = true
		}
	}
	if !trusted {
		t.Error("no trusted-device cookie after opting in")
	}
}

// TestSequentialMFALogins covers the one-time-code reuse hazard: the server
// refuses a replayed code, so back-to-back logins inside a single 30-second
// step must wait for the code to roll over first.
func TestSequentialMFALogins(t *testing.T) {
	s := newSuite(t, testserver.DefaultConfig())
	ctx := testCtx(t, s.cfg.Budgets)

	id := s.identity(t, identity.RoleMFA)
	codes := otp.NewGenerator()

	first, err := s.prov.Fresh(ctx, id, session.Expect{MFA: true})
	if err != nil {
		t.Fatalf("first MFA login failed: %v", err)
	}
	used, err := codes.Generate(id.TOTPSecret)
	if err != nil {
		t.Fatalf("failed to read current code: %v", err)
	}
	first.Close()

	// Block until the generator emits a code the server has not seen.
	_, changed, err := codes.AwaitDifferentCode(ctx, id.TOTPSecret, used, 2)
	if err != nil {
		t.Fatalf("waiting for code rollover failed: %v", err)
	}
	if !changed {
		t.Fatal("code did not roll over within two steps")
	}

	second, err := s.prov.Fresh(ctx, id, session.Expect{MFA: true})
	if err != nil {
		t.Fatalf("second MFA login failed after rollover: %v", err)
	}
	second.Close()
}

// TestBestEffortMFADisable exercises the cleanup category: disabling MFA on
// the isolated mfa-enroll identity may fail without failing the test.
func TestBestEffortMFADisable(t *testing.T) {
	s := newSuite(t, testserver.DefaultConfig())
	ctx := testCtx(t, s.cfg.Budgets)

	id := s.identity(t, identity.RoleMFA)
	sess, err := s.prov.Fresh(ctx, id, session.Expect{MFA: true})
	if err != nil {
		t.Fatalf("MFA login failed: %v", err)
	}
	s.closeWithArtifacts(t, sess)

	ok := session.BestEffort(testLogger(t), "disable mfa", func() error {
		return postWithSessionCookies(sess, s.web.URL+"/mfa/disable", url.Values{
			"password": {id.Password},
		})
	})
	if !ok {
		t.Log("MFA disable did not succeed; continuing per cleanup policy")
		return
	}

	// When cleanup worked, the next login skips the challenge entirely.
	plain, err := s.prov.Fresh(ctx, id, session.Expect{})
	if err != nil {
		t.Fatalf("login after MFA disable failed: %v", err)
	}
	plain.Close()
}

// postWithSessionCookies replays the browser context's cookies on a direct
// HTTP call, for endpoints without a UI affordance.
func postWithSessionCookies(sess *session.Session, target string, form url.Values) error {
	cookies, err := sess.Context.Cookies()
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &unexpectedStatusError{Status: resp.StatusCode}
	}
	return nil
}

type unexpectedStatusError struct {
	Status int
}

func (e *unexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Status, http.StatusText(e.Status))
}
