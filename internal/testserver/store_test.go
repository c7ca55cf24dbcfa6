package testserver

import (
	"testing"
	"time"
)

func TestExpiredSessionIsNotReturned(t *testing.T) {
	db, err := openStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	userID, err := insertUser(db, &User{Username: "u", Email: "u@example.test", PasswordHash: "x", Role: "user"})
	if err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}

	if err := createSession(db, "fresh", userID, false, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := createSession(db, "stale", userID, false, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if s, err := getSession(db, "fresh"); err != nil || s == nil {
		t.Errorf("live session should resolve, got %v / %v", s, err)
	}
	if s, err := getSession(db, "stale"); err != nil || s != nil {
		t.Errorf("expired session should be rejected, got %v / %v", s, err)
	}
	if s, err := getSession(db, "unknown"); err != nil || s != nil {
		t.Errorf("unknown token should be rejected, got %v / %v", s, err)
	}
}

func TestLockoutCounterAndReset(t *testing.T) {
	db, err := openStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	userID, err := insertUser(db, &User{Username: "u", Email: "u@example.test", PasswordHash: "x", Role: "user"})
	if err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}

	for i := 0; i < 2; i++ {
		locked, err := recordFailedAttempt(db, userID, 3)
		if err != nil {
			t.Fatalf("failed to record attempt: %v", err)
		}
		if locked {
			t.Fatalf("locked after %d attempts, threshold is 3", i+1)
		}
	}

	if err := resetFailedAttempts(db, userID); err != nil {
		t.Fatalf("failed to reset attempts: %v", err)
	}

	// The counter starts over after a reset.
	for i := 0; i < 3; i++ {
		locked, err := recordFailedAttempt(db, userID, 3)
		if err != nil {
			t.Fatalf("failed to record attempt: %v", err)
		}
		if locked != (i == 2) {
			t.Fatalf("attempt %d after reset: locked=%v", i+1, locked)
		}
	}

	u, err := getUserByID(db, userID)
	if err != nil || u == nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if !u.Locked {
		t.Error("user should be locked")
	}
}

func TestPowChallengeSingleUse(t *testing.T) {
	issuer := newPowIssuer(4, time.Minute)
	challenge := issuer.Issue()
	nonce := issuer.SolveNonce(challenge)

	if !issuer.Verify(challenge, nonce) {
		t.Fatal("valid solution rejected")
	}
	if issuer.Verify(challenge, nonce) {
		t.Error("challenge accepted twice")
	}
	if issuer.Verify("made-up", nonce) {
		t.Error("unknown challenge accepted")
	}
}

func TestPowRejectsBadNonce(t *testing.T) {
	// High difficulty so a trivial nonce is effectively never a solution.
	issuer := newPowIssuer(32, time.Minute)
	challenge := issuer.Issue()
	if issuer.Verify(challenge, "0") && issuer.Verify(issuer.Issue(), "1") {
		t.Error("implausible nonces accepted")
	}
}
