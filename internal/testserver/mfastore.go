package testserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	mfaChallengeTTL   = 5 * time.Minute
	maxMFAAttempts    = 5
	maxTrustedDevices = 32
	trustedDeviceTTL  = 30 * 24 * time.Hour
	trustedCookieName = "trusted_device"
	sessionCookieName = "harness_session"
)

// mfaChallenge is a pending second-factor prompt between the password step
// and session issuance.
type mfaChallenge struct {
	ID        string
	UserID    int64
	Remember  bool
	Attempts  int
	ExpiresAt time.Time
}

type mfaStore struct {
	mu         sync.Mutex
	challenges map[string]*mfaChallenge
}

func newMFAStore() *mfaStore {
	return &mfaStore{challenges: make(map[string]*mfaChallenge)}
}

func (s *mfaStore) Create(userID int64, remember bool) *mfaChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, c := range s.challenges {
		if now.After(c.ExpiresAt) {
			delete(s.challenges, id)
		}
	}

	c := &mfaChallenge{
		ID:        uuid.New().String(),
		UserID:    userID,
		Remember:  remember,
		ExpiresAt: now.Add(mfaChallengeTTL),
	}
	s.challenges[c.ID] = c
	return c
}

func (s *mfaStore) Get(id string) *mfaChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok || time.Now().After(c.ExpiresAt) {
		delete(s.challenges, id)
		return nil
	}
	return c
}

// RecordAttempt bumps the attempt counter and reports whether the challenge
// is still usable.
func (s *mfaStore) RecordAttempt(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return false
	}
	c.Attempts++
	if c.Attempts >= maxMFAAttempts {
		delete(s.challenges, id)
		return false
	}
	return true
}

func (s *mfaStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
}

// trustStore remembers devices that completed MFA with "trust this device"
// checked; logins from them skip the second factor.
type trustStore struct {
	mu      sync.Mutex
	devices map[string]trustedDevice
}

type trustedDevice struct {
	UserID    int64
	ExpiresAt time.Time
}

func newTrustStore() *trustStore {
	return &trustStore{devices: make(map[string]trustedDevice)}
}

func (s *trustStore) Add(userID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.devices) >= maxTrustedDevices {
		now := time.Now()
		for tok, d := range s.devices {
			if now.After(d.ExpiresAt) {
				delete(s.devices, tok)
			}
		}
	}

	token := uuid.New().String()
	s.devices[token] = trustedDevice{UserID: userID, ExpiresAt: time.Now().Add(trustedDeviceTTL)}
	return token
}

func (s *trustStore) Trusted(token string, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[token]
	if !ok || d.UserID != userID || time.Now().After(d.ExpiresAt) {
		return false
	}
	return true
}
