package testserver

import (
	"crypto/sha256"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// powIssuer hands out single-use proof-of-work challenges. The client must
// find a nonce such that sha256(challenge + ":" + nonce) starts with at
// least `difficulty` zero bits.
type powIssuer struct {
	mu         sync.Mutex
	challenges map[string]time.Time
	ttl        time.Duration
	difficulty int
}

func newPowIssuer(difficulty int, ttl time.Duration) *powIssuer {
	return &powIssuer{
		challenges: make(map[string]time.Time),
		ttl:        ttl,
		difficulty: difficulty,
	}
}

func (p *powIssuer) Issue() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for c, exp := range p.challenges {
		if now.After(exp) {
			delete(p.challenges, c)
		}
	}

	challenge := uuid.New().String()
	p.challenges[challenge] = now.Add(p.ttl)
	return challenge
}

// Verify checks the solution and consumes the challenge. A valid nonce for
// an unknown, expired, or already-used challenge is rejected.
func (p *powIssuer) Verify(challenge, nonce string) bool {
	p.mu.Lock()
	exp, known := p.challenges[challenge]
	if known {
		delete(p.challenges, challenge)
	}
	p.mu.Unlock()

	if !known || time.Now().After(exp) {
		return false
	}

	sum := sha256.Sum256([]byte(challenge + ":" + nonce))
	return leadingZeroBits(sum[:]) >= p.difficulty
}

// SolveNonce brute-forces a valid nonce for the given challenge. Exposed so
// HTTP-level tests can complete the login form without a browser.
func (p *powIssuer) SolveNonce(challenge string) string {
	for n := 0; ; n++ {
		nonce := strconv.Itoa(n)
		sum := sha256.Sum256([]byte(challenge + ":" + nonce))
		if leadingZeroBits(sum[:]) >= p.difficulty {
			return nonce
		}
	}
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, v := range b {
		if v == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0 && v&mask == 0; mask >>= 1 {
			n++
		}
		break
	}
	return n
}
