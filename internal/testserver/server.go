package testserver

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/probelab/authharness/internal/identity"
)

// SessionPolicy controls what logout does to the user's other sessions.
type SessionPolicy string

const (
	// PolicySingleSession revokes every session of the user on logout.
	PolicySingleSession SessionPolicy = "single-session"
	// PolicyPerDevice revokes only the session that performed the logout.
	PolicyPerDevice SessionPolicy = "per-device"
)

// Config holds the tunable behavior of the test target.
type Config struct {
	DBPath           string
	SessionPolicy    SessionPolicy
	LockoutThreshold int
	SessionTTL       time.Duration
	RememberTTL      time.Duration
	PowDifficulty    int
	Log              *slog.Logger
}

// DefaultConfig returns the configuration the harness tests run against: an
// in-memory database, single-session logout, lockout after 5 failures, and
// the production cookie lifetimes.
func DefaultConfig() Config {
	return Config{
		DBPath:           ":memory:",
		SessionPolicy:    PolicySingleSession,
		LockoutThreshold: 5,
		SessionTTL:       24 * time.Hour,
		RememberTTL:      14 * 24 * time.Hour,
		PowDifficulty:    8,
	}
}

// Server is a small authentication web application used as the target of the
// harness's own tests. It implements password login behind a proof-of-work
// widget, TOTP and recovery-code MFA, trusted devices, account lockout,
// forced password change, and policy-controlled logout.
type Server struct {
	cfg   Config
	db    *sql.DB
	pow   *powIssuer
	mfa   *mfaStore
	trust *trustStore
	mux   *http.ServeMux
	log   *slog.Logger

	// lastCodes tracks the most recently accepted TOTP code per user so a
	// replayed code within the same step is rejected.
	codeMu    sync.Mutex
	lastCodes map[int64]string
}

// New opens the backing database and builds the route table. The caller owns
// Close.
func New(cfg Config) (*Server, error) {
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.RememberTTL <= 0 {
		cfg.RememberTTL = 14 * 24 * time.Hour
	}
	if cfg.PowDifficulty <= 0 {
		cfg.PowDifficulty = 8
	}
	if cfg.SessionPolicy == "" {
		cfg.SessionPolicy = PolicySingleSession
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = ":memory:"
	}

	db, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		db:        db,
		pow:       newPowIssuer(cfg.PowDifficulty, 5*time.Minute),
		mfa:       newMFAStore(),
		trust:     newTrustStore(),
		log:       cfg.Log,
		lastCodes: make(map[int64]string),
	}
	s.routes()
	return s, nil
}

// Seed creates server accounts for every identity in the registry.
func (s *Server) Seed(reg *identity.Registry) error {
	for _, id := range reg.All() {
		hash, err := bcrypt.GenerateFromPassword([]byte(id.Password), bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password for %s: %w", id.Username, err)
		}
		userID, err := insertUser(s.db, &User{
			Username:              id.Username,
			Email:                 id.Email,
			PasswordHash:          string(hash),
			Role:                  id.ServerRole,
			MFAEnabled:            id.MFAEnabled,
			TOTPSecret:            id.TOTPSecret,
			RequirePasswordChange: id.ForcePasswordChange,
		})
		if err != nil {
			return err
		}
		if len(id.BackupCodes) > 0 {
			if err := insertBackupCodes(s.db, userID, id.BackupCodes); err != nil {
				return err
			}
		}
	}
	return nil
}

// Handler returns the root handler, suitable for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Close() error {
	return s.db.Close()
}

func (s *Server) routes() {
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("GET /login/mfa", s.handleMFAPage)
	s.mux.HandleFunc("POST /login/mfa", s.handleMFAVerify)
	s.mux.HandleFunc("POST /logout", s.requireAuth(s.handleLogout))
	s.mux.HandleFunc("GET /dashboard", s.requireAuth(s.handleDashboard))
	s.mux.HandleFunc("GET /password/change", s.requireAuth(s.handlePasswordChangePage))
	s.mux.HandleFunc("POST /password/change", s.requireAuth(s.handlePasswordChange))
	s.mux.HandleFunc("POST /mfa/disable", s.requireAuth(s.handleMFADisable))
	s.mux.HandleFunc("GET /api/profile", s.requireAuth(s.handleProfile))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	})
}
