package testserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

type contextUser struct {
	User    *User
	Session *serverSession
}

// requireAuth resolves the session cookie to a user and enforces the forced
// password change guard. API routes get JSON errors, page routes redirect.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, *contextUser)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		isAPI := strings.HasPrefix(r.URL.Path, "/api/")

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			s.denyUnauthenticated(w, r, isAPI)
			return
		}
		sess, err := getSession(s.db, cookie.Value)
		if err != nil {
			s.log.Error("session lookup failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if sess == nil {
			s.denyUnauthenticated(w, r, isAPI)
			return
		}
		user, err := getUserByID(s.db, sess.UserID)
		if err != nil || user == nil {
			s.denyUnauthenticated(w, r, isAPI)
			return
		}

		// A pending forced change blocks everything except completing it
		// and logging out.
		if user.RequirePasswordChange && r.URL.Path != "/password/change" && r.URL.Path != "/logout" {
			if isAPI {
				writeJSONError(w, http.StatusUnauthorized, "password change required")
				return
			}
			http.Redirect(w, r, "/password/change", http.StatusSeeOther)
			return
		}

		next(w, r, &contextUser{User: user, Session: sess})
	}
}

func (s *Server) denyUnauthenticated(w http.ResponseWriter, r *http.Request, isAPI bool) {
	if isAPI {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.renderLogin(w, http.StatusOK, "")
}

func (s *Server) renderLogin(w http.ResponseWriter, status int, errMsg string) {
	s.renderPage(w, status, "login", pageData{
		Title:      "Sign in",
		Error:      errMsg,
		Challenge:  s.pow.Issue(),
		Difficulty: s.cfg.PowDifficulty,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, http.StatusBadRequest, "Invalid form submission.")
		return
	}

	if !s.pow.Verify(r.PostFormValue("pow_challenge"), r.PostFormValue("pow_nonce")) {
		s.renderLogin(w, http.StatusBadRequest, "Human verification failed. Please try again.")
		return
	}

	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	remember := r.PostFormValue("remember") != ""

	user, err := getUserByUsername(s.db, username)
	if err != nil {
		s.log.Error("user lookup failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		s.renderLogin(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}
	if user.Locked {
		s.renderLogin(w, http.StatusForbidden, "Account locked due to too many failed attempts.")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		locked, err := recordFailedAttempt(s.db, user.ID, s.cfg.LockoutThreshold)
		if err != nil {
			s.log.Error("failed to record login failure", "error", err)
		}
		if locked {
			s.log.Warn("account locked", "username", username)
			s.renderLogin(w, http.StatusForbidden, "Account locked due to too many failed attempts.")
			return
		}
		s.renderLogin(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}

	if err := resetFailedAttempts(s.db, user.ID); err != nil {
		s.log.Error("failed to reset attempt counter", "error", err)
	}

	if user.MFAEnabled && !s.deviceTrusted(r, user.ID) {
		challenge := s.mfa.Create(user.ID, remember)
		http.Redirect(w, r, "/login/mfa?challenge="+challenge.ID, http.StatusSeeOther)
		return
	}

	s.finishLogin(w, r, user, remember)
}

func (s *Server) deviceTrusted(r *http.Request, userID int64) bool {
	cookie, err := r.Cookie(trustedCookieName)
	if err != nil {
		return false
	}
	return s.trust.Trusted(cookie.Value, userID)
}

func (s *Server) handleMFAPage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("challenge")
	if s.mfa.Get(id) == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	s.renderPage(w, http.StatusOK, "mfa", pageData{Title: "Two-factor verification", ChallengeID: id})
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	id := r.PostFormValue("challenge")
	challenge := s.mfa.Get(id)
	if challenge == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	user, err := getUserByID(s.db, challenge.UserID)
	if err != nil || user == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	code := strings.TrimSpace(r.PostFormValue("code"))
	isRecovery := r.PostFormValue("is_recovery") != ""

	ok := false
	if isRecovery {
		ok, err = useBackupCode(s.db, user.ID, code)
		if err != nil {
			s.log.Error("backup code check failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
	} else {
		ok = s.verifyTOTP(user, code)
	}

	if !ok {
		if !s.mfa.RecordAttempt(id) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		s.renderPage(w, http.StatusUnauthorized, "mfa", pageData{
			Title:       "Two-factor verification",
			Error:       "Invalid verification code.",
			ChallengeID: id,
		})
		return
	}

	s.mfa.Delete(id)

	if r.PostFormValue("trust_device") != "" {
		token := s.trust.Add(user.ID)
		http.SetCookie(w, &http.Cookie{
			Name:     trustedCookieName,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			MaxAge:   int(trustedDeviceTTL.Seconds()),
			Expires:  time.Now().Add(trustedDeviceTTL),
			SameSite: http.SameSiteLaxMode,
		})
	}

	s.finishLogin(w, r, user, challenge.Remember)
}

// verifyTOTP validates the code against the user's secret and rejects a
// replay of the most recently accepted code.
func (s *Server) verifyTOTP(user *User, code string) bool {
	if user.TOTPSecret == "" || !totp.Validate(code, user.TOTPSecret) {
		return false
	}

	s.codeMu.Lock()
	defer s.codeMu.Unlock()
	if s.lastCodes[user.ID] == code {
		return false
	}
	s.lastCodes[user.ID] = code
	return true
}

func (s *Server) finishLogin(w http.ResponseWriter, r *http.Request, user *User, remember bool) {
	ttl := s.cfg.SessionTTL
	if remember {
		ttl = s.cfg.RememberTTL
	}

	token := uuid.New().String()
	expires := time.Now().Add(ttl)
	if err := createSession(s.db, token, user.ID, remember, expires); err != nil {
		s.log.Error("failed to create session", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(ttl.Seconds()),
		Expires:  expires,
		SameSite: http.SameSiteLaxMode,
	})

	s.log.Info("login succeeded", "username", user.Username, "remember", remember)

	if user.RequirePasswordChange {
		http.Redirect(w, r, "/password/change", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, cu *contextUser) {
	var err error
	switch s.cfg.SessionPolicy {
	case PolicyPerDevice:
		err = deleteSession(s.db, cu.Session.Token)
	default:
		err = deleteSessionsForUser(s.db, cu.User.ID)
	}
	if err != nil {
		s.log.Error("failed to revoke session", "error", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, cu *contextUser) {
	s.renderPage(w, http.StatusOK, "dashboard", pageData{
		Title:    "Dashboard",
		Username: cu.User.Username,
		Role:     cu.User.Role,
	})
}

func (s *Server) handlePasswordChangePage(w http.ResponseWriter, r *http.Request, cu *contextUser) {
	s.renderPage(w, http.StatusOK, "password_change", pageData{
		Title:  "Change password",
		Forced: cu.User.RequirePasswordChange,
	})
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request, cu *contextUser) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	current := r.PostFormValue("current_password")
	newPassword := r.PostFormValue("new_password")
	confirm := r.PostFormValue("confirm_password")

	renderErr := func(msg string) {
		s.renderPage(w, http.StatusBadRequest, "password_change", pageData{
			Title:  "Change password",
			Error:  msg,
			Forced: cu.User.RequirePasswordChange,
		})
	}

	if bcrypt.CompareHashAndPassword([]byte(cu.User.PasswordHash), []byte(current)) != nil {
		renderErr("Current password is incorrect.")
		return
	}
	if len(newPassword) < 8 {
		renderErr("New password must be at least 8 characters.")
		return
	}
	if newPassword != confirm {
		renderErr("New passwords do not match.")
		return
	}
	if newPassword == current {
		renderErr("New password must differ from the current password.")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcryptCost)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if err := updatePassword(s.db, cu.User.ID, string(hash)); err != nil {
		s.log.Error("failed to update password", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	s.log.Info("password changed", "username", cu.User.Username)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request, cu *contextUser) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(cu.User.PasswordHash), []byte(r.PostFormValue("password"))) != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	if err := setMFAEnabled(s.db, cu.User.ID, false); err != nil {
		s.log.Error("failed to disable MFA", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.log.Info("mfa disabled", "username", cu.User.Username)
	writeJSON(w, http.StatusOK, map[string]any{"mfa_enabled": false})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, cu *contextUser) {
	writeJSON(w, http.StatusOK, map[string]any{
		"username":    cu.User.Username,
		"email":       cu.User.Email,
		"role":        cu.User.Role,
		"mfa_enabled": cu.User.MFAEnabled,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) renderPage(w http.ResponseWriter, status int, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("template render failed", "template", name, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
