package testserver

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"golang.org/x/crypto/bcrypt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT UNIQUE NOT NULL,
    email TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'user',
    mfa_enabled INTEGER NOT NULL DEFAULT 0,
    totp_secret TEXT NOT NULL DEFAULT '',
    require_password_change INTEGER NOT NULL DEFAULT 0,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    locked INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
    token TEXT PRIMARY KEY,
    user_id INTEGER NOT NULL,
    remember INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    expires_at DATETIME NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS backup_codes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    code_hash TEXT NOT NULL,
    used_at DATETIME,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_backup_codes_user ON backup_codes(user_id);
`

// bcryptCost stays at the minimum so seeding and login don't dominate test time.
const bcryptCost = bcrypt.MinCost

// User is a seeded test account as stored server-side.
type User struct {
	ID                    int64
	Username              string
	Email                 string
	PasswordHash          string
	Role                  string
	MFAEnabled            bool
	TOTPSecret            string
	RequirePasswordChange bool
	FailedAttempts        int
	Locked                bool
}

// serverSession is one issued session token.
type serverSession struct {
	Token     string
	UserID    int64
	Remember  bool
	ExpiresAt time.Time
}

func openStore(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases give every pooled connection its own database;
	// force a single connection so all queries see the same schema.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

func insertUser(db *sql.DB, u *User) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO users (username, email, password_hash, role, mfa_enabled, totp_secret, require_password_change)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.Email, u.PasswordHash, u.Role, u.MFAEnabled, u.TOTPSecret, u.RequirePasswordChange,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert user %s: %w", u.Username, err)
	}
	return res.LastInsertId()
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role,
		&u.MFAEnabled, &u.TOTPSecret, &u.RequirePasswordChange, &u.FailedAttempts, &u.Locked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

const userColumns = `id, username, email, password_hash, role, mfa_enabled, totp_secret, require_password_change, failed_attempts, locked`

func getUserByUsername(db *sql.DB, username string) (*User, error) {
	return scanUser(db.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func getUserByID(db *sql.DB, id int64) (*User, error) {
	return scanUser(db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// recordFailedAttempt bumps the failure counter and locks the account once
// the threshold is reached. Returns whether the account is now locked.
func recordFailedAttempt(db *sql.DB, userID int64, threshold int) (bool, error) {
	if _, err := db.Exec(`UPDATE users SET failed_attempts = failed_attempts + 1 WHERE id = ?`, userID); err != nil {
		return false, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	var attempts int
	if err := db.QueryRow(`SELECT failed_attempts FROM users WHERE id = ?`, userID).Scan(&attempts); err != nil {
		return false, fmt.Errorf("failed to read attempt counter: %w", err)
	}

	if attempts >= threshold {
		if _, err := db.Exec(`UPDATE users SET locked = 1 WHERE id = ?`, userID); err != nil {
			return false, fmt.Errorf("failed to lock account: %w", err)
		}
		return true, nil
	}
	return false, nil
}

func resetFailedAttempts(db *sql.DB, userID int64) error {
	_, err := db.Exec(`UPDATE users SET failed_attempts = 0 WHERE id = ?`, userID)
	return err
}

func updatePassword(db *sql.DB, userID int64, passwordHash string) error {
	_, err := db.Exec(`
		UPDATE users SET password_hash = ?, require_password_change = 0 WHERE id = ?`,
		passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

func setMFAEnabled(db *sql.DB, userID int64, enabled bool) error {
	_, err := db.Exec(`UPDATE users SET mfa_enabled = ? WHERE id = ?`, enabled, userID)
	return err
}

func createSession(db *sql.DB, token string, userID int64, remember bool, expiresAt time.Time) error {
	_, err := db.Exec(`
		INSERT INTO sessions (token, user_id, remember, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, remember, expiresAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func getSession(db *sql.DB, token string) (*serverSession, error) {
	var s serverSession
	var expires int64
	err := db.QueryRow(`
		SELECT token, user_id, remember, expires_at FROM sessions WHERE token = ?`, token).
		Scan(&s.Token, &s.UserID, &s.Remember, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	s.ExpiresAt = time.Unix(expires, 0)
	if time.Now().After(s.ExpiresAt) {
		return nil, nil
	}
	return &s, nil
}

func deleteSession(db *sql.DB, token string) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// deleteSessionsForUser revokes the user's entire token family, the
// single-session policy's behavior.
func deleteSessionsForUser(db *sql.DB, userID int64) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	return err
}

func insertBackupCodes(db *sql.DB, userID int64, codes []string) error {
	for _, code := range codes {
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash backup code: %w", err)
		}
		if _, err := db.Exec(`
			INSERT INTO backup_codes (user_id, code_hash) VALUES (?, ?)`,
			userID, string(hash)); err != nil {
			return fmt.Errorf("failed to insert backup code: %w", err)
		}
	}
	return nil
}

// useBackupCode consumes a single-use recovery code. Returns false when the
// code matches no unused entry.
func useBackupCode(db *sql.DB, userID int64, code string) (bool, error) {
	rows, err := db.Query(`
		SELECT id, code_hash FROM backup_codes WHERE user_id = ? AND used_at IS NULL`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load backup codes: %w", err)
	}
	defer rows.Close()

	var matchID int64 = -1
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return false, fmt.Errorf("failed to scan backup code: %w", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			matchID = id
			break
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if matchID < 0 {
		return false, nil
	}
	// Release the single pooled connection before the UPDATE; with
	// SetMaxOpenConns(1) an open result set would deadlock db.Exec.
	rows.Close()

	if _, err := db.Exec(`UPDATE backup_codes SET used_at = ? WHERE id = ?`, time.Now().UTC().Unix(), matchID); err != nil {
		return false, fmt.Errorf("failed to mark backup code used: %w", err)
	}
	return true, nil
}
