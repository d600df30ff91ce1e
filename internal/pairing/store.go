// Package pairing controls who may talk to the bot. Policy "open" admits
// everyone, "allowlist" admits only stored users, and "pair" lets unknown
// users request access with a short code an operator approves from the CLI.
package pairing

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Access policies.
const (
	PolicyOpen      = "open"
	PolicyAllowlist = "allowlist"
	PolicyPair      = "pair"
)

// Config holds access control configuration.
type Config struct {
	Policy            string `yaml:"policy"`  // open, allowlist, pair
	DBPath            string `yaml:"db_path"` // sqlite database file
	RequestTTLMinutes int    `yaml:"request_ttl_minutes"`
	SweepSchedule     string `yaml:"sweep_schedule"` // cron spec for expiry sweeps
}

// DefaultConfig returns default pairing configuration.
func DefaultConfig() *Config {
	return &Config{
		Policy:            PolicyPair,
		DBPath:            "~/.openclaw-feishu/pairing.db",
		RequestTTLMinutes: 60,
		SweepSchedule:     "@every 10m",
	}
}

// RequestTTL returns the pairing request lifetime.
func (c *Config) RequestTTL() time.Duration {
	if c.RequestTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.RequestTTLMinutes) * time.Minute
}

// AllowedUser is one allowlist entry.
type AllowedUser struct {
	OpenID  string
	Name    string
	AddedAt time.Time
}

// Request is a pending pairing request.
type Request struct {
	Code      string
	OpenID    string
	ChatID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists the allowlist and pending pairing requests.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the pairing database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create pairing db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing db: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an existing database connection and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate pairing tables: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS allowed_users (
			open_id TEXT PRIMARY KEY,
			name TEXT,
			added_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pairing_requests (
			code TEXT PRIMARY KEY,
			open_id TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pairing_requests_expires ON pairing_requests(expires_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Allowed reports whether openID is on the allowlist.
func (s *Store) Allowed(openID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM allowed_users WHERE open_id = ?`, openID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Allow adds openID to the allowlist, replacing any prior entry.
func (s *Store) Allow(openID, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO allowed_users (open_id, name, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(open_id) DO UPDATE SET name = excluded.name
	`, openID, name, time.Now().UTC())
	return err
}

// Revoke removes openID from the allowlist.
func (s *Store) Revoke(openID string) error {
	res, err := s.db.Exec(`DELETE FROM allowed_users WHERE open_id = ?`, openID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s is not on the allowlist", openID)
	}
	return nil
}

// ListAllowed returns all allowlist entries, newest first.
func (s *Store) ListAllowed() ([]AllowedUser, error) {
	rows, err := s.db.Query(`
		SELECT open_id, name, added_at FROM allowed_users ORDER BY added_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []AllowedUser
	for rows.Next() {
		var u AllowedUser
		var name sql.NullString
		if err := rows.Scan(&u.OpenID, &name, &u.AddedAt); err != nil {
			return nil, err
		}
		u.Name = name.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateRequest creates a pairing request for openID, or returns the
// still-valid existing one so repeated messages show the same code.
func (s *Store) CreateRequest(openID, chatID string, ttl time.Duration) (*Request, error) {
	now := time.Now().UTC()

	existing, err := s.requestByOpenID(openID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ExpiresAt.After(now) {
		return existing, nil
	}
	if existing != nil {
		if _, err := s.db.Exec(`DELETE FROM pairing_requests WHERE open_id = ?`, openID); err != nil {
			return nil, err
		}
	}

	req := &Request{
		Code:      newCode(),
		OpenID:    openID,
		ChatID:    chatID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err = s.db.Exec(`
		INSERT INTO pairing_requests (code, open_id, chat_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, req.Code, req.OpenID, req.ChatID, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Store) requestByOpenID(openID string) (*Request, error) {
	row := s.db.QueryRow(`
		SELECT code, open_id, chat_id, created_at, expires_at
		FROM pairing_requests WHERE open_id = ?
	`, openID)
	return scanRequest(row)
}

// Approve promotes the request identified by code onto the allowlist and
// returns the approved user's open ID.
func (s *Store) Approve(code string) (string, error) {
	row := s.db.QueryRow(`
		SELECT code, open_id, chat_id, created_at, expires_at
		FROM pairing_requests WHERE code = ?
	`, strings.ToUpper(strings.TrimSpace(code)))
	req, err := scanRequest(row)
	if err != nil {
		return "", err
	}
	if req == nil {
		return "", fmt.Errorf("no pairing request with code %s", code)
	}
	if req.ExpiresAt.Before(time.Now().UTC()) {
		return "", fmt.Errorf("pairing request %s has expired", code)
	}

	if err := s.Allow(req.OpenID, ""); err != nil {
		return "", err
	}
	_, err = s.db.Exec(`DELETE FROM pairing_requests WHERE code = ?`, req.Code)
	return req.OpenID, err
}

// ListRequests returns pending requests, oldest first.
func (s *Store) ListRequests() ([]Request, error) {
	rows, err := s.db.Query(`
		SELECT code, open_id, chat_id, created_at, expires_at
		FROM pairing_requests ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reqs []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.Code, &r.OpenID, &r.ChatID, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// SweepExpired deletes expired pairing requests, returning how many went.
func (s *Store) SweepExpired() (int, error) {
	res, err := s.db.Exec(`DELETE FROM pairing_requests WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	err := row.Scan(&r.Code, &r.OpenID, &r.ChatID, &r.CreatedAt, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// newCode derives a short, operator-friendly pairing code.
func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
