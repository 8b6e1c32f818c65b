package storage

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// AllowedUser represents a user in the whitelist.
type AllowedUser struct {
	TelegramID int64
	AddedAt    time.Time
	AddedBy    int64
}

// Store defines the interface for bot persistence.
type Store interface {
	Close() error

	// Allowed users methods
	IsUserAllowed(telegramID int64) (bool, error)
	AddAllowedUser(telegramID, addedBy int64) error
	RemoveAllowedUser(telegramID int64) error
	GetAllowedUsers() ([]AllowedUser, error)

	// Usage ledger methods
	RecordUsage(entry *UsageEntry) error
	GetUsageSummary(since time.Time, telegramID int64) (*UsageSummary, error)
	PruneUsage(olderThan time.Time) (int64, error)

	// Provider preference methods
	SetPreferredProvider(telegramID int64, provider string) error
	GetPreferredProvider(telegramID int64) (string, error)
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-based store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite with WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set file permissions (only works on creation)
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		// Ignore error if file doesn't exist yet
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	allowedUsersQuery := `
	CREATE TABLE IF NOT EXISTS allowed_users (
		telegram_id INTEGER PRIMARY KEY,
		added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		added_by INTEGER
	);
	`
	if _, err := s.db.Exec(allowedUsersQuery); err != nil {
		return fmt.Errorf("failed to create allowed_users table: %w", err)
	}

	usageQuery := `
	CREATE TABLE IF NOT EXISTS analysis_usage (
		id TEXT PRIMARY KEY,
		telegram_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		outcome TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_unix INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(usageQuery); err != nil {
		return fmt.Errorf("failed to create analysis_usage table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_analysis_usage_created ON analysis_usage(created_unix)"); err != nil {
		return fmt.Errorf("failed to create analysis_usage index: %w", err)
	}

	userSettingsQuery := `
	CREATE TABLE IF NOT EXISTS user_settings (
		telegram_id INTEGER PRIMARY KEY,
		provider TEXT
	);
	`
	if _, err := s.db.Exec(userSettingsQuery); err != nil {
		return fmt.Errorf("failed to create user_settings table: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// IsUserAllowed checks if a user is in the whitelist.
func (s *SQLiteStore) IsUserAllowed(telegramID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM allowed_users WHERE telegram_id = ?",
		telegramID,
	).Scan(&count)

	if err != nil {
		return false, fmt.Errorf("failed to check allowed user: %w", err)
	}

	return count > 0, nil
}

// AddAllowedUser adds a user to the whitelist.
func (s *SQLiteStore) AddAllowedUser(telegramID, addedBy int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO allowed_users (telegram_id, added_by)
		VALUES (?, ?)
		ON CONFLICT(telegram_id) DO UPDATE SET
			added_by = excluded.added_by,
			added_at = CURRENT_TIMESTAMP
	`, telegramID, addedBy)

	if err != nil {
		return fmt.Errorf("failed to add allowed user: %w", err)
	}
	return nil
}

// RemoveAllowedUser removes a user from the whitelist.
func (s *SQLiteStore) RemoveAllowedUser(telegramID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM allowed_users WHERE telegram_id = ?", telegramID)
	if err != nil {
		return fmt.Errorf("failed to remove allowed user: %w", err)
	}
	return nil
}

// GetAllowedUsers returns all users in the whitelist.
func (s *SQLiteStore) GetAllowedUsers() ([]AllowedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT telegram_id, added_at, added_by FROM allowed_users ORDER BY added_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query allowed users: %w", err)
	}
	defer rows.Close()

	var users []AllowedUser
	for rows.Next() {
		var user AllowedUser
		var addedBy sql.NullInt64
		if err := rows.Scan(&user.TelegramID, &user.AddedAt, &addedBy); err != nil {
			return nil, fmt.Errorf("failed to scan allowed user: %w", err)
		}
		user.AddedBy = addedBy.Int64
		users = append(users, user)
	}

	return users, rows.Err()
}

// SetPreferredProvider stores the analysis provider chosen by a user.
func (s *SQLiteStore) SetPreferredProvider(telegramID int64, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO user_settings (telegram_id, provider)
	VALUES (?, ?)
	ON CONFLICT(telegram_id) DO UPDATE SET
		provider = excluded.provider;
	`
	if _, err := s.db.Exec(query, telegramID, provider); err != nil {
		return fmt.Errorf("failed to set provider: %w", err)
	}
	return nil
}

// GetPreferredProvider returns the user's provider, or "" if not set.
func (s *SQLiteStore) GetPreferredProvider(telegramID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var provider sql.NullString
	err := s.db.QueryRow(
		"SELECT provider FROM user_settings WHERE telegram_id = ?",
		telegramID,
	).Scan(&provider)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query provider: %w", err)
	}

	return provider.String, nil
}

func newID() string {
	return uuid.New().String()
}
