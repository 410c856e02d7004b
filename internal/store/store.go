package store

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite persistence for the exchange: user accounts, session
// tokens, and the collateral custody ledger the swap controller draws on.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The ledger uses read-modify-write transactions; a single connection
	// keeps SQLite from returning busy errors under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY REFERENCES users(id),
		available INTEGER NOT NULL DEFAULT 0,  -- settlement currency minor units
		locked INTEGER NOT NULL DEFAULT 0,     -- collateral held in escrow
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		CHECK (available >= 0),
		CHECK (locked >= 0)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		expires_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// User represents a registered user.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Account is a user's custody balances in the settlement currency.
type Account struct {
	UserID    string
	Available int64
	Locked    int64
	CreatedAt time.Time
}
