package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/hosorelay/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides SQLite-backed account storage.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		name          TEXT    PRIMARY KEY CHECK(length(name) > 0 AND length(name) <= 64),
		password_hash TEXT    NOT NULL,
		hub_id        INTEGER NOT NULL CHECK(hub_id > 0),
		admin         INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS hubs (
		hub_id        INTEGER PRIMARY KEY CHECK(hub_id > 0),
		password_hash TEXT    NOT NULL,
		alias         TEXT    NOT NULL DEFAULT '',
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS session_keys (
		key_hash   TEXT PRIMARY KEY,
		user_name  TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_session_keys_user ON session_keys(user_name)",
				"CREATE INDEX IF NOT EXISTS idx_users_hub ON users(hub_id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- Users ----

// CreateUser inserts a new user. The name and hub id are validated first.
func (s *baseProvider) CreateUser(user *model.UserAccount) error {
	if err := model.ValidateName(user.Name); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	if err := model.ValidateHubID(user.HubID); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	if user.PasswordHash == "" {
		return fmt.Errorf("datastore: create user: %w", model.ErrPasswordEmpty)
	}
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO users (name, password_hash, hub_id, admin) VALUES (?, ?, ?, ?)",
		user.Name, user.PasswordHash, user.HubID, boolToInt(user.Admin))
	if isUniqueViolation(err) {
		return fmt.Errorf("datastore: create user %q: %w", user.Name, ErrUserExists)
	}
	if err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	user.CreatedAt = time.Now().UTC().Truncate(time.Second)
	return nil
}

// UpdateUser overwrites the password hash, hub and admin flag of an existing user.
func (s *baseProvider) UpdateUser(user *model.UserAccount) error {
	if err := model.ValidateHubID(user.HubID); err != nil {
		return fmt.Errorf("datastore: update user: %w", err)
	}
	res, err := s.ExecContext(context.Background(),
		"UPDATE users SET password_hash = ?, hub_id = ?, admin = ? WHERE name = ?",
		user.PasswordHash, user.HubID, boolToInt(user.Admin), user.Name)
	if err != nil {
		return fmt.Errorf("datastore: update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: update user %q: %w", user.Name, ErrNotFound)
	}
	return nil
}

// DeleteUser removes a user and, by cascade, its session keys.
func (s *baseProvider) DeleteUser(name string) error {
	_, err := s.ExecContext(context.Background(), "DELETE FROM users WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("datastore: delete user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by name.
func (s *baseProvider) GetUser(name string) (*model.UserAccount, error) {
	u := &model.UserAccount{}
	var admin int
	var createdAt string
	err := s.QueryRowContext(context.Background(),
		"SELECT name, password_hash, hub_id, admin, created_at FROM users WHERE name = ?", name).
		Scan(&u.Name, &u.PasswordHash, &u.HubID, &admin, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.Admin = admin != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.CreatedAt = parsed
	return u, nil
}

// ListUsers returns all users ordered by name.
func (s *baseProvider) ListUsers() ([]model.UserAccount, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT name, password_hash, hub_id, admin, created_at FROM users ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.UserAccount
	for rows.Next() {
		var u model.UserAccount
		var admin int
		var createdAt string
		if err := rows.Scan(&u.Name, &u.PasswordHash, &u.HubID, &admin, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.Admin = admin != 0
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.CreatedAt = parsed
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- Hubs ----

// CreateHub inserts a new hub account.
func (s *baseProvider) CreateHub(hub *model.HubAccount) error {
	if err := model.ValidateHubID(hub.HubID); err != nil {
		return fmt.Errorf("datastore: create hub: %w", err)
	}
	if err := model.ValidateAlias(hub.Alias); err != nil {
		return fmt.Errorf("datastore: create hub: %w", err)
	}
	if hub.PasswordHash == "" {
		return fmt.Errorf("datastore: create hub: %w", model.ErrPasswordEmpty)
	}
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO hubs (hub_id, password_hash, alias) VALUES (?, ?, ?)",
		hub.HubID, hub.PasswordHash, hub.Alias)
	if isUniqueViolation(err) {
		return fmt.Errorf("datastore: create hub %d: %w", hub.HubID, ErrHubExists)
	}
	if err != nil {
		return fmt.Errorf("datastore: create hub: %w", err)
	}
	hub.CreatedAt = time.Now().UTC().Truncate(time.Second)
	return nil
}

// UpdateHub overwrites the password hash and alias of an existing hub.
func (s *baseProvider) UpdateHub(hub *model.HubAccount) error {
	if err := model.ValidateAlias(hub.Alias); err != nil {
		return fmt.Errorf("datastore: update hub: %w", err)
	}
	res, err := s.ExecContext(context.Background(),
		"UPDATE hubs SET password_hash = ?, alias = ? WHERE hub_id = ?",
		hub.PasswordHash, hub.Alias, hub.HubID)
	if err != nil {
		return fmt.Errorf("datastore: update hub: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: update hub %d: %w", hub.HubID, ErrNotFound)
	}
	return nil
}

// GetHub retrieves a hub by id.
func (s *baseProvider) GetHub(hubID int64) (*model.HubAccount, error) {
	h := &model.HubAccount{}
	var createdAt string
	err := s.QueryRowContext(context.Background(),
		"SELECT hub_id, password_hash, alias, created_at FROM hubs WHERE hub_id = ?", hubID).
		Scan(&h.HubID, &h.PasswordHash, &h.Alias, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get hub: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get hub: %w", err)
	}
	h.CreatedAt = parsed
	return h, nil
}

// ListHubs returns all hubs ordered by id.
func (s *baseProvider) ListHubs() ([]model.HubAccount, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT hub_id, password_hash, alias, created_at FROM hubs ORDER BY hub_id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list hubs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hubs []model.HubAccount
	for rows.Next() {
		var h model.HubAccount
		var createdAt string
		if err := rows.Scan(&h.HubID, &h.PasswordHash, &h.Alias, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan hub: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan hub: %w", err)
		}
		h.CreatedAt = parsed
		hubs = append(hubs, h)
	}
	return hubs, rows.Err()
}

// ---- Session keys ----

// CreateSessionKey records a hashed session key for a user. A user may hold
// several keys at once, one per logged-in device.
func (s *baseProvider) CreateSessionKey(name, keyHash string) error {
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO session_keys (key_hash, user_name) VALUES (?, ?)", keyHash, name)
	if err != nil {
		return fmt.Errorf("datastore: create session key: %w", err)
	}
	return nil
}

// HasSessionKey reports whether keyHash was issued to name and not revoked.
func (s *baseProvider) HasSessionKey(name, keyHash string) (bool, error) {
	var count int
	err := s.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM session_keys WHERE key_hash = ? AND user_name = ?", keyHash, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("datastore: check session key: %w", err)
	}
	return count > 0, nil
}

// DeleteSessionKey revokes a single key.
func (s *baseProvider) DeleteSessionKey(keyHash string) error {
	_, err := s.ExecContext(context.Background(), "DELETE FROM session_keys WHERE key_hash = ?", keyHash)
	if err != nil {
		return fmt.Errorf("datastore: delete session key: %w", err)
	}
	return nil
}

// DeleteSessionKeys revokes every key of a user and returns how many were removed.
func (s *baseProvider) DeleteSessionKeys(name string) (int64, error) {
	res, err := s.ExecContext(context.Background(), "DELETE FROM session_keys WHERE user_name = ?", name)
	if err != nil {
		return 0, fmt.Errorf("datastore: delete session keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
