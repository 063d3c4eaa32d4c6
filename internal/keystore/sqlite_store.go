package keystore

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// SQLiteStore implements SQLite-based key storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a SQLite key store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_key_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS e2e_keys (
        account_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        value TEXT NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (account_id, kind)
    );

    CREATE INDEX IF NOT EXISTS idx_e2e_keys_account ON e2e_keys(account_id);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(accountID string, kind models.KeyKind) (string, error) {
	var value string
	err := s.db.QueryRow(`
        SELECT value FROM e2e_keys
        WHERE account_id = ? AND kind = ?
    `, accountID, string(kind)).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query key: %w", err)
	}
	return value, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(accountID string, kind models.KeyKind, value string) error {
	return s.SetMany(accountID, map[models.KeyKind]string{kind: value})
}

// SetMany implements Store. All values are written in one transaction.
func (s *SQLiteStore) SetMany(accountID string, values map[models.KeyKind]string) error {
	for kind := range values {
		if err := validKind(kind); err != nil {
			return err
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"account": accountID,
		"keys":    len(values),
	}).Debug("Saving keys to SQLite")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.Prepare(`
        INSERT INTO e2e_keys (account_id, kind, value, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(account_id, kind) DO UPDATE SET
            value = excluded.value,
            updated_at = CURRENT_TIMESTAMP
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer upsert.Close()

	for kind, value := range values {
		if value == "" {
			if _, err := tx.Exec("DELETE FROM e2e_keys WHERE account_id = ? AND kind = ?", accountID, string(kind)); err != nil {
				return fmt.Errorf("delete %s: %w", kind, err)
			}
			continue
		}
		if _, err := upsert.Exec(accountID, string(kind), value); err != nil {
			return fmt.Errorf("upsert %s: %w", kind, err)
		}
	}

	return tx.Commit()
}

// Load implements Store.
func (s *SQLiteStore) Load(accountID string) (*models.KeyMaterial, error) {
	rows, err := s.db.Query(`
        SELECT kind, value FROM e2e_keys
        WHERE account_id = ?
    `, accountID)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	material := &models.KeyMaterial{}
	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		material.Set(models.KeyKind(kind), value)
	}

	return material, rows.Err()
}

// Clear implements Store.
func (s *SQLiteStore) Clear(accountID string) error {
	s.logger.WithField("account", accountID).Info("Clearing keys in SQLite")

	if _, err := s.db.Exec("DELETE FROM e2e_keys WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

// Accounts implements Store.
func (s *SQLiteStore) Accounts() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT account_id FROM e2e_keys ORDER BY account_id")
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account ID: %w", err)
		}
		accounts = append(accounts, id)
	}

	return accounts, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
