package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TheMichaelB/e2ekeys/internal/config"
	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// Store persists key material per account.
type Store interface {
	// Get returns one value; models.ErrKeyNotFound when absent.
	Get(accountID string, kind models.KeyKind) (string, error)

	// Set stores one value. An empty value removes it.
	Set(accountID string, kind models.KeyKind, value string) error

	// SetMany stores several values in one write.
	SetMany(accountID string, values map[models.KeyKind]string) error

	// Load returns all material for an account; empty when nothing is stored.
	Load(accountID string) (*models.KeyMaterial, error)

	// Clear removes all material for an account.
	Clear(accountID string) error

	// Accounts returns all account IDs with stored material.
	Accounts() ([]string, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrStoreCorrupt = errors.New("key store file is corrupt")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// Record is the on-disk form of one account's key material.
type Record struct {
	AccountID     string             `json:"account_id"`
	Keys          models.KeyMaterial `json:"keys"`
	SchemaVersion int                `json:"schema_version"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Checksum      string             `json:"checksum,omitempty"`
}

// State derives the key pair state for an account.
func State(store Store, accountID string) (models.KeyPairState, error) {
	material, err := store.Load(accountID)
	if err != nil {
		return models.KeyPairAbsent, err
	}
	return material.State(), nil
}

// Copy transfers every account from src to dst.
func Copy(src, dst Store) (int, error) {
	accounts, err := src.Accounts()
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	for i, accountID := range accounts {
		material, err := src.Load(accountID)
		if err != nil {
			return i, fmt.Errorf("load %s: %w", accountID, err)
		}
		values := make(map[models.KeyKind]string, len(models.AllKeyKinds))
		for _, kind := range models.AllKeyKinds {
			values[kind] = material.Get(kind)
		}
		if err := dst.SetMany(accountID, values); err != nil {
			return i, fmt.Errorf("save %s: %w", accountID, err)
		}
	}
	return len(accounts), nil
}

func validKind(kind models.KeyKind) error {
	for _, k := range models.AllKeyKinds {
		if k == kind {
			return nil
		}
	}
	return fmt.Errorf("unknown key kind %q", kind)
}

// Open creates the store selected by cfg.Backend under cfg.KeysDir.
func Open(cfg config.StorageConfig, logger *events.Logger) (Store, error) {
	switch cfg.Backend {
	case "json":
		store, err := NewJSONStore(cfg.KeysDir, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite", "":
		if err := os.MkdirAll(cfg.KeysDir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		store, err := NewSQLiteStore(filepath.Join(cfg.KeysDir, "keys.db"), logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
