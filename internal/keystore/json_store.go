package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// JSONStore keeps one 0600 JSON file per account.
type JSONStore struct {
	baseDir string
	logger  *events.Logger
	mu      sync.RWMutex
}

// NewJSONStore creates a JSON-based key store.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_key_store"),
	}, nil
}

// Get implements Store.
func (s *JSONStore) Get(accountID string, kind models.KeyKind) (string, error) {
	material, err := s.Load(accountID)
	if err != nil {
		return "", err
	}
	value := material.Get(kind)
	if value == "" {
		return "", models.ErrKeyNotFound
	}
	return value, nil
}

// Set implements Store.
func (s *JSONStore) Set(accountID string, kind models.KeyKind, value string) error {
	return s.SetMany(accountID, map[models.KeyKind]string{kind: value})
}

// SetMany implements Store.
func (s *JSONStore) SetMany(accountID string, values map[models.KeyKind]string) error {
	for kind := range values {
		if err := validKind(kind); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.read(s.recordPath(accountID))
	if errors.Is(err, os.ErrNotExist) {
		record = &Record{AccountID: accountID}
	} else if err != nil {
		return err
	}

	for kind, value := range values {
		record.Keys.Set(kind, value)
	}

	if record.Keys.IsEmpty() {
		return s.remove(accountID)
	}
	return s.write(record)
}

// Load implements Store.
func (s *JSONStore) Load(accountID string) (*models.KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.recordPath(accountID)
	record, err := s.read(path)
	if errors.Is(err, os.ErrNotExist) {
		return &models.KeyMaterial{}, nil
	}
	if errors.Is(err, ErrStoreCorrupt) {
		s.logger.WithField("path", path).Warn("Key file corrupt, trying backup")
		record, err = s.read(path + ".backup")
		if err != nil {
			return nil, ErrStoreCorrupt
		}
	}
	if err != nil {
		return nil, err
	}

	keys := record.Keys
	return &keys, nil
}

// Clear implements Store.
func (s *JSONStore) Clear(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("account", accountID).Info("Clearing keys")
	return s.remove(accountID)
}

// Accounts implements Store.
func (s *JSONStore) Accounts() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read key directory: %w", err)
	}

	var accounts []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		record, err := s.read(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			s.logger.WithError(err).WithField("file", entry.Name()).Warn("Skipping unreadable key file")
			continue
		}
		accounts = append(accounts, record.AccountID)
	}

	sort.Strings(accounts)
	return accounts, nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

// recordPath hashes the account ID, which contains a URL, into a file name.
func (s *JSONStore) recordPath(accountID string) string {
	sum := sha256.Sum256([]byte(accountID))
	return filepath.Join(s.baseDir, hex.EncodeToString(sum[:16])+".json")
}

func (s *JSONStore) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, ErrStoreCorrupt
	}

	if record.Checksum != "" {
		expected := record.Checksum
		record.Checksum = ""
		actual, err := checksum(&record)
		if err != nil || actual != expected {
			return nil, ErrStoreCorrupt
		}
		record.Checksum = expected
	}

	if record.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", record.SchemaVersion).Warn("Key file schema version mismatch")
	}

	return &record, nil
}

func (s *JSONStore) write(record *Record) error {
	path := s.recordPath(record.AccountID)

	record.SchemaVersion = CurrentSchemaVersion
	record.UpdatedAt = time.Now().UTC()
	record.Checksum = ""

	sum, err := checksum(record)
	if err != nil {
		return err
	}
	record.Checksum = sum

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key record: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename key file: %w", err)
	}

	return nil
}

func (s *JSONStore) remove(accountID string) error {
	path := s.recordPath(accountID)
	for _, p := range []string{path, path + ".backup"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func checksum(record *Record) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal key record for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
