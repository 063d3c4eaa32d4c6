package keystore

import (
	"sort"
	"sync"

	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// MemoryStore keeps key material in memory. Used by tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]models.KeyMaterial
	writes   int
}

// NewMemoryStore creates an in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.KeyMaterial),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(accountID string, kind models.KeyKind) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	material := m.accounts[accountID]
	if value := material.Get(kind); value != "" {
		return value, nil
	}
	return "", models.ErrKeyNotFound
}

// Set implements Store.
func (m *MemoryStore) Set(accountID string, kind models.KeyKind, value string) error {
	return m.SetMany(accountID, map[models.KeyKind]string{kind: value})
}

// SetMany implements Store.
func (m *MemoryStore) SetMany(accountID string, values map[models.KeyKind]string) error {
	for kind := range values {
		if err := validKind(kind); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	material := m.accounts[accountID]
	for kind, value := range values {
		material.Set(kind, value)
	}
	if material.IsEmpty() {
		delete(m.accounts, accountID)
	} else {
		m.accounts[accountID] = material
	}
	m.writes++
	return nil
}

// Load implements Store. The returned material is a copy.
func (m *MemoryStore) Load(accountID string) (*models.KeyMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	material := m.accounts[accountID]
	return &material, nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.accounts, accountID)
	m.writes++
	return nil
}

// Accounts implements Store.
func (m *MemoryStore) Accounts() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return accounts, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Writes returns the number of mutating calls, for tests.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Put seeds material directly (for test setup).
func (m *MemoryStore) Put(accountID string, material models.KeyMaterial) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = material
}
