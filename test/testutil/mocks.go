package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/e2ekeys/internal/crypto"
	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// MockProvider mocks crypto.Provider.
type MockProvider struct {
	mock.Mock
}

var _ crypto.Provider = (*MockProvider)(nil)

func (m *MockProvider) CreateCSR(userID, directory string) (string, error) {
	args := m.Called(userID, directory)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) EncryptPrivateKey(userID, directory, passphrase, publicKey string) (string, string, error) {
	args := m.Called(userID, directory, passphrase, publicKey)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockProvider) DecryptPrivateKey(blob, passphrase, publicKey string) (string, error) {
	args := m.Called(blob, passphrase, publicKey)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) DiscardPendingKey(userID, directory string) error {
	args := m.Called(userID, directory)
	return args.Error(0)
}

func (m *MockProvider) EncryptAsymmetric(plaintext []byte, publicKey string) ([]byte, error) {
	args := m.Called(plaintext, publicKey)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvider) DecryptAsymmetric(ciphertext []byte, privateKey string) ([]byte, error) {
	args := m.Called(ciphertext, privateKey)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvider) GeneratePassphrase() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

// MockPrompter mocks the passphrase prompter of the key exchange.
type MockPrompter struct {
	mock.Mock
}

func (m *MockPrompter) Passphrase(ctx context.Context, account models.Account) (string, error) {
	args := m.Called(ctx, account)
	return args.String(0), args.Error(1)
}

func (m *MockPrompter) AcknowledgePassphrase(ctx context.Context, account models.Account, passphrase string) error {
	args := m.Called(ctx, account, passphrase)
	return args.Error(0)
}

// StaticPrompter answers with a fixed passphrase and records acknowledged ones.
type StaticPrompter struct {
	Value        string
	Acknowledged []string
	Err          error
}

func (p *StaticPrompter) Passphrase(context.Context, models.Account) (string, error) {
	return p.Value, p.Err
}

func (p *StaticPrompter) AcknowledgePassphrase(_ context.Context, _ models.Account, passphrase string) error {
	if p.Err != nil {
		return p.Err
	}
	p.Acknowledged = append(p.Acknowledged, passphrase)
	return nil
}

// Reauthenticator counts re-authentication requests.
type Reauthenticator struct {
	Calls int
	Err   error
}

func (r *Reauthenticator) Reauthenticate(context.Context, models.Account) error {
	r.Calls++
	return r.Err
}
