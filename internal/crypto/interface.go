package crypto

// Provider defines the cryptographic capabilities the key exchange and
// metadata decoding rely on. Keys travel as PEM strings.
type Provider interface {
	// CreateCSR generates a keypair for userID, keeps the private half as a
	// pending key in directory and returns a PEM certificate signing request.
	CreateCSR(userID, directory string) (string, error)

	// EncryptPrivateKey wraps the pending private key under passphrase.
	// When publicKey is set the pending key must match it.
	// Returns the cipher blob and the PEM private key.
	EncryptPrivateKey(userID, directory, passphrase, publicKey string) (blob string, privateKey string, err error)

	// DecryptPrivateKey unwraps blob and checks it belongs to publicKey.
	DecryptPrivateKey(blob, passphrase, publicKey string) (string, error)

	// DiscardPendingKey removes the pending private key, if any.
	DiscardPendingKey(userID, directory string) error

	// EncryptAsymmetric encrypts plaintext for publicKey with RSA-OAEP.
	EncryptAsymmetric(plaintext []byte, publicKey string) ([]byte, error)

	// DecryptAsymmetric decrypts ciphertext with privateKey using RSA-OAEP.
	DecryptAsymmetric(ciphertext []byte, privateKey string) ([]byte, error)

	// GeneratePassphrase returns a fresh mnemonic passphrase.
	GeneratePassphrase() (string, error)
}
