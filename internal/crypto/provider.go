package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/TheMichaelB/e2ekeys/internal/config"
)

const (
	// Key sizes
	KeySize  = 32 // AES-256
	IVSize   = 16
	TagSize  = 16
	SaltSize = 40

	// DefaultIterations is the PBKDF2 round count for wrapping the private key.
	DefaultIterations = 100000
	DefaultRSABits    = 2048

	// BlobSeparator joins the parts of a private key blob; it is base64 of "|".
	BlobSeparator = "fA=="

	pendingKeySuffix = ".e2e-pending.pem"
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrInvalidKey        = errors.New("invalid key size")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrInvalidPEM        = errors.New("invalid PEM data")
	ErrNoPendingKey      = errors.New("no pending private key")
	ErrKeyMismatch       = errors.New("private key does not match public key")
)

// CryptoProvider implements Provider with RSA keys, PKCS#10 requests and a
// PBKDF2 + AES-GCM wrapped private key.
type CryptoProvider struct {
	iterations int
	bits       int
}

// NewProvider creates a crypto provider. Zero values fall back to defaults.
func NewProvider(cfg config.CryptoConfig) *CryptoProvider {
	p := &CryptoProvider{
		iterations: cfg.PBKDF2Iterations,
		bits:       cfg.RSABits,
	}
	if p.iterations <= 0 {
		p.iterations = DefaultIterations
	}
	if p.bits <= 0 {
		p.bits = DefaultRSABits
	}
	return p
}

// PendingKeyPath is where CreateCSR keeps the private key until it is wrapped.
func PendingKeyPath(directory, userID string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, userID)
	return filepath.Join(directory, safe+pendingKeySuffix)
}

// CreateCSR implements Provider.
func (p *CryptoProvider) CreateCSR(userID, directory string) (string, error) {
	if userID == "" {
		return "", errors.New("user ID is required")
	}
	if err := os.MkdirAll(directory, 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, p.bits)
	if err != nil {
		return "", fmt.Errorf("generate RSA key: %w", err)
	}

	privatePEM, err := EncodePrivateKey(key)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(PendingKeyPath(directory, userID), []byte(privatePEM), 0600); err != nil {
		return "", fmt.Errorf("write pending key: %w", err)
	}

	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: userID},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return "", fmt.Errorf("create CSR: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// EncryptPrivateKey implements Provider.
func (p *CryptoProvider) EncryptPrivateKey(userID, directory, passphrase, publicKey string) (string, string, error) {
	data, err := os.ReadFile(PendingKeyPath(directory, userID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", ErrNoPendingKey
		}
		return "", "", fmt.Errorf("read pending key: %w", err)
	}

	key, err := ParsePrivateKey(string(data))
	if err != nil {
		return "", "", fmt.Errorf("parse pending key: %w", err)
	}

	if publicKey != "" {
		if err := matchPublicKey(key, publicKey); err != nil {
			return "", "", err
		}
	}

	privatePEM, err := EncodePrivateKey(key)
	if err != nil {
		return "", "", err
	}

	blob, err := p.wrap([]byte(privatePEM), passphrase)
	if err != nil {
		return "", "", err
	}
	return blob, privatePEM, nil
}

// DecryptPrivateKey implements Provider.
func (p *CryptoProvider) DecryptPrivateKey(blob, passphrase, publicKey string) (string, error) {
	plaintext, err := p.unwrap(blob, passphrase)
	if err != nil {
		return "", err
	}

	key, err := ParsePrivateKey(string(plaintext))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}

	if publicKey != "" {
		if err := matchPublicKey(key, publicKey); err != nil {
			return "", err
		}
	}

	return EncodePrivateKey(key)
}

// DiscardPendingKey implements Provider.
func (p *CryptoProvider) DiscardPendingKey(userID, directory string) error {
	err := os.Remove(PendingKeyPath(directory, userID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pending key: %w", err)
	}
	return nil
}

// EncryptAsymmetric implements Provider.
func (p *CryptoProvider) EncryptAsymmetric(plaintext []byte, publicKey string) ([]byte, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA encrypt: %w", err)
	}
	return ciphertext, nil
}

// DecryptAsymmetric implements Provider.
func (p *CryptoProvider) DecryptAsymmetric(ciphertext []byte, privateKey string) ([]byte, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// GeneratePassphrase implements Provider.
func (p *CryptoProvider) GeneratePassphrase() (string, error) {
	return GeneratePassphrase()
}

func (p *CryptoProvider) deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(NormalizePassphrase(passphrase)), salt, p.iterations, KeySize, sha256.New)
}

// wrap produces b64(ciphertext||tag) fA== b64(iv) fA== b64(salt).
func (p *CryptoProvider) wrap(plaintext []byte, passphrase string) (string, error) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		return "", err
	}
	iv, err := RandomBytes(IVSize)
	if err != nil {
		return "", err
	}

	sealed, err := SealGCM(plaintext, p.deriveKey(passphrase, salt), iv)
	if err != nil {
		return "", fmt.Errorf("encrypt private key: %w", err)
	}

	enc := base64.StdEncoding
	return enc.EncodeToString(sealed) + BlobSeparator + enc.EncodeToString(iv) + BlobSeparator + enc.EncodeToString(salt), nil
}

func (p *CryptoProvider) unwrap(blob, passphrase string) ([]byte, error) {
	sealed, iv, salt, err := SplitBlob(blob)
	if err != nil {
		return nil, err
	}
	return OpenGCM(sealed, p.deriveKey(passphrase, salt), iv)
}

// SplitBlob decodes the three parts of a private key blob. Both the base64
// separator and a literal "|" are accepted. Because the base64 separator can
// also end a padded segment, every separator pairing is tried until the IV
// decodes to IVSize bytes.
func SplitBlob(blob string) (sealed, iv, salt []byte, err error) {
	blob = strings.TrimSpace(blob)
	enc := base64.StdEncoding

	if parts := strings.Split(blob, "|"); len(parts) == 3 {
		return decodeBlobParts(parts[0], parts[1], parts[2])
	}

	var seps []int
	for i := 0; ; {
		idx := strings.Index(blob[i:], BlobSeparator)
		if idx < 0 {
			break
		}
		seps = append(seps, i+idx)
		i += idx + 1
	}

	for a := 0; a < len(seps); a++ {
		for b := a + 1; b < len(seps); b++ {
			if seps[b] < seps[a]+len(BlobSeparator) {
				continue
			}
			ivPart := blob[seps[a]+len(BlobSeparator) : seps[b]]
			if decoded, derr := enc.DecodeString(ivPart); derr != nil || len(decoded) != IVSize {
				continue
			}
			sealed, iv, salt, err = decodeBlobParts(blob[:seps[a]], ivPart, blob[seps[b]+len(BlobSeparator):])
			if err == nil {
				return sealed, iv, salt, nil
			}
		}
	}

	return nil, nil, nil, ErrInvalidCiphertext
}

func decodeBlobParts(sealedPart, ivPart, saltPart string) ([]byte, []byte, []byte, error) {
	enc := base64.StdEncoding

	sealed, err := enc.DecodeString(sealedPart)
	if err != nil || len(sealed) < TagSize {
		return nil, nil, nil, ErrInvalidCiphertext
	}
	iv, err := enc.DecodeString(ivPart)
	if err != nil || len(iv) != IVSize {
		return nil, nil, nil, ErrInvalidCiphertext
	}
	salt, err := enc.DecodeString(saltPart)
	if err != nil || len(salt) == 0 {
		return nil, nil, nil, ErrInvalidCiphertext
	}
	return sealed, iv, salt, nil
}

// EncodePrivateKey returns key as a PKCS#8 PEM block.
func EncodePrivateKey(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// EncodePublicKey returns key as a PKIX PEM block.
func EncodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePrivateKey reads an RSA private key from PEM (PKCS#8 or PKCS#1) or
// from bare base64 PKCS#8 DER.
func ParsePrivateKey(data string) (*rsa.PrivateKey, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(data)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
		if err != nil {
			return nil, ErrInvalidPEM
		}
		der = decoded
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey reads an RSA public key from a CERTIFICATE, PUBLIC KEY or
// RSA PUBLIC KEY PEM block.
func ParsePublicKey(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, ErrInvalidPEM
	}

	var pub interface{}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		pub = cert.PublicKey
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub = key
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub = key
	default:
		return nil, fmt.Errorf("%w: unexpected block %q", ErrInvalidPEM, block.Type)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
	return rsaKey, nil
}

// Fingerprint returns the hex SHA-256 of the DER public key inside data.
func Fingerprint(data string) (string, error) {
	pub, err := ParsePublicKey(data)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

func matchPublicKey(key *rsa.PrivateKey, publicKey string) error {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	if !key.PublicKey.Equal(pub) {
		return ErrKeyMismatch
	}
	return nil
}
