package crypto_test

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/e2ekeys/internal/config"
	"github.com/TheMichaelB/e2ekeys/internal/crypto"
	"github.com/TheMichaelB/e2ekeys/test/testutil"
)

func newProvider() *crypto.CryptoProvider {
	return crypto.NewProvider(config.CryptoConfig{PBKDF2Iterations: 1000, RSABits: 2048})
}

func TestProvider_CreateCSR(t *testing.T) {
	provider := newProvider()
	dir := t.TempDir()

	csrPEM, err := provider.CreateCSR("alice", dir)
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(csrPEM))
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE REQUEST", block.Type)

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	assert.NoError(t, csr.CheckSignature())
	assert.Equal(t, "alice", csr.Subject.CommonName)

	info, err := os.Stat(crypto.PendingKeyPath(dir, "alice"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestProvider_CreateCSRRequiresUser(t *testing.T) {
	_, err := newProvider().CreateCSR("", t.TempDir())
	assert.Error(t, err)
}

func TestPendingKeyPathSanitizesUser(t *testing.T) {
	path := crypto.PendingKeyPath("/keys", "../evil/user")
	assert.Equal(t, "/keys/.._evil_user.e2e-pending.pem", path)
}

func TestProvider_PrivateKeyRoundTrip(t *testing.T) {
	provider := newProvider()
	ca := testutil.NewCA(t)
	dir := t.TempDir()

	csrPEM, err := provider.CreateCSR("alice", dir)
	require.NoError(t, err)
	certPEM, err := ca.SignCSR(csrPEM)
	require.NoError(t, err)

	passphrase, err := provider.GeneratePassphrase()
	require.NoError(t, err)

	blob, privatePEM, err := provider.EncryptPrivateKey("alice", dir, passphrase, certPEM)
	require.NoError(t, err)
	_, iv, salt, err := crypto.SplitBlob(blob)
	require.NoError(t, err)
	assert.Len(t, iv, crypto.IVSize)
	assert.Len(t, salt, crypto.SaltSize)
	assert.Contains(t, privatePEM, "BEGIN PRIVATE KEY")

	decrypted, err := provider.DecryptPrivateKey(blob, passphrase, certPEM)
	require.NoError(t, err)
	assert.Equal(t, privatePEM, decrypted)

	t.Run("spacing of the passphrase does not matter", func(t *testing.T) {
		spaced := "  " + strings.ReplaceAll(passphrase, " ", "   ") + "\n"
		got, err := provider.DecryptPrivateKey(blob, spaced, certPEM)
		require.NoError(t, err)
		assert.Equal(t, privatePEM, got)
	})

	t.Run("wrong passphrase fails", func(t *testing.T) {
		_, err := provider.DecryptPrivateKey(blob, "wrong words entirely", certPEM)
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	})

	t.Run("other public key is rejected", func(t *testing.T) {
		otherDir := t.TempDir()
		otherCSR, err := provider.CreateCSR("bob", otherDir)
		require.NoError(t, err)
		otherCert, err := ca.SignCSR(otherCSR)
		require.NoError(t, err)

		_, err = provider.DecryptPrivateKey(blob, passphrase, otherCert)
		assert.ErrorIs(t, err, crypto.ErrKeyMismatch)

		_, _, err = provider.EncryptPrivateKey("alice", dir, passphrase, otherCert)
		assert.ErrorIs(t, err, crypto.ErrKeyMismatch)
	})

	t.Run("pipe separated blob is accepted", func(t *testing.T) {
		sealed, iv, salt, err := crypto.SplitBlob(blob)
		require.NoError(t, err)
		enc := base64.StdEncoding
		piped := enc.EncodeToString(sealed) + "|" + enc.EncodeToString(iv) + "|" + enc.EncodeToString(salt)

		got, err := provider.DecryptPrivateKey(piped, passphrase, "")
		require.NoError(t, err)
		assert.Equal(t, privatePEM, got)
	})

	t.Run("pending key can be discarded", func(t *testing.T) {
		require.NoError(t, provider.DiscardPendingKey("alice", dir))
		assert.NoFileExists(t, crypto.PendingKeyPath(dir, "alice"))
		assert.NoError(t, provider.DiscardPendingKey("alice", dir))

		_, _, err := provider.EncryptPrivateKey("alice", dir, passphrase, "")
		assert.ErrorIs(t, err, crypto.ErrNoPendingKey)
	})
}

func TestSplitBlobRejectsGarbage(t *testing.T) {
	tests := []string{
		"",
		"not a blob",
		"AAAAfA==BBBB",
		"!!!!fA==AAAAAAAAAAAAAAAAAAAAAA==fA==AAAA",
	}

	for _, blob := range tests {
		_, _, _, err := crypto.SplitBlob(blob)
		assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext, blob)
	}
}

func TestSplitBlobAmbiguousSeparator(t *testing.T) {
	enc := base64.StdEncoding
	// A lone trailing byte 0x7c encodes to "fA==", the same text as the separator.
	sealed := append(make([]byte, 15), 0x7c)
	iv := make([]byte, crypto.IVSize)
	salt := []byte{0x7c}

	blob := enc.EncodeToString(sealed) + crypto.BlobSeparator + enc.EncodeToString(iv) + crypto.BlobSeparator + enc.EncodeToString(salt)
	require.True(t, strings.HasPrefix(blob[len(enc.EncodeToString(sealed))-4:], "fA==fA=="))

	gotSealed, gotIV, gotSalt, err := crypto.SplitBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, sealed, gotSealed)
	assert.Equal(t, iv, gotIV)
	assert.Equal(t, salt, gotSalt)
}

func TestProvider_Asymmetric(t *testing.T) {
	provider := newProvider()
	ca := testutil.NewCA(t)
	dir := t.TempDir()

	csrPEM, err := provider.CreateCSR("alice", dir)
	require.NoError(t, err)
	certPEM, err := ca.SignCSR(csrPEM)
	require.NoError(t, err)
	_, privatePEM, err := provider.EncryptPrivateKey("alice", dir, "pass", "")
	require.NoError(t, err)

	plaintext := []byte("per-file symmetric key material")
	ciphertext, err := provider.EncryptAsymmetric(plaintext, certPEM)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := provider.DecryptAsymmetric(ciphertext, privatePEM)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	ciphertext[0] ^= 0xFF
	_, err = provider.DecryptAsymmetric(ciphertext, privatePEM)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	_, err = provider.EncryptAsymmetric(plaintext, "garbage")
	assert.ErrorIs(t, err, crypto.ErrInvalidPEM)
}

func TestParsePublicKeyFormats(t *testing.T) {
	provider := newProvider()
	ca := testutil.NewCA(t)
	dir := t.TempDir()

	csrPEM, err := provider.CreateCSR("alice", dir)
	require.NoError(t, err)
	certPEM, err := ca.SignCSR(csrPEM)
	require.NoError(t, err)

	fromCert, err := crypto.ParsePublicKey(certPEM)
	require.NoError(t, err)

	pkixPEM, err := crypto.EncodePublicKey(fromCert)
	require.NoError(t, err)
	fromPKIX, err := crypto.ParsePublicKey(pkixPEM)
	require.NoError(t, err)
	assert.True(t, fromCert.Equal(fromPKIX))

	fp1, err := crypto.Fingerprint(certPEM)
	require.NoError(t, err)
	fp2, err := crypto.Fingerprint(pkixPEM)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)

	_, err = crypto.ParsePublicKey(csrPEM)
	assert.ErrorIs(t, err, crypto.ErrInvalidPEM)
}

func TestParsePrivateKeyBareBase64(t *testing.T) {
	provider := newProvider()
	dir := t.TempDir()
	_, err := provider.CreateCSR("alice", dir)
	require.NoError(t, err)
	_, privatePEM, err := provider.EncryptPrivateKey("alice", dir, "pass", "")
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(privatePEM))
	require.NotNil(t, block)

	key, err := crypto.ParsePrivateKey(base64.StdEncoding.EncodeToString(block.Bytes))
	require.NoError(t, err)
	assert.NoError(t, key.Validate())

	_, err = crypto.ParsePrivateKey("%%%")
	assert.ErrorIs(t, err, crypto.ErrInvalidPEM)
}
