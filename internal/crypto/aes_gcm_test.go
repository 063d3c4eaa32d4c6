package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/e2ekeys/internal/crypto"
)

func TestGCMSecurity(t *testing.T) {
	key, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	iv, err := crypto.RandomBytes(crypto.IVSize)
	require.NoError(t, err)

	plaintext := []byte("sensitive data")

	t.Run("round trip", func(t *testing.T) {
		sealed, err := crypto.SealGCM(plaintext, key, iv)
		require.NoError(t, err)
		assert.Len(t, sealed, len(plaintext)+crypto.TagSize)

		got, err := crypto.OpenGCM(sealed, key, iv)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("detached tag", func(t *testing.T) {
		sealed, err := crypto.SealGCM(plaintext, key, iv)
		require.NoError(t, err)
		body, tag := sealed[:len(plaintext)], sealed[len(plaintext):]

		got, err := crypto.OpenGCMDetached(body, tag, key, iv)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)

		_, err = crypto.OpenGCMDetached(body, tag[:4], key, iv)
		assert.Error(t, err)
	})

	t.Run("authentication tag prevents tampering", func(t *testing.T) {
		sealed, err := crypto.SealGCM(plaintext, key, iv)
		require.NoError(t, err)

		sealed[len(sealed)-1] ^= 0xFF
		_, err = crypto.OpenGCM(sealed, key, iv)
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	})

	t.Run("short input", func(t *testing.T) {
		_, err := crypto.OpenGCM([]byte{1, 2, 3}, key, iv)
		assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
	})

	t.Run("key size is enforced", func(t *testing.T) {
		_, err := crypto.SealGCM(plaintext, key[:16], iv)
		assert.ErrorIs(t, err, crypto.ErrInvalidKey)
		assert.NoError(t, crypto.ValidateKeySize(key))
	})
}
