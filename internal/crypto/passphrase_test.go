package crypto_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/e2ekeys/internal/crypto"
)

func TestGeneratePassphrase(t *testing.T) {
	first, err := crypto.GeneratePassphrase()
	require.NoError(t, err)
	second, err := crypto.GeneratePassphrase()
	require.NoError(t, err)

	assert.Len(t, strings.Fields(first), crypto.PassphraseWords)
	assert.NotEqual(t, first, second)
	assert.True(t, crypto.IsMnemonic(first))
	assert.True(t, crypto.IsMnemonic("  "+strings.ReplaceAll(first, " ", "\t")))
	assert.False(t, crypto.IsMnemonic("not a mnemonic"))
}

func TestNormalizePassphrase(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spaces removed", "abandon ability able", "abandonabilityable"},
		{"tabs and newlines", "\tabandon\nability ", "abandonability"},
		{"fullwidth folded", "ａｂｃ", "abc"},
		{"ligature folded", "ﬁsh", "fish"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, crypto.NormalizePassphrase(tt.in))
		})
	}
}
