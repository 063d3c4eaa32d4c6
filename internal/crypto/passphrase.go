package crypto

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

// PassphraseWords is the length of a generated mnemonic (128 bits of entropy).
const PassphraseWords = 12

// GeneratePassphrase returns a BIP-39 English mnemonic of PassphraseWords words.
func GeneratePassphrase() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("build mnemonic: %w", err)
	}
	return mnemonic, nil
}

// IsMnemonic reports whether passphrase is a valid BIP-39 mnemonic.
func IsMnemonic(passphrase string) bool {
	return bip39.IsMnemonicValid(strings.Join(strings.Fields(passphrase), " "))
}

// NormalizePassphrase applies NFKC and removes all whitespace, so the same
// words typed with different spacing derive the same key.
func NormalizePassphrase(passphrase string) string {
	normalized := norm.NFKC.String(passphrase)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, normalized)
}
