package models

// KeyKind names one piece of account-scoped key material.
type KeyKind string

const (
	KeyPublic       KeyKind = "public_key"
	KeyPrivate      KeyKind = "private_key"
	KeyPassphrase   KeyKind = "passphrase"
	KeyServerPublic KeyKind = "server_public_key"
)

// AllKeyKinds lists every kind a KeyStore holds per account.
var AllKeyKinds = []KeyKind{KeyPublic, KeyPrivate, KeyPassphrase, KeyServerPublic}

// KeyMaterial is the full set of stored keys for one account.
type KeyMaterial struct {
	PublicKey       string `json:"public_key,omitempty"`
	PrivateKey      string `json:"private_key,omitempty"`
	Passphrase      string `json:"passphrase,omitempty"`
	ServerPublicKey string `json:"server_public_key,omitempty"`
}

// Get returns the value for a kind.
func (m *KeyMaterial) Get(kind KeyKind) string {
	switch kind {
	case KeyPublic:
		return m.PublicKey
	case KeyPrivate:
		return m.PrivateKey
	case KeyPassphrase:
		return m.Passphrase
	case KeyServerPublic:
		return m.ServerPublicKey
	}
	return ""
}

// Set assigns the value for a kind.
func (m *KeyMaterial) Set(kind KeyKind, value string) {
	switch kind {
	case KeyPublic:
		m.PublicKey = value
	case KeyPrivate:
		m.PrivateKey = value
	case KeyPassphrase:
		m.Passphrase = value
	case KeyServerPublic:
		m.ServerPublicKey = value
	}
}

// IsEmpty reports whether no key material is held.
func (m *KeyMaterial) IsEmpty() bool {
	return m.PublicKey == "" && m.PrivateKey == "" && m.Passphrase == "" && m.ServerPublicKey == ""
}

// KeyPairState tracks how far key establishment has progressed.
type KeyPairState string

const (
	KeyPairAbsent        KeyPairState = "absent"
	KeyPairPublicKeyOnly KeyPairState = "public_key_only"
	KeyPairFullLocal     KeyPairState = "full_local"
	KeyPairSignedRemote  KeyPairState = "signed_remote"
)

// State derives the KeyPairState from stored material.
func (m *KeyMaterial) State() KeyPairState {
	switch {
	case m.PublicKey == "":
		return KeyPairAbsent
	case m.PrivateKey == "":
		return KeyPairPublicKeyOnly
	case m.ServerPublicKey == "":
		return KeyPairFullLocal
	default:
		return KeyPairSignedRemote
	}
}
