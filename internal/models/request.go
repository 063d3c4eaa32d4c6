package models

// Action identifies a server round-trip.
type Action string

const (
	ActionGetPublicKey          Action = "get_public_key"
	ActionSignPublicKey         Action = "sign_public_key"
	ActionGetPrivateKeyCipher   Action = "get_private_key_cipher"
	ActionStorePrivateKeyCipher Action = "store_private_key_cipher"
	ActionGetServerPublicKey    Action = "get_server_public_key"
	ActionDeletePublicKey       Action = "delete_public_key"
	ActionDeletePrivateKey      Action = "delete_private_key"
	ActionLockFolder            Action = "lock_folder"
	ActionUnlockFolder          Action = "unlock_folder"
	ActionMarkEncrypted         Action = "mark_encrypted"
	ActionDeleteMark            Action = "delete_mark"
	ActionGetMetadata           Action = "get_metadata"

	// Local steps reported in exchange errors.
	ActionCreateCSR         Action = "create_csr"
	ActionDecryptPrivateKey Action = "decrypt_private_key"
	ActionEncryptPrivateKey Action = "encrypt_private_key"
	ActionPromptPassphrase  Action = "prompt_passphrase"
	ActionStoreKeys         Action = "store_keys"
)

// Request describes one server round-trip.
type Request struct {
	Account   Account
	Action    Action
	Key       string // public key, CSR or plain private key depending on action
	KeyCipher string // encrypted private key
	Password  string // passphrase; only set on StorePrivateKeyCipher
	FileID    string
	FolderURL string
	Token     string // folder lock token
}

// Response is what the transport hands back for a Request.
type Response struct {
	Action   Action
	Key      string
	Document string
	Token    string
	Err      *APIError
}

// Outcome classifies the response.
func (r Response) Outcome() Outcome {
	if r.Err == nil {
		return OutcomeSuccess
	}
	return OutcomeForStatus(r.Err.StatusCode)
}

// Failed builds a failure response.
func Failed(action Action, status int, message string) Response {
	return Response{Action: action, Err: &APIError{StatusCode: status, Message: message}}
}
