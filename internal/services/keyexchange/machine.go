package keyexchange

import (
	"errors"
	"fmt"

	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// State is a key exchange state.
type State string

const (
	StateAbsent                  State = "absent"
	StateAwaitingPublicKey       State = "awaiting_public_key"
	StateAwaitingCSRSign         State = "awaiting_csr_sign"
	StateAwaitingPrivateKey      State = "awaiting_private_key"
	StateAwaitingPassphrase      State = "awaiting_passphrase"
	StateAwaitingPrivateKeyStore State = "awaiting_private_key_store"
	StateAwaitingServerPublicKey State = "awaiting_server_public_key"
	StateSignedRemote            State = "signed_remote"
	StateFailed                  State = "failed"
)

// Effect is local work the driver must perform before the machine can continue.
type Effect string

const (
	EffectNone Effect = ""
	// EffectCreateCSR asks for a CSR; answer with CSRCreated.
	EffectCreateCSR Effect = "create_csr"
	// EffectPromptPassphrase asks the user for the passphrase of Step.Cipher;
	// answer with SupplyPassphrase or PromptFailed.
	EffectPromptPassphrase Effect = "prompt_passphrase"
	// EffectDecryptPrivateKey asks to open Step.Cipher; answer with PrivateKeyDecrypted.
	EffectDecryptPrivateKey Effect = "decrypt_private_key"
	// EffectNewPassphrase asks for a generated passphrase the user has
	// acknowledged; answer with AcknowledgePassphrase or PromptFailed.
	EffectNewPassphrase Effect = "new_passphrase"
	// EffectEncryptPrivateKey asks to wrap the pending private key under
	// Step.Passphrase; answer with PrivateKeyEncrypted.
	EffectEncryptPrivateKey Effect = "encrypt_private_key"
)

// Step is what the machine wants next. Exactly one of Request, Effect or a
// terminal state is set.
type Step struct {
	State   State
	Request *models.Request
	Effect  Effect

	// Inputs for effects.
	Cipher     string
	Passphrase string
	PublicKey  string

	// Persist lists material the driver must write to the key store before
	// acting on the rest of the step.
	Persist map[models.KeyKind]string

	// DiscardPendingKey asks the driver to remove the unwrapped key left by
	// CreateCSR.
	DiscardPendingKey bool

	// Material is set once the state reaches SignedRemote.
	Material *models.KeyMaterial

	// Err is set once the state reaches Failed.
	Err *models.ExchangeError
}

// Terminal reports whether the run is over.
func (s Step) Terminal() bool {
	return s.State == StateSignedRemote || s.State == StateFailed
}

// pendingKey tracks the unwrapped private key written by CreateCSR.
type pendingKey int

const (
	pendingNone pendingKey = iota
	pendingUnsigned
	pendingSigned
)

// Machine sequences the key exchange for one account. It performs no I/O:
// responses and local results are fed in, and each call returns the next Step.
// Each piece of key material is handed out for persisting as soon as it is
// established, and the whole set again on completion.
//
// A pending key whose CSR was never signed is discarded when the run fails.
// Once the server has signed it, the pending key is the only private key
// matching the server certificate and is kept until it has been wrapped and
// stored, so a later run can finish the setup.
type Machine struct {
	account models.Account
	state   State
	staged  models.KeyMaterial
	cipher  string
	fresh   bool // first-time setup, passphrase was generated
	pending pendingKey
	last    Step
}

// NewMachine creates a machine in StateAbsent.
func NewMachine(account models.Account) *Machine {
	return &Machine{account: account, state: StateAbsent}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Start issues the public key fetch.
func (m *Machine) Start() Step {
	if m.state != StateAbsent {
		return m.unexpected("start", m.state)
	}
	return m.request(StateAwaitingPublicKey, models.Request{Action: models.ActionGetPublicKey})
}

// Handle advances the machine on a server response.
func (m *Machine) Handle(resp models.Response) Step {
	if m.terminal() {
		return m.last
	}

	switch m.state {
	case StateAwaitingPublicKey:
		if resp.Action != models.ActionGetPublicKey {
			break
		}
		switch resp.Outcome() {
		case models.OutcomeSuccess:
			return m.publicKeyReceived(resp.Key)
		case models.OutcomeNotFound:
			m.pending = pendingUnsigned
			return m.effect(StateAwaitingCSRSign, Step{Effect: EffectCreateCSR})
		default:
			return m.fail(resp)
		}

	case StateAwaitingCSRSign:
		if resp.Action != models.ActionSignPublicKey {
			break
		}
		if resp.Outcome() != models.OutcomeSuccess {
			return m.fail(resp)
		}
		m.pending = pendingSigned
		return m.publicKeyReceived(resp.Key)

	case StateAwaitingPrivateKey:
		if resp.Action != models.ActionGetPrivateKeyCipher {
			break
		}
		switch resp.Outcome() {
		case models.OutcomeSuccess:
			m.cipher = resp.Key
			return m.effect(StateAwaitingPassphrase, Step{Effect: EffectPromptPassphrase, Cipher: resp.Key})
		case models.OutcomeNotFound:
			m.fresh = true
			return m.effect(StateAwaitingPassphrase, Step{Effect: EffectNewPassphrase})
		default:
			return m.fail(resp)
		}

	case StateAwaitingPrivateKeyStore:
		if resp.Action != models.ActionStorePrivateKeyCipher {
			break
		}
		if resp.Outcome() != models.OutcomeSuccess {
			return m.fail(resp)
		}
		// The wrapped key is on the server from here on.
		m.pending = pendingNone
		step := m.request(StateAwaitingServerPublicKey, models.Request{Action: models.ActionGetServerPublicKey})
		step.Persist = m.privateMaterial()
		step.DiscardPendingKey = true
		m.last = step
		return step

	case StateAwaitingServerPublicKey:
		if resp.Action != models.ActionGetServerPublicKey {
			break
		}
		if resp.Outcome() != models.OutcomeSuccess {
			return m.fail(resp)
		}
		m.staged.ServerPublicKey = resp.Key
		material := m.staged
		m.state = StateSignedRemote
		m.pending = pendingNone
		m.last = Step{State: StateSignedRemote, Material: &material, DiscardPendingKey: true}
		return m.last
	}

	return m.unexpected(string(resp.Action), m.state)
}

// CSRCreated continues after EffectCreateCSR.
func (m *Machine) CSRCreated(csr string, err error) Step {
	if m.state != StateAwaitingCSRSign || m.last.Effect != EffectCreateCSR {
		return m.unexpected("csr", m.state)
	}
	if err == nil && csr == "" {
		err = errors.New("empty CSR")
	}
	if err != nil {
		return m.failLocal(models.ActionCreateCSR, "could not create CSR", err)
	}
	return m.request(StateAwaitingCSRSign, models.Request{Action: models.ActionSignPublicKey, Key: csr})
}

// SupplyPassphrase continues after EffectPromptPassphrase.
func (m *Machine) SupplyPassphrase(passphrase string) Step {
	if m.state != StateAwaitingPassphrase || m.fresh || m.last.Effect != EffectPromptPassphrase {
		return m.unexpected("passphrase", m.state)
	}
	m.staged.Passphrase = passphrase
	return m.effect(StateAwaitingPassphrase, Step{
		Effect:     EffectDecryptPrivateKey,
		Cipher:     m.cipher,
		Passphrase: passphrase,
		PublicKey:  m.staged.PublicKey,
	})
}

// PrivateKeyDecrypted continues after EffectDecryptPrivateKey.
func (m *Machine) PrivateKeyDecrypted(privateKey string, err error) Step {
	if m.state != StateAwaitingPassphrase || m.last.Effect != EffectDecryptPrivateKey {
		return m.unexpected("decrypted key", m.state)
	}
	if err == nil && privateKey == "" {
		err = errors.New("empty private key")
	}
	if err != nil {
		return m.failLocal(models.ActionDecryptPrivateKey, "could not decrypt the private key, check the passphrase", err)
	}
	m.staged.PrivateKey = privateKey
	m.cipher = ""
	step := m.request(StateAwaitingServerPublicKey, models.Request{Action: models.ActionGetServerPublicKey})
	step.Persist = m.privateMaterial()
	m.last = step
	return step
}

// AcknowledgePassphrase continues after EffectNewPassphrase with the generated
// passphrase the user has recorded.
func (m *Machine) AcknowledgePassphrase(passphrase string) Step {
	if m.state != StateAwaitingPassphrase || !m.fresh || m.last.Effect != EffectNewPassphrase {
		return m.unexpected("acknowledgement", m.state)
	}
	if passphrase == "" {
		return m.failLocal(models.ActionPromptPassphrase, "no passphrase was generated", models.ErrPromptCancelled)
	}
	m.staged.Passphrase = passphrase
	return m.effect(StateAwaitingPassphrase, Step{
		Effect:     EffectEncryptPrivateKey,
		Passphrase: passphrase,
		PublicKey:  m.staged.PublicKey,
	})
}

// PrivateKeyEncrypted continues after EffectEncryptPrivateKey.
func (m *Machine) PrivateKeyEncrypted(blob, privateKey string, err error) Step {
	if m.state != StateAwaitingPassphrase || m.last.Effect != EffectEncryptPrivateKey {
		return m.unexpected("encrypted key", m.state)
	}
	if err == nil && (blob == "" || privateKey == "") {
		err = errors.New("empty encryption result")
	}
	if err != nil {
		return m.failLocal(models.ActionEncryptPrivateKey, "could not encrypt the private key", err)
	}
	m.staged.PrivateKey = privateKey
	return m.request(StateAwaitingPrivateKeyStore, models.Request{
		Action:    models.ActionStorePrivateKeyCipher,
		KeyCipher: blob,
		Password:  m.staged.Passphrase,
	})
}

// StoreFailed ends the run when the driver could not persist Step.Persist.
func (m *Machine) StoreFailed(err error) Step {
	if m.terminal() {
		return m.last
	}
	return m.failLocal(models.ActionStoreKeys, "could not store key material", err)
}

// PromptFailed ends the run when the user could not supply or acknowledge a passphrase.
func (m *Machine) PromptFailed(err error) Step {
	if m.state != StateAwaitingPassphrase {
		return m.unexpected("prompt", m.state)
	}
	if err == nil {
		err = models.ErrPromptCancelled
	}
	return m.failLocal(models.ActionPromptPassphrase, "passphrase prompt failed", err)
}

func (m *Machine) publicKeyReceived(key string) Step {
	m.staged.PublicKey = key
	step := m.request(StateAwaitingPrivateKey, models.Request{Action: models.ActionGetPrivateKeyCipher})
	step.Persist = map[models.KeyKind]string{models.KeyPublic: key}
	m.last = step
	return step
}

func (m *Machine) privateMaterial() map[models.KeyKind]string {
	return map[models.KeyKind]string{
		models.KeyPrivate:    m.staged.PrivateKey,
		models.KeyPassphrase: m.staged.Passphrase,
	}
}

func (m *Machine) request(next State, req models.Request) Step {
	req.Account = m.account
	m.state = next
	m.last = Step{State: next, Request: &req}
	return m.last
}

func (m *Machine) effect(next State, step Step) Step {
	m.state = next
	step.State = next
	m.last = step
	return m.last
}

func (m *Machine) terminal() bool {
	return m.state == StateSignedRemote || m.state == StateFailed
}

// fail turns a failed server response into the terminal error.
func (m *Machine) fail(resp models.Response) Step {
	code, serverMsg := 0, ""
	if resp.Err != nil {
		code, serverMsg = resp.Err.StatusCode, resp.Err.Message
	}
	outcome := resp.Outcome()
	return m.terminate(&models.ExchangeError{
		Step:    resp.Action,
		Kind:    outcome.Kind(),
		Code:    code,
		Message: describe(resp.Action, outcome, serverMsg),
		Err:     resp.Err,
	})
}

func (m *Machine) failLocal(step models.Action, message string, err error) Step {
	kind := models.KindCryptoOperationFailed
	if step == models.ActionPromptPassphrase || step == models.ActionStoreKeys {
		kind = models.KindGeneric
	}
	return m.terminate(&models.ExchangeError{
		Step:    step,
		Kind:    kind,
		Message: fmt.Sprintf("%s: %v", message, err),
		Err:     err,
	})
}

func (m *Machine) unexpected(input string, state State) Step {
	if m.terminal() {
		return m.last
	}
	return m.terminate(&models.ExchangeError{
		Step:    models.Action(input),
		Kind:    models.KindGeneric,
		Message: fmt.Sprintf("unexpected %s in state %s", input, state),
	})
}

func (m *Machine) terminate(err *models.ExchangeError) Step {
	discard := m.pending == pendingUnsigned
	m.state = StateFailed
	m.staged = models.KeyMaterial{}
	m.cipher = ""
	m.pending = pendingNone
	m.last = Step{State: StateFailed, Err: err, DiscardPendingKey: discard}
	return m.last
}

// describe produces the user-facing message for a failed round-trip. Codes
// without a specific meaning surface the server's message verbatim.
func describe(action models.Action, outcome models.Outcome, serverMsg string) string {
	subject := subjects[action]
	if subject == "" {
		subject = string(action)
	}

	switch outcome {
	case models.OutcomeBadRequest:
		return fmt.Sprintf("%s: bad request: unpredictable internal error", subject)
	case models.OutcomeNotFound:
		return fmt.Sprintf("%s: does not exist on the server", subject)
	case models.OutcomeForbidden:
		return fmt.Sprintf("%s: forbidden: the user can't access the key", subject)
	case models.OutcomeUnauthorized:
		return fmt.Sprintf("%s: unauthorized: log in again", subject)
	}
	if serverMsg == "" {
		serverMsg = "request failed"
	}
	return fmt.Sprintf("%s: %s", subject, serverMsg)
}

var subjects = map[models.Action]string{
	models.ActionGetPublicKey:          "public key",
	models.ActionSignPublicKey:         "sign CSR",
	models.ActionGetPrivateKeyCipher:   "private key",
	models.ActionStorePrivateKeyCipher: "store private key",
	models.ActionGetServerPublicKey:    "server public key",
	models.ActionDeletePublicKey:       "delete public key",
	models.ActionDeletePrivateKey:      "delete private key",
}
