package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/e2ekeys/internal/crypto"
	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/keystore"
	"github.com/TheMichaelB/e2ekeys/internal/metrics"
	"github.com/TheMichaelB/e2ekeys/internal/models"
	"github.com/TheMichaelB/e2ekeys/internal/transport"
)

// Prompter is the user-facing side of the exchange.
type Prompter interface {
	// Passphrase asks for the passphrase protecting the stored private key.
	Passphrase(ctx context.Context, account models.Account) (string, error)

	// AcknowledgePassphrase shows a freshly generated passphrase and returns
	// once the user has recorded it.
	AcknowledgePassphrase(ctx context.Context, account models.Account, passphrase string) error
}

// Event reports exchange progress.
type Event struct {
	Type      EventType
	Account   string
	RunID     string
	State     State
	Action    models.Action
	Error     error
	Timestamp time.Time
}

// EventType defines exchange event types.
type EventType string

const (
	EventStep      EventType = "step"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

const activityExchange = "key_exchange"

// Exchanger drives a Machine against the server, the crypto provider and the key store.
type Exchanger struct {
	transport transport.Transport
	crypto    crypto.Provider
	store     keystore.Store
	prompter  Prompter
	logger    *events.Logger

	recorder events.ActivityRecorder
	metrics  *metrics.Metrics
	reauth   transport.Reauthenticator

	mu      sync.Mutex
	running map[string]struct{}
	events  chan Event
}

// NewExchanger creates an exchanger.
func NewExchanger(
	t transport.Transport,
	provider crypto.Provider,
	store keystore.Store,
	prompter Prompter,
	logger *events.Logger,
) *Exchanger {
	return &Exchanger{
		transport: t,
		crypto:    provider,
		store:     store,
		prompter:  prompter,
		logger:    logger.WithField("component", "key_exchange"),
		recorder:  events.NewLogRecorder(nil),
		running:   make(map[string]struct{}),
		events:    make(chan Event, 100),
	}
}

// SetRecorder replaces the activity recorder.
func (e *Exchanger) SetRecorder(r events.ActivityRecorder) {
	if r != nil {
		e.recorder = r
	}
}

// SetMetrics attaches metrics.
func (e *Exchanger) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// SetReauthenticator sets the collaborator invoked on 401 responses.
func (e *Exchanger) SetReauthenticator(r transport.Reauthenticator) {
	e.reauth = r
}

// Events returns the event channel. Events are dropped when nobody reads.
func (e *Exchanger) Events() <-chan Event {
	return e.events
}

// Run clears the account's key material and establishes it again. Only one
// run per account may be in flight.
func (e *Exchanger) Run(ctx context.Context, account models.Account) error {
	if err := account.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	if !e.begin(account.ID) {
		return models.ErrExchangeInProgress
	}
	defer e.end(account.ID)

	runID := uuid.NewString()
	ctx = events.WithLogger(ctx, e.logger)
	ctx = events.WithAccount(ctx, account.ID)
	ctx = events.WithRequestID(ctx, runID)
	logger := events.FromContext(ctx)

	started := time.Now()
	logger.Info("Starting key exchange")

	if err := e.store.Clear(account.ID); err != nil {
		return fmt.Errorf("clear key material: %w", err)
	}

	machine := NewMachine(account)
	step := e.apply(ctx, account, machine, machine.Start())
	for !step.Terminal() {
		if step.Request != nil {
			e.emit(Event{Type: EventStep, Account: account.ID, RunID: runID, State: step.State, Action: step.Request.Action})
		}
		step = e.apply(ctx, account, machine, e.advance(ctx, account, machine, step))
	}

	if step.Err == nil {
		if err := e.persist(account, step.Material); err != nil {
			step = Step{State: StateFailed, Err: err}
		}
	}

	if step.Err != nil {
		e.record(ctx, account, activityExchange, false, step.Err.Code, step.Err.Error())
		e.metrics.ObserveExchange(string(step.Err.Kind), time.Since(started))
		e.emit(Event{Type: EventFailed, Account: account.ID, RunID: runID, State: StateFailed, Action: step.Err.Step, Error: step.Err})
		logger.WithFields(map[string]interface{}{
			"step": string(step.Err.Step),
			"kind": string(step.Err.Kind),
			"code": step.Err.Code,
		}).Warn("Key exchange failed")
		return step.Err
	}

	e.record(ctx, account, activityExchange, true, 0, "key exchange complete")
	e.metrics.ObserveExchange("", time.Since(started))
	e.emit(Event{Type: EventCompleted, Account: account.ID, RunID: runID, State: StateSignedRemote})
	logger.WithField("duration", time.Since(started).String()).Info("Key exchange complete")
	return nil
}

// advance performs what step asks for and feeds the result back.
func (e *Exchanger) advance(ctx context.Context, account models.Account, m *Machine, step Step) Step {
	logger := events.FromContext(ctx)

	if step.Request != nil {
		resp := e.transport.Dispatch(ctx, *step.Request)
		if resp.Err != nil {
			e.record(ctx, account, string(resp.Action), false, resp.Err.StatusCode, resp.Err.Message)
			if resp.Outcome() == models.OutcomeUnauthorized {
				e.reauthenticate(ctx, account)
			}
		} else {
			e.record(ctx, account, string(resp.Action), true, 0, "")
		}
		return m.Handle(resp)
	}

	switch step.Effect {
	case EffectCreateCSR:
		logger.Info("No public key on server, creating CSR")
		csr, err := e.crypto.CreateCSR(account.UserID, account.Directory)
		return m.CSRCreated(csr, err)

	case EffectPromptPassphrase:
		passphrase, err := e.prompter.Passphrase(ctx, account)
		if err != nil {
			return m.PromptFailed(err)
		}
		return m.SupplyPassphrase(passphrase)

	case EffectDecryptPrivateKey:
		key, err := e.crypto.DecryptPrivateKey(step.Cipher, step.Passphrase, step.PublicKey)
		return m.PrivateKeyDecrypted(key, err)

	case EffectNewPassphrase:
		logger.Info("No private key on server, generating passphrase")
		passphrase, err := e.crypto.GeneratePassphrase()
		if err != nil {
			return m.PromptFailed(fmt.Errorf("generate passphrase: %w", err))
		}
		if err := e.prompter.AcknowledgePassphrase(ctx, account, passphrase); err != nil {
			return m.PromptFailed(err)
		}
		return m.AcknowledgePassphrase(passphrase)

	case EffectEncryptPrivateKey:
		blob, key, err := e.crypto.EncryptPrivateKey(account.UserID, account.Directory, step.Passphrase, step.PublicKey)
		return m.PrivateKeyEncrypted(blob, key, err)
	}

	return m.unexpected(fmt.Sprintf("effect %q", step.Effect), m.State())
}

// apply carries out the store side of a step before the step itself runs.
func (e *Exchanger) apply(ctx context.Context, account models.Account, m *Machine, step Step) Step {
	if len(step.Persist) > 0 {
		if err := e.store.SetMany(account.ID, step.Persist); err != nil {
			step = m.StoreFailed(err)
		}
	}
	if step.DiscardPendingKey {
		if err := e.crypto.DiscardPendingKey(account.UserID, account.Directory); err != nil {
			events.FromContext(ctx).WithError(err).Warn("Failed to remove pending private key")
		}
	}
	return step
}

// persist writes the complete material in one call so a finished run never
// leaves partially stale keys behind.
func (e *Exchanger) persist(account models.Account, material *models.KeyMaterial) *models.ExchangeError {
	if material == nil {
		return &models.ExchangeError{Step: models.ActionStoreKeys, Kind: models.KindGeneric, Message: "no key material produced"}
	}

	values := make(map[models.KeyKind]string, len(models.AllKeyKinds))
	for _, kind := range models.AllKeyKinds {
		values[kind] = material.Get(kind)
	}
	if err := e.store.SetMany(account.ID, values); err != nil {
		return &models.ExchangeError{
			Step:    models.ActionStoreKeys,
			Kind:    models.KindGeneric,
			Message: fmt.Sprintf("could not store key material: %v", err),
			Err:     err,
		}
	}
	return nil
}

// DeleteRemoteKeys removes the public and/or private key from the server.
// The local copy is dropped for every key the server deleted.
func (e *Exchanger) DeleteRemoteKeys(ctx context.Context, account models.Account, public, private bool) error {
	if err := account.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	if !e.begin(account.ID) {
		return models.ErrExchangeInProgress
	}
	defer e.end(account.ID)

	ctx = events.WithLogger(ctx, e.logger)
	ctx = events.WithAccount(ctx, account.ID)

	var errs []error
	deleteKey := func(action models.Action, kinds ...models.KeyKind) {
		resp := e.transport.Dispatch(ctx, models.Request{Account: account, Action: action})
		if resp.Err != nil {
			e.record(ctx, account, string(action), false, resp.Err.StatusCode, resp.Err.Message)
			errs = append(errs, &models.ExchangeError{
				Step:    action,
				Kind:    resp.Outcome().Kind(),
				Code:    resp.Err.StatusCode,
				Message: describe(action, resp.Outcome(), resp.Err.Message),
				Err:     resp.Err,
			})
			return
		}
		e.record(ctx, account, string(action), true, 0, "deleted")

		values := make(map[models.KeyKind]string, len(kinds))
		for _, kind := range kinds {
			values[kind] = ""
		}
		if err := e.store.SetMany(account.ID, values); err != nil {
			errs = append(errs, fmt.Errorf("drop local key: %w", err))
		}
	}

	if public {
		deleteKey(models.ActionDeletePublicKey, models.KeyPublic)
	}
	if private {
		deleteKey(models.ActionDeletePrivateKey, models.KeyPrivate, models.KeyPassphrase)
	}
	return errors.Join(errs...)
}

// Logout drops all key material of the account, including a pending key
// left by an unfinished setup.
func (e *Exchanger) Logout(account models.Account) error {
	if !e.begin(account.ID) {
		return models.ErrExchangeInProgress
	}
	defer e.end(account.ID)

	if err := e.store.Clear(account.ID); err != nil {
		return fmt.Errorf("clear key material: %w", err)
	}
	if err := e.crypto.DiscardPendingKey(account.UserID, account.Directory); err != nil {
		return err
	}
	e.logger.WithField("account", account.ID).Info("Key material cleared")
	return nil
}

// Running reports whether an exchange for the account is in flight.
func (e *Exchanger) Running(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[accountID]
	return ok
}

func (e *Exchanger) begin(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[accountID]; ok {
		return false
	}
	e.running[accountID] = struct{}{}
	return true
}

func (e *Exchanger) end(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, accountID)
}

func (e *Exchanger) reauthenticate(ctx context.Context, account models.Account) {
	if e.reauth == nil {
		return
	}
	if err := e.reauth.Reauthenticate(ctx, account); err != nil {
		events.FromContext(ctx).WithError(err).Warn("Re-authentication failed")
	}
}

func (e *Exchanger) record(ctx context.Context, account models.Account, action string, success bool, code int, message string) {
	e.recorder.Record(ctx, events.Activity{
		Account: account.ID,
		Action:  action,
		Success: success,
		Code:    code,
		Message: message,
		Time:    time.Now(),
	})
}

func (e *Exchanger) emit(event Event) {
	event.Timestamp = time.Now()
	select {
	case e.events <- event:
	default:
		e.logger.Debug("Event channel full, dropping event")
	}
}
