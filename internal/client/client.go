package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/TheMichaelB/e2ekeys/internal/config"
	"github.com/TheMichaelB/e2ekeys/internal/crypto"
	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/keystore"
	"github.com/TheMichaelB/e2ekeys/internal/metrics"
	"github.com/TheMichaelB/e2ekeys/internal/models"
	"github.com/TheMichaelB/e2ekeys/internal/services/folderlock"
	"github.com/TheMichaelB/e2ekeys/internal/services/keyexchange"
	"github.com/TheMichaelB/e2ekeys/internal/services/metadata"
	"github.com/TheMichaelB/e2ekeys/internal/transport"
)

// Client provides the high-level API for end-to-end encryption key management.
type Client struct {
	Keys     *keyexchange.Exchanger
	Metadata *metadata.Service
	Folders  *folderlock.Coordinator
	Store    keystore.Store
	Metrics  *metrics.Metrics

	config  *config.Config
	logger  *events.Logger
	account models.Account
}

// KeyStatus summarizes the locally stored key material of the account.
type KeyStatus struct {
	Account              string
	State                models.KeyPairState
	PublicKeyFingerprint string
	ServerKeyFingerprint string
	HasPrivateKey        bool
	HasPassphrase        bool
}

// New wires a client from configuration. The account is taken from
// cfg.Account; operations that reach the server fail when it is incomplete.
func New(cfg *config.Config, prompter keyexchange.Prompter, logger *events.Logger) (*Client, error) {
	store, err := keystore.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	return NewWithTransport(cfg, transport.NewOCSClient(&cfg.API, logger), store, prompter, logger), nil
}

// NewWithTransport wires a client around an existing transport and store.
func NewWithTransport(
	cfg *config.Config,
	t transport.Transport,
	store keystore.Store,
	prompter keyexchange.Prompter,
	logger *events.Logger,
) *Client {
	provider := crypto.NewProvider(cfg.Crypto)
	m := metrics.New()

	exchanger := keyexchange.NewExchanger(t, provider, store, prompter, logger)
	exchanger.SetMetrics(m)

	meta := metadata.NewService(t, store, provider, logger)
	meta.SetMetrics(m)

	folders := folderlock.NewCoordinator(t, logger)
	folders.SetMetrics(m)

	return &Client{
		Keys:     exchanger,
		Metadata: meta,
		Folders:  folders,
		Store:    store,
		Metrics:  m,
		config:   cfg,
		logger:   logger,
		account: models.NewAccount(
			cfg.API.BaseURL,
			cfg.Account.User,
			cfg.Account.UserID,
			cfg.Account.AppPassword,
			cfg.Storage.KeysDir,
		),
	}
}

// SetReauthenticator installs the collaborator invoked on 401 responses.
func (c *Client) SetReauthenticator(r transport.Reauthenticator) {
	c.Keys.SetReauthenticator(r)
	c.Metadata.SetReauthenticator(r)
	c.Folders.SetReauthenticator(r)
}

// SetRecorder installs the activity recorder on every service.
func (c *Client) SetRecorder(r events.ActivityRecorder) {
	c.Keys.SetRecorder(r)
	c.Metadata.SetRecorder(r)
	c.Folders.SetRecorder(r)
}

// Account returns the configured account.
func (c *Client) Account() models.Account {
	return c.account
}

func (c *Client) requireAccount() (models.Account, error) {
	if err := c.config.RequireAccount(); err != nil {
		return models.Account{}, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	return c.account, nil
}

// InitKeys runs the key exchange for the account.
func (c *Client) InitKeys(ctx context.Context) error {
	account, err := c.requireAccount()
	if err != nil {
		return err
	}
	return c.Keys.Run(ctx, account)
}

// KeyStatus reports what is stored locally for the account.
func (c *Client) KeyStatus() (*KeyStatus, error) {
	material, err := c.Store.Load(c.account.ID)
	if err != nil {
		return nil, fmt.Errorf("load key material: %w", err)
	}

	status := &KeyStatus{
		Account:       c.account.ID,
		State:         material.State(),
		HasPrivateKey: material.PrivateKey != "",
		HasPassphrase: material.Passphrase != "",
	}
	if material.PublicKey != "" {
		if status.PublicKeyFingerprint, err = crypto.Fingerprint(material.PublicKey); err != nil {
			c.logger.WithError(err).Warn("Stored public key is unreadable")
		}
	}
	if material.ServerPublicKey != "" {
		if status.ServerKeyFingerprint, err = crypto.Fingerprint(material.ServerPublicKey); err != nil {
			c.logger.WithError(err).Warn("Stored server key is unreadable")
		}
	}
	return status, nil
}

// ClearKeys drops the local key material of the account.
func (c *Client) ClearKeys() error {
	return c.Keys.Logout(c.account)
}

// DeleteRemoteKeys removes the public and/or private key from the server.
func (c *Client) DeleteRemoteKeys(ctx context.Context, public, private bool) error {
	account, err := c.requireAccount()
	if err != nil {
		return err
	}
	return c.Keys.DeleteRemoteKeys(ctx, account, public, private)
}

// MarkEncrypted flags a folder as encrypted under a folder lock.
func (c *Client) MarkEncrypted(ctx context.Context, folderURL, fileID string) error {
	account, err := c.requireAccount()
	if err != nil {
		return err
	}
	return c.Folders.MarkEncrypted(ctx, account, folderURL, fileID)
}

// DeleteMark removes the encrypted flag of a folder under a folder lock.
func (c *Client) DeleteMark(ctx context.Context, folderURL, fileID string) error {
	account, err := c.requireAccount()
	if err != nil {
		return err
	}
	return c.Folders.DeleteMark(ctx, account, folderURL, fileID)
}

// FetchMetadata downloads and decrypts the metadata of a folder.
func (c *Client) FetchMetadata(ctx context.Context, fileID string) ([]metadata.FileResult, error) {
	account, err := c.requireAccount()
	if err != nil {
		return nil, err
	}
	return c.Metadata.Fetch(ctx, account, fileID)
}

// WatchFunc receives the refreshed metadata of a watched folder.
type WatchFunc func(fileID string, results []metadata.FileResult, err error)

// Watch listens on the push server and refetches the metadata of fileIDs
// whenever one of them changes. It returns when ctx ends or the connection drops.
func (c *Client) Watch(ctx context.Context, fileIDs []string, fn WatchFunc) error {
	account, err := c.requireAccount()
	if err != nil {
		return err
	}

	watched := make(map[int64]string, len(fileIDs))
	for _, id := range fileIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("file id %q is not numeric", id)
		}
		watched[n] = id
	}

	listener := transport.NewPushListener(c.config.PushURL(), account, c.logger)
	if err := listener.Connect(ctx); err != nil {
		return err
	}
	defer listener.Close()

	refresh := func(ids []string) {
		for _, id := range ids {
			results, err := c.Metadata.Fetch(ctx, account, id)
			fn(id, results, err)
		}
	}

	errs := listener.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return fmt.Errorf("push listener: %w", err)

		case event, ok := <-listener.Events():
			if !ok {
				return errors.New("push connection closed")
			}

			switch event.Type {
			case transport.PushFile:
				refresh(fileIDs)
			case transport.PushFileID:
				var changed []string
				for _, n := range event.FileIDs {
					if id, ok := watched[n]; ok {
						changed = append(changed, id)
					}
				}
				refresh(changed)
			}
		}
	}
}

// FlushMetrics writes the metrics textfile when one is configured.
func (c *Client) FlushMetrics() error {
	return c.Metrics.WriteTextfile(c.config.Metrics.Textfile)
}

// Close releases the key store.
func (c *Client) Close() error {
	return c.Store.Close()
}
