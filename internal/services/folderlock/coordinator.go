package folderlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/metrics"
	"github.com/TheMichaelB/e2ekeys/internal/models"
	"github.com/TheMichaelB/e2ekeys/internal/transport"
)

// Operation runs while the folder lock is held. token is the lock token.
type Operation func(ctx context.Context, token string) error

// Coordinator brackets folder operations between a server-side lock and unlock.
type Coordinator struct {
	transport transport.Transport
	logger    *events.Logger

	recorder events.ActivityRecorder
	metrics  *metrics.Metrics
	reauth   transport.Reauthenticator

	mu     sync.Mutex
	active map[string]struct{}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(t transport.Transport, logger *events.Logger) *Coordinator {
	return &Coordinator{
		transport: t,
		logger:    logger.WithField("component", "folder_lock"),
		recorder:  events.NewLogRecorder(nil),
		active:    make(map[string]struct{}),
	}
}

// SetRecorder replaces the activity recorder.
func (c *Coordinator) SetRecorder(r events.ActivityRecorder) {
	if r != nil {
		c.recorder = r
	}
}

// SetMetrics attaches metrics.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// SetReauthenticator sets the collaborator invoked on 401 responses.
func (c *Coordinator) SetReauthenticator(r transport.Reauthenticator) {
	c.reauth = r
}

// MarkEncrypted flags the folder as end-to-end encrypted.
func (c *Coordinator) MarkEncrypted(ctx context.Context, account models.Account, folderURL, fileID string) error {
	err := c.WithFolderLock(ctx, account, folderURL, fileID, models.ActionMarkEncrypted, c.dispatchWithToken(account, folderURL, fileID, models.ActionMarkEncrypted))
	c.metrics.ObserveTransaction("mark", err)
	return err
}

// DeleteMark removes the encrypted flag from the folder.
func (c *Coordinator) DeleteMark(ctx context.Context, account models.Account, folderURL, fileID string) error {
	err := c.WithFolderLock(ctx, account, folderURL, fileID, models.ActionDeleteMark, c.dispatchWithToken(account, folderURL, fileID, models.ActionDeleteMark))
	c.metrics.ObserveTransaction("unmark", err)
	return err
}

// WithFolderLock locks the folder, runs op and unlocks it again. If the lock
// fails neither op nor unlock run. Once locked, unlock is attempted exactly
// once whatever op returns. The first failure is returned as a
// *models.TransactionError naming its step; step labels op.
func (c *Coordinator) WithFolderLock(
	ctx context.Context,
	account models.Account,
	folderURL, fileID string,
	step models.Action,
	op Operation,
) (err error) {
	key := folderURL + "#" + fileID
	if !c.acquire(key) {
		return &models.TransactionError{Step: models.ActionLockFolder, FolderURL: folderURL, FileID: fileID, Err: models.ErrTransactionInProgress}
	}
	defer c.release(key)

	ctx = events.WithFolder(events.WithAccount(events.WithLogger(ctx, c.logger), account.ID), folderURL, fileID)
	logger := events.FromContext(ctx)
	fail := func(step models.Action, cause error) error {
		return &models.TransactionError{Step: step, FolderURL: folderURL, FileID: fileID, Err: cause}
	}

	lock := c.dispatch(ctx, account, models.Request{
		Account:   account,
		Action:    models.ActionLockFolder,
		FolderURL: folderURL,
		FileID:    fileID,
	})
	if lock.Err != nil {
		logger.WithError(lock.Err).Warn("Could not lock folder")
		return fail(models.ActionLockFolder, lock.Err)
	}
	token := lock.Token
	logger.Debug("Folder locked")

	defer func() {
		// Unlock must run even when ctx was cancelled during op.
		unlock := c.dispatch(context.WithoutCancel(ctx), account, models.Request{
			Account:   account,
			Action:    models.ActionUnlockFolder,
			FolderURL: folderURL,
			FileID:    fileID,
			Token:     token,
		})
		if unlock.Err != nil {
			logger.WithError(unlock.Err).Warn("Could not unlock folder")
			if err == nil {
				err = fail(models.ActionUnlockFolder, unlock.Err)
			}
			return
		}
		logger.Debug("Folder unlocked")
	}()

	if opErr := op(ctx, token); opErr != nil {
		logger.WithError(opErr).WithField("step", string(step)).Warn("Folder operation failed")
		return fail(step, opErr)
	}
	return nil
}

// Active reports whether a transaction for the folder is in flight.
func (c *Coordinator) Active(folderURL, fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[folderURL+"#"+fileID]
	return ok
}

func (c *Coordinator) dispatchWithToken(account models.Account, folderURL, fileID string, action models.Action) Operation {
	return func(ctx context.Context, token string) error {
		resp := c.dispatch(ctx, account, models.Request{
			Account:   account,
			Action:    action,
			FolderURL: folderURL,
			FileID:    fileID,
			Token:     token,
		})
		if resp.Err != nil {
			return resp.Err
		}
		return nil
	}
}

func (c *Coordinator) dispatch(ctx context.Context, account models.Account, req models.Request) models.Response {
	resp := c.transport.Dispatch(ctx, req)

	activity := events.Activity{
		Account: account.ID,
		Action:  fmt.Sprintf("%s %s", req.Action, req.FileID),
		Success: resp.Err == nil,
	}
	if resp.Err != nil {
		activity.Code = resp.Err.StatusCode
		activity.Message = resp.Err.Message
	}
	c.recorder.Record(ctx, activity)

	if resp.Outcome() == models.OutcomeUnauthorized && c.reauth != nil {
		if err := c.reauth.Reauthenticate(ctx, account); err != nil {
			c.logger.WithError(err).Warn("Re-authentication failed")
		}
	}
	return resp
}

func (c *Coordinator) acquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[key]; ok {
		return false
	}
	c.active[key] = struct{}{}
	return true
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, key)
}
