package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/keystore"
	"github.com/TheMichaelB/e2ekeys/internal/metrics"
	"github.com/TheMichaelB/e2ekeys/internal/models"
	"github.com/TheMichaelB/e2ekeys/internal/transport"
)

// Service fetches and decodes folder metadata.
type Service struct {
	transport transport.Transport
	store     keystore.Store
	decrypter Decrypter
	logger    *events.Logger

	reauth   transport.Reauthenticator
	recorder events.ActivityRecorder
	metrics  *metrics.Metrics
}

// NewService creates a metadata service.
func NewService(t transport.Transport, store keystore.Store, decrypter Decrypter, logger *events.Logger) *Service {
	return &Service{
		transport: t,
		store:     store,
		decrypter: decrypter,
		logger:    logger.WithField("service", "metadata"),
		recorder:  events.NewLogRecorder(nil),
	}
}

// SetReauthenticator sets the collaborator invoked on 401 responses.
func (s *Service) SetReauthenticator(r transport.Reauthenticator) {
	s.reauth = r
}

// SetRecorder replaces the activity recorder.
func (s *Service) SetRecorder(r events.ActivityRecorder) {
	if r != nil {
		s.recorder = r
	}
}

// SetMetrics attaches metrics.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Fetch downloads the metadata of folder fileID and decrypts every file key.
func (s *Service) Fetch(ctx context.Context, account models.Account, fileID string) ([]FileResult, error) {
	ctx = events.WithFolder(events.WithAccount(events.WithLogger(ctx, s.logger), account.ID), "", fileID)
	logger := events.FromContext(ctx)

	privateKey, err := s.store.Get(account.ID, models.KeyPrivate)
	if err != nil {
		if errors.Is(err, models.ErrKeyNotFound) {
			return nil, fmt.Errorf("private key for %s: %w", account.ID, err)
		}
		return nil, fmt.Errorf("load private key: %w", err)
	}

	resp := s.transport.Dispatch(ctx, models.Request{
		Account: account,
		Action:  models.ActionGetMetadata,
		FileID:  fileID,
	})
	if resp.Err != nil {
		s.record(ctx, account, fileID, false, resp.Err.StatusCode, resp.Err.Message)
		if resp.Outcome() == models.OutcomeUnauthorized && s.reauth != nil {
			if err := s.reauth.Reauthenticate(ctx, account); err != nil {
				logger.WithError(err).Warn("Re-authentication failed")
			}
		}
		return nil, fmt.Errorf("get metadata %s: %w", fileID, resp.Err)
	}

	results, err := Decode([]byte(resp.Document), privateKey, s.decrypter)
	if err != nil {
		s.metrics.ObserveRejectedDocument()
		s.record(ctx, account, fileID, false, 0, err.Error())
		logger.WithError(err).Warn("Rejected metadata document")
		return nil, err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.WithField("file", r.FileNameID).WithError(r.Err).Warn("File key decryption failed")
		}
	}
	s.metrics.ObserveFiles(len(results)-failed, failed)
	s.record(ctx, account, fileID, failed == 0, 0, fmt.Sprintf("%d files, %d failed", len(results), failed))

	logger.WithFields(map[string]interface{}{
		"files":  len(results),
		"failed": failed,
	}).Info("Decoded metadata")
	return results, nil
}

func (s *Service) record(ctx context.Context, account models.Account, fileID string, success bool, code int, message string) {
	s.recorder.Record(ctx, events.Activity{
		Account: account.ID,
		Action:  string(models.ActionGetMetadata) + " " + fileID,
		Success: success,
		Code:    code,
		Message: message,
	})
}
