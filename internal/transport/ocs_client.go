package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/http2"

	"github.com/TheMichaelB/e2ekeys/internal/config"
	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// APIPath is the end_to_end_encryption OCS API root.
const APIPath = "/ocs/v2.php/apps/end_to_end_encryption/api/v1"

// TokenHeader carries the folder lock token.
const TokenHeader = "e2e-token"

// OCSClient talks to the end-to-end encryption OCS API.
type OCSClient struct {
	client *resty.Client
	logger *events.Logger
}

type ocsEnvelope struct {
	OCS struct {
		Meta struct {
			Status     string `json:"status"`
			StatusCode int    `json:"statuscode"`
			Message    string `json:"message"`
		} `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

type ocsData struct {
	PublicKeys map[string]string `json:"public-keys"`
	PublicKey  string            `json:"public-key"`
	PrivateKey string            `json:"private-key"`
	Token      string            `json:"e2e-token"`
	MetaData   string            `json:"meta-data"`
}

// NewOCSClient creates a client with an HTTP/2 capable transport.
func NewOCSClient(cfg *config.APIConfig, logger *events.Logger) *OCSClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	logger = logger.WithField("component", "ocs_client")
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	client := resty.NewWithClient(&http.Client{Transport: transport}).
		SetTimeout(cfg.Timeout).
		SetHeader("OCS-APIRequest", "true").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent).
		SetQueryParam("format", "json").
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(shouldRetry)

	return &OCSClient{
		client: client,
		logger: logger,
	}
}

// HTTPClient exposes the underlying client so tests can install a mock transport.
func (c *OCSClient) HTTPClient() *http.Client {
	return c.client.GetClient()
}

// SetRetryWait shortens the backoff, for tests.
func (c *OCSClient) SetRetryWait(wait, max time.Duration) {
	c.client.SetRetryWaitTime(wait).SetRetryMaxWaitTime(max)
}

// Dispatch implements Transport.
func (c *OCSClient) Dispatch(ctx context.Context, req models.Request) models.Response {
	method, path, err := route(req)
	if err != nil {
		return models.Failed(req.Action, http.StatusBadRequest, err.Error())
	}

	logger := c.logger.WithFields(map[string]interface{}{
		"action": string(req.Action),
		"method": method,
		"path":   path,
	})
	if id := events.GetRequestID(ctx); id != "" {
		logger = logger.WithField("request_id", id)
	}
	logger.Debug("Sending request")

	r := c.client.R().
		SetContext(ctx).
		SetBasicAuth(req.Account.User, req.Account.AppPassword)

	switch req.Action {
	case models.ActionSignPublicKey:
		r.SetFormData(map[string]string{"csr": req.Key})
	case models.ActionStorePrivateKeyCipher:
		r.SetFormData(map[string]string{"privateKey": req.KeyCipher})
	case models.ActionUnlockFolder, models.ActionMarkEncrypted, models.ActionDeleteMark:
		if req.Token != "" {
			r.SetHeader(TokenHeader, req.Token)
		}
	}

	resp, err := r.Execute(method, req.Account.BaseURL+path)
	if err != nil {
		logger.WithError(err).Warn("Request failed")
		return models.Failed(req.Action, 0, err.Error())
	}

	var envelope ocsEnvelope
	decodeErr := json.Unmarshal(resp.Body(), &envelope)

	logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode(),
		"size":   len(resp.Body()),
	}).Debug("Received response")

	if !resp.IsSuccess() {
		message := envelope.OCS.Meta.Message
		if decodeErr != nil || message == "" {
			message = http.StatusText(resp.StatusCode())
		}
		return models.Failed(req.Action, resp.StatusCode(), message)
	}

	var data ocsData
	if len(envelope.OCS.Data) > 0 && envelope.OCS.Data[0] == '{' {
		if err := json.Unmarshal(envelope.OCS.Data, &data); err != nil {
			return models.Failed(req.Action, 0, fmt.Sprintf("parse response: %v", err))
		}
	}

	out := models.Response{Action: req.Action}
	switch req.Action {
	case models.ActionGetPublicKey:
		key, ok := data.PublicKeys[req.Account.UserID]
		if !ok || key == "" {
			return models.Failed(req.Action, http.StatusNotFound, "public key not found")
		}
		out.Key = key
	case models.ActionSignPublicKey, models.ActionGetServerPublicKey:
		out.Key = data.PublicKey
	case models.ActionGetPrivateKeyCipher, models.ActionStorePrivateKeyCipher:
		out.Key = data.PrivateKey
	case models.ActionLockFolder:
		out.Token = data.Token
	case models.ActionGetMetadata:
		out.Document = data.MetaData
	}

	return out
}

// route maps an action to its HTTP method and path.
func route(req models.Request) (string, string, error) {
	fileID := url.PathEscape(req.FileID)
	needsFile := func(method, prefix string) (string, string, error) {
		if req.FileID == "" {
			return "", "", fmt.Errorf("%s requires a file ID", req.Action)
		}
		return method, APIPath + prefix + fileID, nil
	}

	switch req.Action {
	case models.ActionGetPublicKey:
		return http.MethodGet, APIPath + "/public-key", nil
	case models.ActionSignPublicKey:
		return http.MethodPost, APIPath + "/public-key", nil
	case models.ActionDeletePublicKey:
		return http.MethodDelete, APIPath + "/public-key", nil
	case models.ActionGetPrivateKeyCipher:
		return http.MethodGet, APIPath + "/private-key", nil
	case models.ActionStorePrivateKeyCipher:
		return http.MethodPost, APIPath + "/private-key", nil
	case models.ActionDeletePrivateKey:
		return http.MethodDelete, APIPath + "/private-key", nil
	case models.ActionGetServerPublicKey:
		return http.MethodGet, APIPath + "/server-key", nil
	case models.ActionLockFolder:
		return needsFile(http.MethodPost, "/lock/")
	case models.ActionUnlockFolder:
		return needsFile(http.MethodDelete, "/lock/")
	case models.ActionMarkEncrypted:
		return needsFile(http.MethodPut, "/encrypted/")
	case models.ActionDeleteMark:
		return needsFile(http.MethodDelete, "/encrypted/")
	case models.ActionGetMetadata:
		return needsFile(http.MethodGet, "/meta-data/")
	default:
		return "", "", fmt.Errorf("unsupported action %q", req.Action)
	}
}

// shouldRetry retries idempotent GETs on throttling, 5xx and network errors.
// Mutating calls are never repeated.
func shouldRetry(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
	}
	return isRetryable(resp.StatusCode())
}

func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}
