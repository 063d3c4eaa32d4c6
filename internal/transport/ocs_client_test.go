package transport_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/e2ekeys/internal/config"
	"github.com/TheMichaelB/e2ekeys/internal/events"
	"github.com/TheMichaelB/e2ekeys/internal/models"
	"github.com/TheMichaelB/e2ekeys/internal/transport"
)

const baseURL = "https://cloud.example.com"

var account = models.NewAccount(baseURL, "alice", "", "app-pass", "")

func newClient(t *testing.T) *transport.OCSClient {
	t.Helper()

	var buf bytes.Buffer
	cfg := &config.APIConfig{
		BaseURL:    baseURL,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		UserAgent:  "e2ekeys-test",
	}
	client := transport.NewOCSClient(cfg, events.NewTestLogger(events.DebugLevel, "json", &buf))
	client.SetRetryWait(time.Millisecond, 5*time.Millisecond)

	httpmock.ActivateNonDefault(client.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func endpoint(path string) string {
	return baseURL + transport.APIPath + path
}

func ocsBody(status int, message string, data string) string {
	return fmt.Sprintf(`{"ocs":{"meta":{"status":"ok","statuscode":%d,"message":%q},"data":%s}}`, status, message, data)
}

func TestOCSClientGetPublicKey(t *testing.T) {
	client := newClient(t)

	httpmock.RegisterResponder(http.MethodGet, endpoint("/public-key"),
		func(req *http.Request) (*http.Response, error) {
			user, pass, ok := req.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "alice", user)
			assert.Equal(t, "app-pass", pass)
			assert.Equal(t, "true", req.Header.Get("OCS-APIRequest"))
			assert.Equal(t, "json", req.URL.Query().Get("format"))
			assert.Equal(t, "e2ekeys-test", req.Header.Get("User-Agent"))
			return httpmock.NewStringResponse(200, ocsBody(200, "OK", `{"public-keys":{"alice":"PEM-A"}}`)), nil
		})

	resp := client.Dispatch(context.Background(), models.Request{Account: account, Action: models.ActionGetPublicKey})

	require.Nil(t, resp.Err)
	assert.Equal(t, models.OutcomeSuccess, resp.Outcome())
	assert.Equal(t, "PEM-A", resp.Key)
}

func TestOCSClientPublicKeyMissingForUser(t *testing.T) {
	client := newClient(t)

	httpmock.RegisterResponder(http.MethodGet, endpoint("/public-key"),
		httpmock.NewStringResponder(200, ocsBody(200, "OK", `{"public-keys":{"bob":"PEM-B"}}`)))

	resp := client.Dispatch(context.Background(), models.Request{Account: account, Action: models.ActionGetPublicKey})
	assert.Equal(t, models.OutcomeNotFound, resp.Outcome())
}

func TestOCSClientStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    models.Outcome
		message string
	}{
		{"bad request", 400, ocsBody(400, "Invalid CSR", "[]"), models.OutcomeBadRequest, "Invalid CSR"},
		{"unauthorized", 401, ocsBody(401, "", "[]"), models.OutcomeUnauthorized, "Unauthorized"},
		{"forbidden", 403, ocsBody(403, "Not allowed", "[]"), models.OutcomeForbidden, "Not allowed"},
		{"not found", 404, ocsBody(404, "Could not find the private key", "[]"), models.OutcomeNotFound, "Could not find the private key"},
		{"conflict", 409, ocsBody(409, "Public key already exists", "[]"), models.OutcomeForbidden, "Public key already exists"},
		{"non json", 418, "teapot", models.OutcomeOther, "I'm a teapot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t)
			httpmock.RegisterResponder(http.MethodPost, endpoint("/public-key"),
				httpmock.NewStringResponder(tt.status, tt.body))

			resp := client.Dispatch(context.Background(), models.Request{
				Account: account,
				Action:  models.ActionSignPublicKey,
				Key:     "CSR",
			})

			require.NotNil(t, resp.Err)
			assert.Equal(t, tt.want, resp.Outcome())
			assert.Equal(t, tt.status, resp.Err.StatusCode)
			assert.Equal(t, tt.message, resp.Err.Message)
		})
	}
}

func TestOCSClientSignAndStoreSendForms(t *testing.T) {
	client := newClient(t)

	httpmock.RegisterResponder(http.MethodPost, endpoint("/public-key"),
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "CSR-PEM", req.PostForm.Get("csr"))
			return httpmock.NewStringResponse(200, ocsBody(200, "OK", `{"public-key":"CERT"}`)), nil
		})
	httpmock.RegisterResponder(http.MethodPost, endpoint("/private-key"),
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "BLOB", req.PostForm.Get("privateKey"))
			assert.Empty(t, req.PostForm.Get("password"))
			return httpmock.NewStringResponse(200, ocsBody(200, "OK", `{"private-key":"BLOB"}`)), nil
		})

	signed := client.Dispatch(context.Background(), models.Request{Account: account, Action: models.ActionSignPublicKey, Key: "CSR-PEM"})
	require.Nil(t, signed.Err)
	assert.Equal(t, "CERT", signed.Key)

	stored := client.Dispatch(context.Background(), models.Request{
		Account:   account,
		Action:    models.ActionStorePrivateKeyCipher,
		KeyCipher: "BLOB",
		Password:  "never sent",
	})
	require.Nil(t, stored.Err)
	assert.Equal(t, "BLOB", stored.Key)
}

func TestOCSClientFolderActions(t *testing.T) {
	client := newClient(t)

	httpmock.RegisterResponder(http.MethodPost, endpoint("/lock/42"),
		httpmock.NewStringResponder(200, ocsBody(200, "OK", `{"e2e-token":"tok-1"}`)))
	httpmock.RegisterResponder(http.MethodPut, endpoint("/encrypted/42"),
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "tok-1", req.Header.Get(transport.TokenHeader))
			return httpmock.NewStringResponse(200, ocsBody(200, "OK", "[]")), nil
		})
	httpmock.RegisterResponder(http.MethodDelete, endpoint("/lock/42"),
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "tok-1", req.Header.Get(transport.TokenHeader))
			return httpmock.NewStringResponse(200, ocsBody(200, "OK", "[]")), nil
		})
	httpmock.RegisterResponder(http.MethodGet, endpoint("/meta-data/42"),
		httpmock.NewStringResponder(200, ocsBody(200, "OK", `{"meta-data":"{\"files\":{}}"}`)))

	ctx := context.Background()
	lock := client.Dispatch(ctx, models.Request{Account: account, Action: models.ActionLockFolder, FileID: "42"})
	require.Nil(t, lock.Err)
	assert.Equal(t, "tok-1", lock.Token)

	mark := client.Dispatch(ctx, models.Request{Account: account, Action: models.ActionMarkEncrypted, FileID: "42", Token: lock.Token})
	assert.Nil(t, mark.Err)

	unlock := client.Dispatch(ctx, models.Request{Account: account, Action: models.ActionUnlockFolder, FileID: "42", Token: lock.Token})
	assert.Nil(t, unlock.Err)

	meta := client.Dispatch(ctx, models.Request{Account: account, Action: models.ActionGetMetadata, FileID: "42"})
	require.Nil(t, meta.Err)
	assert.Equal(t, `{"files":{}}`, meta.Document)
}

func TestOCSClientRequiresFileID(t *testing.T) {
	client := newClient(t)

	resp := client.Dispatch(context.Background(), models.Request{Account: account, Action: models.ActionLockFolder})
	assert.Equal(t, models.OutcomeBadRequest, resp.Outcome())
	assert.Zero(t, httpmock.GetTotalCallCount())

	resp = client.Dispatch(context.Background(), models.Request{Account: account, Action: models.Action("bogus")})
	assert.Equal(t, models.OutcomeBadRequest, resp.Outcome())
}

func TestOCSClientRetriesIdempotentGet(t *testing.T) {
	client := newClient(t)

	attempts := 0
	httpmock.RegisterResponder(http.MethodGet, endpoint("/server-key"),
		func(req *http.Request) (*http.Response, error) {
			attempts++
			if attempts < 3 {
				return httpmock.NewStringResponse(503, "unavailable"), nil
			}
			return httpmock.NewStringResponse(200, ocsBody(200, "OK", `{"public-key":"SERVER"}`)), nil
		})

	resp := client.Dispatch(context.Background(), models.Request{Account: account, Action: models.ActionGetServerPublicKey})

	require.Nil(t, resp.Err)
	assert.Equal(t, "SERVER", resp.Key)
	assert.Equal(t, 3, attempts)
}

func TestOCSClientRetriesNetworkErrorOnGet(t *testing.T) {
	client := newClient(t)

	attempts := 0
	httpmock.RegisterResponder(http.MethodGet, endpoint("/private-key"),
		func(req *http.Request) (*http.Response, error) {
			attempts++
			if attempts == 1 {
				return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
			}
			return httpmock.NewStringResponse(200, ocsBody(200, "OK", `{"private-key":"BLOB"}`)), nil
		})

	resp := client.Dispatch(context.Background(), models.Request{Account: account, Action: models.ActionGetPrivateKeyCipher})

	require.Nil(t, resp.Err)
	assert.Equal(t, "BLOB", resp.Key)
	assert.Equal(t, 2, attempts)
}

func TestOCSClientNeverRetriesMutations(t *testing.T) {
	client := newClient(t)

	httpmock.RegisterResponder(http.MethodPost, endpoint("/lock/7"),
		httpmock.NewStringResponder(503, ocsBody(503, "maintenance", "[]")))

	resp := client.Dispatch(context.Background(), models.Request{Account: account, Action: models.ActionLockFolder, FileID: "7"})

	assert.Equal(t, models.OutcomeOther, resp.Outcome())
	assert.Equal(t, "maintenance", resp.Err.Message)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestOCSClientGivesUpAfterMaxRetries(t *testing.T) {
	client := newClient(t)

	httpmock.RegisterResponder(http.MethodGet, endpoint("/server-key"),
		httpmock.NewStringResponder(500, ocsBody(500, "boom", "[]")))

	resp := client.Dispatch(context.Background(), models.Request{Account: account, Action: models.ActionGetServerPublicKey})

	assert.Equal(t, models.OutcomeOther, resp.Outcome())
	assert.Equal(t, 500, resp.Err.StatusCode)
	assert.Equal(t, 4, httpmock.GetTotalCallCount())
}
