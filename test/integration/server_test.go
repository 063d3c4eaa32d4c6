//go:build integration
// +build integration

package integration_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/e2ekeys/internal/client"
	"github.com/TheMichaelB/e2ekeys/internal/config"
	"github.com/TheMichaelB/e2ekeys/internal/models"
	"github.com/TheMichaelB/e2ekeys/test/testutil"
)

// These tests talk to a live Nextcloud with the end_to_end_encryption app.
// The account must not hold E2EE keys yet; they are deleted again afterwards.
//
//	E2EKEYS_IT_BASE_URL      https://cloud.example.com
//	E2EKEYS_IT_USER          alice
//	E2EKEYS_IT_APP_PASSWORD  xxxxx-xxxxx-xxxxx-xxxxx-xxxxx
//	E2EKEYS_IT_FOLDER_URL    optional, empty folder to mark and unmark
//	E2EKEYS_IT_FOLDER_ID     optional, file ID of that folder
func liveConfig(t *testing.T) *config.Config {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	baseURL := os.Getenv("E2EKEYS_IT_BASE_URL")
	user := os.Getenv("E2EKEYS_IT_USER")
	password := os.Getenv("E2EKEYS_IT_APP_PASSWORD")
	if baseURL == "" || user == "" || password == "" {
		t.Skip("E2EKEYS_IT_BASE_URL, E2EKEYS_IT_USER and E2EKEYS_IT_APP_PASSWORD are not set")
	}

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = baseURL
	cfg.API.Timeout = 30 * time.Second
	cfg.Account = config.AccountConfig{User: user, AppPassword: password}
	cfg.Storage = config.StorageConfig{
		DataDir: dir,
		KeysDir: filepath.Join(dir, "keys"),
		Backend: "sqlite",
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.EnsureDirectories())
	return cfg
}

func TestLiveKeyExchange(t *testing.T) {
	cfg := liveConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	prompter := &testutil.StaticPrompter{}
	c, err := client.New(cfg, prompter, testutil.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.InitKeys(ctx))
	t.Cleanup(func() {
		if err := c.DeleteRemoteKeys(context.Background(), true, true); err != nil {
			t.Logf("cleanup: %v", err)
		}
	})
	require.Len(t, prompter.Acknowledged, 1, "account already had keys")

	status, err := c.KeyStatus()
	require.NoError(t, err)
	assert.Equal(t, models.KeyPairSignedRemote, status.State)
	assert.True(t, status.HasPrivateKey)

	// A second device restores the same material with the passphrase.
	cfg2 := liveConfig(t)
	c2, err := client.New(cfg2, &testutil.StaticPrompter{Value: prompter.Acknowledged[0]}, testutil.NewTestLogger())
	require.NoError(t, err)
	defer c2.Close()

	require.NoError(t, c2.InitKeys(ctx))
	status2, err := c2.KeyStatus()
	require.NoError(t, err)
	assert.Equal(t, status.PublicKeyFingerprint, status2.PublicKeyFingerprint)
	assert.Equal(t, status.ServerKeyFingerprint, status2.ServerKeyFingerprint)

	folderURL := os.Getenv("E2EKEYS_IT_FOLDER_URL")
	folderID := os.Getenv("E2EKEYS_IT_FOLDER_ID")
	if folderURL == "" || folderID == "" {
		t.Log("E2EKEYS_IT_FOLDER_URL or E2EKEYS_IT_FOLDER_ID not set, skipping folder flow")
		return
	}

	require.NoError(t, c.MarkEncrypted(ctx, folderURL, folderID))
	require.NoError(t, c.DeleteMark(ctx, folderURL, folderID))
}
