package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/e2ekeys/internal/config"
	"github.com/TheMichaelB/e2ekeys/internal/keystore"
	"github.com/TheMichaelB/e2ekeys/internal/models"
	"github.com/TheMichaelB/e2ekeys/internal/services/keyexchange"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the end-to-end encryption key pair",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Establish the key pair with the server",
	Long: `Init clears the local key material and establishes it again.

On a first device a key pair is created, the public key is signed by the
server and the private key is stored on the server, encrypted with a newly
generated passphrase. On further devices the stored private key is
downloaded and decrypted with that passphrase.`,
	Example: `  e2ekeys keys init
  E2EKEYS_PASSPHRASE="word1 word2 ..." e2ekeys keys init --json`,
	Args: cobra.NoArgs,
	RunE: runKeysInit,
}

var keysStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the locally stored key material",
	Args:  cobra.NoArgs,
	RunE:  runKeysStatus,
}

var keysClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the local key material (log out)",
	Args:  cobra.NoArgs,
	RunE:  runKeysClear,
}

var keysDeleteRemoteCmd = &cobra.Command{
	Use:   "delete-remote",
	Short: "Delete the public and/or private key on the server",
	Example: `  e2ekeys keys delete-remote --private
  e2ekeys keys delete-remote --public --private`,
	Args: cobra.NoArgs,
	RunE: runKeysDeleteRemote,
}

var keysMigrateCmd = &cobra.Command{
	Use:       "migrate <sqlite|json>",
	Short:     "Copy the key store to another backend",
	Example:   `  e2ekeys keys migrate json`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"sqlite", "json"},
	RunE:      runKeysMigrate,
}

var (
	deletePublic  bool
	deletePrivate bool
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysInitCmd, keysStatusCmd, keysClearCmd, keysDeleteRemoteCmd, keysMigrateCmd)

	keysDeleteRemoteCmd.Flags().BoolVar(&deletePublic, "public", false,
		"Delete the public key (certificate)")
	keysDeleteRemoteCmd.Flags().BoolVar(&deletePrivate, "private", false,
		"Delete the encrypted private key")
}

func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runKeysInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := interruptible()
	defer cancel()

	spin, stop := startSpinner("Establishing keys...")
	prompter.attach(spin)
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case event := <-apiClient.Keys.Events():
				if event.Type == keyexchange.EventStep {
					setSpinnerMessage(spin, describeStep(event.Action))
				}
			case <-done:
				return
			}
		}
	}()

	started := time.Now()
	err := apiClient.InitKeys(ctx)
	stop()

	if err != nil {
		var exErr *models.ExchangeError
		if jsonOutput {
			result := map[string]interface{}{"success": false, "error": err.Error()}
			if errors.As(err, &exErr) {
				result["step"] = exErr.Step
				result["kind"] = exErr.Kind
				result["code"] = exErr.Code
			}
			printJSON(result)
			return errSilent(err)
		}
		return err
	}

	status, err := apiClient.KeyStatus()
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"status":   status,
			"duration": time.Since(started).String(),
		})
		return nil
	}
	printSuccess("Keys established for %s", status.Account)
	printInfo("  Certificate fingerprint: %s", status.PublicKeyFingerprint)
	printInfo("  Server key fingerprint:  %s", status.ServerKeyFingerprint)
	return nil
}

func describeStep(action models.Action) string {
	switch action {
	case models.ActionGetPublicKey:
		return "Fetching public key..."
	case models.ActionSignPublicKey:
		return "Requesting certificate..."
	case models.ActionGetPrivateKeyCipher:
		return "Fetching encrypted private key..."
	case models.ActionStorePrivateKeyCipher:
		return "Storing encrypted private key..."
	case models.ActionGetServerPublicKey:
		return "Fetching server key..."
	}
	return string(action)
}

func runKeysStatus(cmd *cobra.Command, args []string) error {
	status, err := apiClient.KeyStatus()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(status)
		return nil
	}

	fmt.Printf("Account:      %s\n", status.Account)
	fmt.Printf("State:        %s\n", status.State)
	fmt.Printf("Certificate:  %s\n", orNone(status.PublicKeyFingerprint))
	fmt.Printf("Private key:  %s\n", yesNo(status.HasPrivateKey))
	fmt.Printf("Passphrase:   %s\n", yesNo(status.HasPassphrase))
	fmt.Printf("Server key:   %s\n", orNone(status.ServerKeyFingerprint))
	return nil
}

func runKeysClear(cmd *cobra.Command, args []string) error {
	if err := apiClient.ClearKeys(); err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]interface{}{"success": true})
	} else {
		printSuccess("Local key material removed")
	}
	return nil
}

func runKeysDeleteRemote(cmd *cobra.Command, args []string) error {
	if !deletePublic && !deletePrivate {
		return errors.New("choose --public, --private or both")
	}

	ctx, cancel := interruptible()
	defer cancel()

	err := apiClient.DeleteRemoteKeys(ctx, deletePublic, deletePrivate)
	if jsonOutput {
		result := map[string]interface{}{"success": err == nil}
		if err != nil {
			result["error"] = err.Error()
			printJSON(result)
			return errSilent(err)
		}
		printJSON(result)
		return nil
	}
	if err != nil {
		return err
	}
	printSuccess("Remote keys deleted")
	return nil
}

func runKeysMigrate(cmd *cobra.Command, args []string) error {
	target := args[0]
	if target == cfg.Storage.Backend {
		return fmt.Errorf("key store already uses %s", target)
	}

	dstCfg := config.StorageConfig{
		DataDir: cfg.Storage.DataDir,
		KeysDir: cfg.Storage.KeysDir,
		Backend: target,
	}
	dst, err := keystore.Open(dstCfg, logger)
	if err != nil {
		return err
	}
	defer dst.Close()

	n, err := keystore.Copy(apiClient.Store, dst)
	if err != nil {
		return fmt.Errorf("migrate after %d accounts: %w", n, err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "accounts": n, "backend": target})
		return nil
	}
	printSuccess("Copied %d account(s) to the %s store", n, target)
	printInfo("Set storage.backend: %s to use it", target)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "stored"
	}
	return "(none)"
}
