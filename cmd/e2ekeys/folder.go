package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/e2ekeys/internal/models"
)

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Flag folders as end-to-end encrypted",
	Long: `Folder commands lock the folder on the server, change its encrypted
flag and unlock it again. The unlock is attempted even when the change fails.`,
}

var folderMarkCmd = &cobra.Command{
	Use:     "mark <folder-url> <file-id>",
	Short:   "Mark a folder as encrypted",
	Example: `  e2ekeys folder mark https://cloud.example.com/remote.php/dav/files/alice/secret 1234`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFolder(args[0], args[1], "Marking folder as encrypted...", apiClient.MarkEncrypted)
	},
}

var folderUnmarkCmd = &cobra.Command{
	Use:     "unmark <folder-url> <file-id>",
	Short:   "Remove the encrypted mark of a folder",
	Example: `  e2ekeys folder unmark https://cloud.example.com/remote.php/dav/files/alice/secret 1234`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFolder(args[0], args[1], "Removing encrypted mark...", apiClient.DeleteMark)
	},
}

func init() {
	rootCmd.AddCommand(folderCmd)
	folderCmd.AddCommand(folderMarkCmd, folderUnmarkCmd)
}

func runFolder(folderURL, fileID, message string, fn func(ctx context.Context, folderURL, fileID string) error) error {
	ctx, cancel := interruptible()
	defer cancel()

	_, stop := startSpinner(message)
	err := fn(ctx, folderURL, fileID)
	stop()

	if jsonOutput {
		result := map[string]interface{}{
			"success": err == nil,
			"folder":  folderURL,
			"file_id": fileID,
		}
		var txErr *models.TransactionError
		if errors.As(err, &txErr) {
			result["step"] = txErr.Step
			result["code"] = txErr.Code()
		}
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
	printSuccess("Done: %s", folderURL)
	return nil
}
