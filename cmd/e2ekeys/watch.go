package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/e2ekeys/internal/services/metadata"
)

var watchCmd = &cobra.Command{
	Use:   "watch <file-id>...",
	Short: "Decode folder metadata again whenever it changes",
	Long: `Watch connects to the notify_push server and re-fetches the metadata of
the given folders every time the server reports a change to them.`,
	Example: `  e2ekeys watch 1234 5678`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !cfg.Push.Enabled {
		return errors.New("push notifications are disabled, set push.enabled")
	}

	ctx, cancel := interruptible()
	defer cancel()

	if !jsonOutput {
		printInfo("Watching %d folder(s), press Ctrl+C to stop", len(args))
	}

	err := apiClient.Watch(ctx, args, func(fileID string, results []metadata.FileResult, err error) {
		if err != nil {
			logger.WithError(err).WithField("file_id", fileID).Warn("Metadata refresh failed")
			if !jsonOutput {
				printError("%s: %v", fileID, err)
			}
			return
		}
		if !jsonOutput {
			printInfo("%s changed at %s", fileID, time.Now().Format(time.TimeOnly))
		}
		printResults(fileID, results)
		if err := apiClient.FlushMetrics(); err != nil {
			logger.WithError(err).Warn("Failed to write metrics")
		}
	})

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
