package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/e2ekeys/internal/services/metadata"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata <file-id>",
	Short: "Decode the encrypted metadata of a folder",
	Long: `Metadata downloads the encrypted metadata document of a folder and
decrypts the key of every file with the local private key. Files whose key
cannot be decrypted are listed with the error.`,
	Example: `  e2ekeys metadata 1234
  e2ekeys metadata 1234 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMetadata,
}

func init() {
	rootCmd.AddCommand(metadataCmd)
}

func runMetadata(cmd *cobra.Command, args []string) error {
	ctx, cancel := interruptible()
	defer cancel()

	_, stop := startSpinner("Fetching metadata...")
	results, err := apiClient.FetchMetadata(ctx, args[0])
	stop()
	if err != nil {
		return err
	}

	printResults(args[0], results)
	return nil
}

type fileReport struct {
	FileNameID  string `json:"file_name_id"`
	MetadataKey int    `json:"metadata_key"`
	KeyDigest   string `json:"key_sha256,omitempty"`
	Error       string `json:"error,omitempty"`
}

func report(results []metadata.FileResult) ([]fileReport, int) {
	reports := make([]fileReport, 0, len(results))
	failed := 0
	for _, r := range results {
		rep := fileReport{FileNameID: r.FileNameID, MetadataKey: r.Entry.MetadataKeyIndex()}
		if r.Err != nil {
			rep.Error = r.Err.Error()
			failed++
		} else {
			sum := sha256.Sum256(r.Key)
			rep.KeyDigest = hex.EncodeToString(sum[:8])
		}
		reports = append(reports, rep)
	}
	return reports, failed
}

func printResults(fileID string, results []metadata.FileResult) {
	reports, failed := report(results)

	if jsonOutput {
		printJSON(map[string]interface{}{
			"file_id": fileID,
			"files":   reports,
			"failed":  failed,
		})
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tKEY INDEX\tSTATUS")
	for _, rep := range reports {
		status := "ok " + rep.KeyDigest
		if rep.Error != "" {
			status = errorColor.Sprint(rep.Error)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", rep.FileNameID, rep.MetadataKey, status)
	}
	_ = w.Flush()

	if failed > 0 {
		printWarning("%d of %d file keys could not be decrypted", failed, len(reports))
	} else {
		printSuccess("%d file keys decrypted", len(reports))
	}
}
