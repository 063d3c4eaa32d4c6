package main

import (
	"errors"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var silent *silentError
		switch {
		case errors.As(err, &silent):
		case jsonOutput:
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		default:
			printError("%v", err)
		}
		os.Exit(1)
	}
}
