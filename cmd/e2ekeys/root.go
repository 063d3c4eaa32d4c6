package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/e2ekeys/internal/client"
	"github.com/TheMichaelB/e2ekeys/internal/config"
	"github.com/TheMichaelB/e2ekeys/internal/events"
)

var (
	cfgFile    string
	logLevel   string
	jsonOutput bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
	prompter  *terminalPrompter
)

var rootCmd = &cobra.Command{
	Use:   "e2ekeys",
	Short: "Manage Nextcloud end-to-end encryption keys",
	Long: `e2ekeys establishes the end-to-end encryption key pair of a Nextcloud
account, flags folders as encrypted under a folder lock and decodes the
encrypted metadata of a folder.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (default searches ./config.*, ~/.config/e2ekeys/config.*)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print results as JSON")
}

func setup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	if err := loader.Viper().BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logger.WithField("file", used).Debug("Loaded config")
	}

	prompter = newTerminalPrompter()
	apiClient, err = client.New(cfg, prompter, logger)
	if err != nil {
		return err
	}
	apiClient.SetReauthenticator(&reauthNotice{})
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if apiClient == nil {
		return nil
	}
	if err := apiClient.FlushMetrics(); err != nil {
		logger.WithError(err).Warn("Failed to write metrics")
	}
	if err := apiClient.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close key store")
	}
	return logger.Close()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:     "init <path>",
	Short:   "Write an example config file",
	Example: `  e2ekeys config init ~/.config/e2ekeys/config.yaml`,
	Args:    cobra.ExactArgs(1),
	// No client needed to write a file.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveExample(args[0]); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "path": args[0]})
		} else {
			printSuccess("Wrote %s", args[0])
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
