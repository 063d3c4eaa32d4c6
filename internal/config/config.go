package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server communication
	API APIConfig `json:"api" mapstructure:"api"`

	// Active account credentials
	Account AccountConfig `json:"account" mapstructure:"account"`

	// Local key storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Key derivation parameters
	Crypto CryptoConfig `json:"crypto" mapstructure:"crypto"`

	// notify_push listener
	Push PushConfig `json:"push" mapstructure:"push"`

	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	Log LogConfig `json:"log" mapstructure:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent"`
}

// AccountConfig identifies the user the CLI acts for.
type AccountConfig struct {
	User        string `json:"user" mapstructure:"user"`
	UserID      string `json:"user_id,omitempty" mapstructure:"user_id"`
	AppPassword string `json:"app_password,omitempty" mapstructure:"app_password"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"` // Base directory for all data
	KeysDir string `json:"keys_dir" mapstructure:"keys_dir"` // Key store and pending key files
	Backend string `json:"backend" mapstructure:"backend"`   // sqlite or json
}

// CryptoConfig tunes key generation and wrapping.
type CryptoConfig struct {
	PBKDF2Iterations int `json:"pbkdf2_iterations" mapstructure:"pbkdf2_iterations"`
	RSABits          int `json:"rsa_bits" mapstructure:"rsa_bits"`
}

// PushConfig for the notify_push websocket.
type PushConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url,omitempty" mapstructure:"url"` // derived from api.base_url when empty
}

// MetricsConfig for the Prometheus textfile output.
type MetricsConfig struct {
	Textfile string `json:"textfile,omitempty" mapstructure:"textfile"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stdout)
	Color  bool   `json:"color" mapstructure:"color"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".e2ekeys"

	return &Config{
		API: APIConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			UserAgent:  "e2ekeys/1.0",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			KeysDir: filepath.Join(dataDir, "keys"),
			Backend: "sqlite",
		},
		Crypto: CryptoConfig{
			PBKDF2Iterations: 100000,
			RSABits:          2048,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("api.base_url is not a valid URL: %q", c.API.BaseURL)
		}
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must not be negative")
	}

	validBackends := map[string]bool{"sqlite": true, "json": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if c.Crypto.PBKDF2Iterations < 1000 {
		return errors.New("crypto.pbkdf2_iterations must be at least 1000")
	}

	if c.Crypto.RSABits < 2048 {
		return errors.New("crypto.rsa_bits must be at least 2048")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// RequireAccount checks the fields needed to talk to the server.
func (c *Config) RequireAccount() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Account.User == "" {
		return errors.New("account.user is required")
	}
	if c.Account.AppPassword == "" {
		return errors.New("account.app_password is required")
	}
	return nil
}

// PushURL returns the notify_push websocket endpoint.
func (c *Config) PushURL() string {
	if c.Push.URL != "" {
		return c.Push.URL
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/push/ws"
	return u.String()
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.KeysDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}
	if c.Metrics.Textfile != "" {
		dirs = append(dirs, filepath.Dir(c.Metrics.Textfile))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
