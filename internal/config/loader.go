package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. E2EKEYS_LOG_LEVEL.
const EnvPrefix = "E2EKEYS"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty path searches the default locations.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{
		configPath: configPath,
		v:          v,
	}
}

// Viper exposes the underlying instance so CLI flags can be bound to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads configuration from defaults, file and environment, in that order.
func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v, DefaultConfig())

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
	} else {
		l.v.SetConfigName("config")
		for _, dir := range l.defaultPaths() {
			l.v.AddConfigPath(dir)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	if cfg.Storage.KeysDir == "" {
		cfg.Storage.KeysDir = filepath.Join(cfg.Storage.DataDir, "keys")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFileUsed returns the file the last Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{".", ".e2ekeys"}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "e2ekeys"),
			filepath.Join(homeDir, ".e2ekeys"),
		)
	}

	return paths
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"api.base_url":             cfg.API.BaseURL,
		"api.timeout":              cfg.API.Timeout,
		"api.max_retries":          cfg.API.MaxRetries,
		"api.user_agent":           cfg.API.UserAgent,
		"account.user":             cfg.Account.User,
		"account.user_id":          cfg.Account.UserID,
		"account.app_password":     cfg.Account.AppPassword,
		"storage.data_dir":         cfg.Storage.DataDir,
		"storage.keys_dir":         "",
		"storage.backend":          cfg.Storage.Backend,
		"crypto.pbkdf2_iterations": cfg.Crypto.PBKDF2Iterations,
		"crypto.rsa_bits":          cfg.Crypto.RSABits,
		"push.enabled":             cfg.Push.Enabled,
		"push.url":                 cfg.Push.URL,
		"metrics.textfile":         cfg.Metrics.Textfile,
		"log.level":                cfg.Log.Level,
		"log.format":               cfg.Log.Format,
		"log.file":                 cfg.Log.File,
		"log.color":                cfg.Log.Color,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// SaveExample writes an example config file. The format follows the extension.
func SaveExample(path string) error {
	v := viper.New()
	cfg := DefaultConfig()
	setDefaults(v, cfg)
	v.Set("storage.keys_dir", cfg.Storage.KeysDir)
	v.Set("api.base_url", "https://cloud.example.com")
	v.Set("account.user", "alice")

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return os.Chmod(path, 0600)
}
