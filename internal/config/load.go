package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values for configuration options. Chosen so the relay works
// without any config file: serve on localhost, write fallbacks next to
// the working directory, talk to OneDrive.
const (
	defaultListenAddr    = "127.0.0.1:5001"
	defaultUploadsRoot   = "uploads"
	defaultLedgerFile    = "ledger.db"
	defaultTokenFile     = "onedrive_tokens.json"
	defaultProvider      = ProviderOneDrive
	defaultRootFolder    = "KFUPM_GSR_Project"
	defaultRetryInterval = "2m"
	defaultTimeout       = "30s"
	defaultLogLevel      = "info"
	defaultLogFormat     = "auto"
)

// Environment variable names for overrides.
const (
	EnvConfig      = "UPLOADRELAY_CONFIG"
	EnvListenAddr  = "UPLOADRELAY_LISTEN_ADDR"
	EnvUploadsRoot = "UPLOADRELAY_UPLOADS_ROOT"
	EnvProvider    = "UPLOADRELAY_PROVIDER"
	EnvTokenPath   = "UPLOADRELAY_TOKEN_PATH"
)

// DefaultConfig returns a Config populated with all default values.
// Used both as the starting point for TOML decoding (unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: defaultListenAddr},
		Storage: StorageConfig{
			UploadsRoot: defaultUploadsRoot,
			LedgerPath:  filepath.Join(defaultUploadsRoot, defaultLedgerFile),
			TokenPath:   defaultTokenFile,
		},
		Cloud: CloudConfig{
			Provider:      defaultProvider,
			RootFolder:    defaultRootFolder,
			RetryInterval: defaultRetryInterval,
		},
		Network: NetworkConfig{Timeout: defaultTimeout},
		Logging: LoggingConfig{LogLevel: defaultLogLevel, LogFormat: defaultLogFormat},
	}
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Resolve applies the override chain: defaults -> config file -> environment.
// A missing config file is not an error — defaults support the zero-config
// first run. An explicitly requested config file that does not exist is.
func Resolve(explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	var cfg *Config

	switch {
	case path != "":
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}

		cfg = loaded
	default:
		cfg = DefaultConfig()
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides mutates cfg with any environment overrides present.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}

	if v := os.Getenv(EnvUploadsRoot); v != "" {
		cfg.Storage.UploadsRoot = v
	}

	if v := os.Getenv(EnvProvider); v != "" {
		cfg.Cloud.Provider = v
	}

	if v := os.Getenv(EnvTokenPath); v != "" {
		cfg.Storage.TokenPath = v
	}
}

// Validate checks a Config for values that would fail at runtime.
func Validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("server.listen_addr must not be empty")
	}

	if cfg.Storage.UploadsRoot == "" {
		return errors.New("storage.uploads_root must not be empty")
	}

	switch cfg.Cloud.Provider {
	case ProviderOneDrive, ProviderGDrive:
	default:
		return fmt.Errorf("cloud.provider %q is not supported (want %q or %q)",
			cfg.Cloud.Provider, ProviderOneDrive, ProviderGDrive)
	}

	if cfg.Cloud.RootFolder == "" {
		return errors.New("cloud.root_folder must not be empty")
	}

	if _, err := time.ParseDuration(cfg.Network.Timeout); err != nil {
		return fmt.Errorf("network.timeout %q is not a duration: %w", cfg.Network.Timeout, err)
	}

	if _, err := time.ParseDuration(cfg.Cloud.RetryInterval); err != nil {
		return fmt.Errorf("cloud.retry_interval %q is not a duration: %w", cfg.Cloud.RetryInterval, err)
	}

	return nil
}

// HTTPTimeout returns the parsed outbound call ceiling.
// Validate guarantees the value parses.
func (c *Config) HTTPTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Network.Timeout)
	return d
}

// RetryEvery returns the parsed retry-watcher interval.
func (c *Config) RetryEvery() time.Duration {
	d, _ := time.ParseDuration(c.Cloud.RetryInterval)
	return d
}
