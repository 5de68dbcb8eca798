// Package config implements TOML configuration loading, validation, and
// default path resolution for uploadrelay. It supports a three-layer
// override chain (defaults -> config file -> environment), with log level
// and format additionally overridable by CLI flags at the command layer.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Cloud   CloudConfig   `toml:"cloud"`
	Network NetworkConfig `toml:"network"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// StorageConfig controls local paths: the uploads root used for fallback
// writes, the SQLite upload ledger, and the persisted credential record.
type StorageConfig struct {
	UploadsRoot string `toml:"uploads_root"`
	LedgerPath  string `toml:"ledger_path"`
	TokenPath   string `toml:"token_path"`
}

// CloudConfig selects the cloud provider and its remote layout.
// google_credentials is only used by the gdrive provider.
type CloudConfig struct {
	Provider          string `toml:"provider"`
	RootFolder        string `toml:"root_folder"`
	GoogleCredentials string `toml:"google_credentials"`
	RetryInterval     string `toml:"retry_interval"`
}

// NetworkConfig controls outbound HTTP client behavior. Every provider call
// carries this timeout as a hard ceiling.
type NetworkConfig struct {
	Timeout string `toml:"timeout"`
}

// LoggingConfig controls log output: level and handler format.
// Format "auto" picks text on a terminal and JSON otherwise.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Provider names accepted in cloud.provider.
const (
	ProviderOneDrive = "onedrive"
	ProviderGDrive   = "gdrive"
)
