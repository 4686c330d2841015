package config

import "time"

// Config holds the application configuration.
type Config struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxRedirects   int           `yaml:"max_redirects"`
	Proxy          string        `yaml:"proxy"`
	NoProxy        string        `yaml:"no_proxy"`
	UserAgent      string        `yaml:"user_agent"`
	HistoryPath    string        `yaml:"history_path"`
	TLS            TLSConfig     `yaml:"tls"`
	Log            LogConfig     `yaml:"log"`
}

// TLSConfig holds client TLS settings.
type TLSConfig struct {
	CertFile           string   `yaml:"cert_file"`
	KeyFile            string   `yaml:"key_file"`
	Passphrase         string   `yaml:"passphrase"`
	CAFile             string   `yaml:"ca_file"`
	CipherSuites       []string `yaml:"cipher_suites"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		MaxRedirects:   10,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}
