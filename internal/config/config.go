// Package config provides YAML configuration loading and validation for the
// file-event console.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the console.
type Config struct {
	// ListenAddr is the HTTP listen address for the REST API, the websocket
	// stream and /metrics. Defaults to ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// GRPCAddr is the listen address for the gRPC health service. Empty
	// disables the gRPC listener.
	GRPCAddr string `yaml:"grpc_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// TLS holds the certificate paths for the gRPC listener. All three paths
	// empty means plaintext.
	TLS TLSConfig `yaml:"tls"`

	// JWTPublicKeyPath is the PEM-encoded RSA public key used to verify
	// operator bearer tokens on /api/v1 routes. Required.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// JWTIssuer and JWTAudience, when set, must match the token's iss and
	// aud claims.
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`

	// Database configures the delivered-event history. An empty DSN disables
	// history.
	Database DatabaseConfig `yaml:"database"`

	// RegistryPath is the SQLite file that persists each session's endpoint
	// selection. Empty keeps selections in memory only.
	RegistryPath string `yaml:"registry_path"`

	// AuditLogPath is the hash-chained operator audit log. Empty disables
	// auditing.
	AuditLogPath string `yaml:"audit_log_path"`

	// Poller tunes every session's polling coordinator.
	Poller PollerConfig `yaml:"poller"`

	// Monitors lists the monitor instances an operator can pick by name.
	Monitors []Monitor `yaml:"monitors"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

// Enabled reports whether any TLS path is set.
func (t TLSConfig) Enabled() bool {
	return t.CertPath != "" || t.KeyPath != "" || t.CAPath != ""
}

// DatabaseConfig configures the PostgreSQL history store.
type DatabaseConfig struct {
	DSN           string        `yaml:"dsn"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// PollerConfig tunes the polling coordinators.
type PollerConfig struct {
	// Interval is the poll period. Defaults to 1s.
	Interval time.Duration `yaml:"interval"`

	// Limit is the number of recent events requested per poll. Defaults to 5.
	Limit int `yaml:"limit"`

	// EndpointKey is the registry key that holds the active endpoint.
	// Defaults to "activeMonitorEndpoint".
	EndpointKey string `yaml:"endpoint_key"`

	// RequestTimeout bounds each backend request. Defaults to 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Monitor is a named monitor backend.
type Monitor struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. Every validation failure is reported.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.BatchSize == 0 {
		cfg.Database.BatchSize = 100
	}
	if cfg.Database.FlushInterval == 0 {
		cfg.Database.FlushInterval = 250 * time.Millisecond
	}
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = time.Second
	}
	if cfg.Poller.Limit == 0 {
		cfg.Poller.Limit = 5
	}
	if cfg.Poller.EndpointKey == "" {
		cfg.Poller.EndpointKey = "activeMonitorEndpoint"
	}
	if cfg.Poller.RequestTimeout == 0 {
		cfg.Poller.RequestTimeout = 10 * time.Second
	}
}

// validate checks required fields and value ranges.
func validate(cfg *Config) error {
	var errs []error

	if cfg.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("jwt_public_key_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.TLS.Enabled() {
		if cfg.TLS.CertPath == "" {
			errs = append(errs, errors.New("tls.cert_path is required when tls is configured"))
		}
		if cfg.TLS.KeyPath == "" {
			errs = append(errs, errors.New("tls.key_path is required when tls is configured"))
		}
		if cfg.TLS.CAPath == "" {
			errs = append(errs, errors.New("tls.ca_path is required when tls is configured"))
		}
	}
	if cfg.Database.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("database.batch_size %d must be positive", cfg.Database.BatchSize))
	}
	if cfg.Database.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("database.flush_interval %s must be positive", cfg.Database.FlushInterval))
	}
	if cfg.Poller.Interval < 0 {
		errs = append(errs, fmt.Errorf("poller.interval %s must be positive", cfg.Poller.Interval))
	}
	if cfg.Poller.Limit < 0 {
		errs = append(errs, fmt.Errorf("poller.limit %d must be positive", cfg.Poller.Limit))
	}
	if cfg.Poller.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("poller.request_timeout %s must be positive", cfg.Poller.RequestTimeout))
	}

	seen := make(map[string]bool, len(cfg.Monitors))
	for i, m := range cfg.Monitors {
		prefix := fmt.Sprintf("monitors[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[m.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, m.Name))
		}
		seen[m.Name] = true
		if err := ValidateEndpoint(m.URL); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}

// ValidateEndpoint checks that raw is an absolute http or https URL with a
// host.
func ValidateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// MonitorURL returns the URL of the monitor named name.
func (c *Config) MonitorURL(name string) (string, bool) {
	for _, m := range c.Monitors {
		if m.Name == name {
			return m.URL, true
		}
	}
	return "", false
}
