// Package config provides the gateway configuration and the loading of API
// definitions.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	gwtls "github.com/polisai/polis-gateway/internal/tls"
	"github.com/polisai/polis-gateway/pkg/connector"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Connectors  ConnectorsConfig  `yaml:"connectors"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	DataAddress     string        `yaml:"data_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig enables TLS on the data listener.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
	MinVersion   string `yaml:"min_version"`
	// Watch reloads the certificate when its files change.
	Watch bool `yaml:"watch"`
}

// Listener converts the settings for the TLS package.
func (c TLSConfig) Listener() gwtls.Config {
	return gwtls.Config{
		CertFile:     c.CertFile,
		KeyFile:      c.KeyFile,
		ClientCAFile: c.ClientCAFile,
		MinVersion:   c.MinVersion,
	}
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefinitionsConfig points at the API definitions file.
type DefinitionsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// ConnectorsConfig controls connector resolution.
type ConnectorsConfig struct {
	Ordering string `yaml:"ordering"`
}

// ResilienceConfig holds the default circuit breaker applied to backends
// whose endpoint does not configure its own.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors governance.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	MaxFailures    int           `yaml:"max_failures"`
	FailureRate    float64       `yaml:"failure_rate"`
	MinSamples     int           `yaml:"min_samples"`
	Window         time.Duration `yaml:"window"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			DataAddress:     ":8090",
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-gateway"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Connectors: ConnectorsConfig{
			Ordering: string(connector.MostSpecificFirst),
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadEnvFiles loads KEY=VALUE files into the process environment. Missing
// files are skipped and variables already set are left untouched.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load env file %s: %w", file, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("GATEWAY_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("GATEWAY_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}

	if val := os.Getenv("GATEWAY_TLS_CERT_FILE"); val != "" {
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("GATEWAY_TLS_KEY_FILE"); val != "" {
		cfg.Server.TLS.KeyFile = val
	}

	if val := os.Getenv("GATEWAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("GATEWAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("GATEWAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("GATEWAY_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("GATEWAY_DEFINITIONS"); val != "" {
		cfg.Definitions.File = val
	}
	if val := os.Getenv("GATEWAY_CONNECTOR_ORDERING"); val != "" {
		cfg.Connectors.Ordering = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Connectors.Validate(); err != nil {
		return fmt.Errorf("connectors configuration: %w", err)
	}

	if c.Resilience.CircuitBreaker.FailureRate < 0 || c.Resilience.CircuitBreaker.FailureRate > 100 {
		return fmt.Errorf("resilience configuration: failure_rate %v outside 0-100", c.Resilience.CircuitBreaker.FailureRate)
	}

	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8090"
	}
	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("admin_address and data_address must differ, both are %q", c.AdminAddress)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}
	if err := c.TLS.Listener().Validate(); err != nil {
		return err
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}

// Validate performs validation of connector configuration.
func (c *ConnectorsConfig) Validate() error {
	ordering, err := connector.ParseOrdering(c.Ordering)
	if err != nil {
		return err
	}
	c.Ordering = string(ordering)
	return nil
}

// ConnectorOrdering returns the parsed entrypoint ordering.
func (c *Config) ConnectorOrdering() connector.Ordering {
	ordering, err := connector.ParseOrdering(c.Connectors.Ordering)
	if err != nil {
		return connector.MostSpecificFirst
	}
	return ordering
}
