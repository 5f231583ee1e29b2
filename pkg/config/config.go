// Package config provides configuration structures and loading logic for the
// incident service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-incident/internal/governance"
	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/integrity"
	"github.com/polisai/polis-incident/pkg/scenario"
	"github.com/polisai/polis-incident/pkg/telemetry"
)

// Config holds the global configuration for the incident service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimits throttles manual trigger routes, keyed by route name.
	RateLimits map[string]governance.RateLimiterConfig `yaml:"rate_limits,omitempty"`
}

// EngineConfig holds the simulation settings.
type EngineConfig struct {
	BufferLimitBytes int    `yaml:"buffer_limit_bytes"`
	Signature        string `yaml:"signature"`
	InstancePrefix   string `yaml:"instance_prefix"`
	Environment      string `yaml:"environment"`
	Region           string `yaml:"region"`
	ServerVersion    string `yaml:"server_version"`
	// Seed makes scenario selection reproducible when non-zero.
	Seed uint64 `yaml:"seed"`
}

// BucketConfig is the file form of scenario.Bucket.
type BucketConfig struct {
	Threshold float64  `yaml:"threshold"`
	Outcome   string   `yaml:"outcome"`
	Groups    []string `yaml:"groups,omitempty"`
}

// PolicyConfig is the file form of scenario.Policy. An empty section selects
// scenario.DefaultPolicy.
type PolicyConfig struct {
	Default  []BucketConfig            `yaml:"default,omitempty"`
	Features map[string][]BucketConfig `yaml:"features,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry export and delivery.
type TelemetryConfig struct {
	Exporter         string                `yaml:"exporter"`
	OTLPEndpoint     string                `yaml:"otlp_endpoint"`
	ConnectionString string                `yaml:"connection_string"`
	Insecure         bool                  `yaml:"insecure"`
	ServiceName      string                `yaml:"service_name"`
	RetryDelay       time.Duration         `yaml:"retry_delay"`
	SendTimeout      time.Duration         `yaml:"send_timeout"`
	Redactions       []telemetry.Redaction `yaml:"redactions,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			BufferLimitBytes: integrity.DefaultLimitBytes,
			Signature:        string(integrity.DefaultSignature),
			Environment:      "Production",
			Region:           "West US 2",
			ServerVersion:    "2.4.1",
		},
		Telemetry: TelemetryConfig{
			Exporter:    telemetry.ExporterNone,
			ServiceName: "seeingai-incident-engine",
			RetryDelay:  governance.DefaultRetryDelay,
			SendTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("INCIDENT_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("INCIDENT_BUFFER_LIMIT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: INCIDENT_BUFFER_LIMIT: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Engine.BufferLimitBytes = n
	}
	if val := os.Getenv("INCIDENT_ENVIRONMENT"); val != "" {
		cfg.Engine.Environment = val
	}
	if val := os.Getenv("INCIDENT_REGION"); val != "" {
		cfg.Engine.Region = val
	}
	if val := os.Getenv("INCIDENT_SEED"); val != "" {
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: INCIDENT_SEED: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Engine.Seed = n
	}

	if val := os.Getenv("INCIDENT_TELEMETRY_EXPORTER"); val != "" {
		cfg.Telemetry.Exporter = val
	}
	if val := os.Getenv("INCIDENT_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("INCIDENT_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	// The connection string usually arrives from a .env file.
	if val := os.Getenv("INCIDENT_CONNECTION_STRING"); val != "" {
		cfg.Telemetry.ConnectionString = val
	}
	if val := os.Getenv("INCIDENT_RETRY_DELAY"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: INCIDENT_RETRY_DELAY: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Telemetry.RetryDelay = d
	}

	if val := os.Getenv("INCIDENT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("INCIDENT_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", domain.ErrConfigInvalid)
	}
	for route, rl := range c.RateLimits {
		if rl.RequestsPerSecond <= 0 {
			return fmt.Errorf("%w: rate limit %q needs requests_per_second > 0", domain.ErrConfigInvalid, route)
		}
	}
	return nil
}

// Validate performs validation of engine configuration.
func (c *EngineConfig) Validate() error {
	if c.BufferLimitBytes <= 0 {
		return fmt.Errorf("%w: buffer_limit_bytes must be positive", domain.ErrConfigInvalid)
	}
	if c.Signature == "" {
		c.Signature = string(integrity.DefaultSignature)
	}
	return nil
}

// Validate checks the buckets against the built-in catalog.
func (c *PolicyConfig) Validate() error {
	p, err := c.ToPolicy()
	if err != nil {
		return err
	}
	return p.Validate(scenario.DefaultCatalog())
}

// ToPolicy converts the section into a selection policy.
func (c *PolicyConfig) ToPolicy() (scenario.Policy, error) {
	if len(c.Default) == 0 && len(c.Features) == 0 {
		return scenario.DefaultPolicy(), nil
	}
	p := scenario.Policy{Default: toBuckets(c.Default)}
	if len(c.Features) > 0 {
		p.Features = make(map[string][]scenario.Bucket, len(c.Features))
		for feature, buckets := range c.Features {
			if strings.TrimSpace(feature) == "" {
				return scenario.Policy{}, fmt.Errorf("%w: empty feature id", domain.ErrConfigInvalid)
			}
			p.Features[feature] = toBuckets(buckets)
		}
	}
	return p, nil
}

func toBuckets(in []BucketConfig) []scenario.Bucket {
	out := make([]scenario.Bucket, len(in))
	for i, b := range in {
		out[i] = scenario.Bucket{
			Threshold: b.Threshold,
			Outcome:   scenario.OutcomeKind(strings.ToLower(b.Outcome)),
			Groups:    b.Groups,
		}
	}
	return out
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.Exporter) {
	case "", telemetry.ExporterNone, telemetry.ExporterStdout, "log":
	case telemetry.ExporterOTLP:
		if c.OTLPEndpoint == "" && c.ConnectionString == "" {
			errs = append(errs, fmt.Errorf("%w: otlp exporter needs otlp_endpoint or connection_string", domain.ErrConfigInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown exporter %q", domain.ErrConfigInvalid, c.Exporter))
	}
	if c.ConnectionString != "" {
		if _, err := telemetry.ParseConnectionString(c.ConnectionString); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RetryDelay < 0 || c.SendTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: durations must not be negative", domain.ErrConfigInvalid))
	}
	for _, r := range c.Redactions {
		switch strings.ToLower(r.Strategy) {
		case "", telemetry.RedactDrop, telemetry.RedactMask, telemetry.RedactHash, telemetry.RedactReplace, "redact":
		default:
			errs = append(errs, fmt.Errorf("%w: unknown redaction strategy %q for %q", domain.ErrConfigInvalid, r.Strategy, r.Attribute))
		}
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "seeingai-incident-engine"
	}
	return errors.Join(errs...)
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
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
