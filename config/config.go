// Package config loads the YAML configuration of a conversation store host
// and builds a connected-ready convstore.Service from it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Payload backends.
const (
	BackendNone  = "none"
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
)

// Config is the complete host configuration.
type Config struct {
	ServiceName string          `yaml:"service_name"`
	Logging     LoggingConfig   `yaml:"logging"`
	Device      PartitionConfig `yaml:"device"`
	Credential  PartitionConfig `yaml:"credential"`
	// Unlocked opens the credential partition at start.
	Unlocked        bool             `yaml:"unlocked"`
	Relocation      RelocationConfig `yaml:"relocation"`
	Payload         PayloadConfig    `yaml:"payload"`
	Events          EventsConfig     `yaml:"events"`
	Telemetry       TelemetryConfig  `yaml:"telemetry"`
	Delivery        DeliveryConfig   `yaml:"delivery"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PartitionConfig locates the database file of one partition.
type PartitionConfig struct {
	Path        string   `yaml:"path"`
	Timeout     Duration `yaml:"timeout"`
	BusyTimeout Duration `yaml:"busy_timeout"`
	// CheckFreeSpace defers the identifier migration when the file system
	// holding the database lacks room for a copy of it.
	CheckFreeSpace bool `yaml:"check_free_space"`
}

// RelocationConfig rewrites payload paths during the schema upgrade.
type RelocationConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// PayloadConfig selects and configures the payload file backend.
type PayloadConfig struct {
	Backend              string      `yaml:"backend"`
	Instrument           bool        `yaml:"instrument"`
	MaxConcurrentDeletes int         `yaml:"max_concurrent_deletes"`
	Timeout              Duration    `yaml:"timeout"`
	Local                LocalConfig `yaml:"local"`
	S3                   S3Config    `yaml:"s3"`
	GCS                  GCSConfig   `yaml:"gcs"`
	Cache                CacheConfig `yaml:"cache"`
}

// CacheConfig keeps local copies of remote payloads when Dir is set.
type CacheConfig struct {
	Dir     string   `yaml:"dir"`
	MaxSize int64    `yaml:"max_size"`
	TTL     Duration `yaml:"ttl"`
}

// LocalConfig configures the local directory backend.
type LocalConfig struct {
	Dir     string `yaml:"dir"`
	MaxSize int64  `yaml:"max_size"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	PathStyle    bool   `yaml:"path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
	RoleARN      string `yaml:"role_arn"`
	SessionName  string `yaml:"session_name"`
	ExternalID   string `yaml:"external_id"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	CredentialsFile string `yaml:"credentials_file"`
	APIKey          string `yaml:"api_key"`
}

// EventsConfig configures event delivery.
type EventsConfig struct {
	Redis RedisConfig `yaml:"redis"`
	// Fatal makes operations fail when their event cannot be published.
	Fatal bool `yaml:"fatal"`
}

// RedisConfig enables the Redis Streams event transport when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TelemetryConfig toggles OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
	Metrics bool `yaml:"metrics"`
}

// DeliveryConfig is the schedule for failed deliveries.
type DeliveryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: parsing duration %q: %w", value.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes. Defaults are applied and
// the result is validated.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "convstore"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Payload.Backend == "" {
		c.Payload.Backend = BackendNone
	}
	c.Payload.Backend = strings.ToLower(c.Payload.Backend)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Device.Path == "" {
		return errors.New("device.path is required")
	}
	if c.Credential.Path != "" && c.Credential.Path == c.Device.Path {
		return errors.New("credential.path must differ from device.path")
	}
	if c.Unlocked && c.Credential.Path == "" {
		return errors.New("unlocked requires credential.path")
	}
	if (c.Relocation.From == "") != (c.Relocation.To == "") {
		return errors.New("relocation.from and relocation.to must be set together")
	}

	switch c.Payload.Backend {
	case BackendNone:
	case BackendLocal:
		if c.Payload.Local.Dir == "" {
			return errors.New("payload.local.dir is required for the local backend")
		}
	case BackendS3:
		if c.Payload.S3.Bucket == "" {
			return errors.New("payload.s3.bucket is required for the s3 backend")
		}
		if (c.Payload.S3.AccessKey == "") != (c.Payload.S3.SecretKey == "") {
			return errors.New("payload.s3.access_key and secret_key must be set together")
		}
	case BackendGCS:
		if c.Payload.GCS.Bucket == "" {
			return errors.New("payload.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("payload.backend %q is not one of none, local, s3, gcs", c.Payload.Backend)
	}
	if c.Payload.Cache.Dir != "" && c.Payload.Backend != BackendS3 && c.Payload.Backend != BackendGCS {
		return errors.New("payload.cache applies to the s3 and gcs backends only")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	if c.Delivery.MaxRetries < 0 {
		return errors.New("delivery.max_retries must not be negative")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", s, err)
	}
	return level, nil
}

// Logger builds the logger described by the logging section.
func (c *Config) Logger() *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
