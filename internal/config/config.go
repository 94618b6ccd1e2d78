package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
// Upload defaults match the RainMachine extension's historical behaviour.
const (
	DefaultProtocol        = "https"
	DefaultPostInterval    = time.Hour
	DefaultTimeout         = 60 * time.Second
	DefaultMaxTries        = 3
	DefaultRetryWait       = 5 * time.Second
	DefaultBreakerCooldown = 10 * time.Minute
	DefaultTable           = "archive"
	DefaultPollInterval    = 30 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
)

// ErrMissingOption reports a required upload option that is not set.
var ErrMissingOption = errors.New("missing option")

// Config is the top-level configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	RainMachine RainMachineConfig `yaml:"rainmachine"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// RainMachineConfig holds the upload destination and delivery policy.
type RainMachineConfig struct {
	// IP is the controller's address on the local network.
	IP string `yaml:"ip"`

	// Token is the access token. TokenEnv names an environment variable that
	// holds it instead; Token wins when both are set.
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`

	// Protocol is https (port 8080) or http (port 8081).
	Protocol string `yaml:"protocol"`

	// VerifyTLS enables certificate verification. Controllers ship with a
	// self-signed certificate, so it is off by default.
	VerifyTLS bool `yaml:"verify_tls"`

	// SkipUpload runs the whole pipeline except the HTTP request.
	SkipUpload bool `yaml:"skip_upload"`

	// PostInterval is the minimum spacing, in record time, between posts.
	// Zero disables the check.
	PostInterval time.Duration `yaml:"post_interval"`

	// MaxBacklog is how many records may stay queued behind the one being
	// processed; older records beyond it are discarded.
	MaxBacklog int `yaml:"max_backlog"`

	// Stale discards records older than this. Zero disables the check.
	Stale time.Duration `yaml:"stale"`

	LogSuccess bool `yaml:"log_success"`
	LogFailure bool `yaml:"log_failure"`

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxTries is the number of attempts per record.
	MaxTries int `yaml:"max_tries"`

	// RetryWait is the pause between attempts.
	RetryWait time.Duration `yaml:"retry_wait"`

	// BreakerFailures opens the circuit breaker after this many consecutive
	// records fail delivery. Zero disables the breaker.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// ResolvedToken returns Token, or the value of TokenEnv when Token is empty.
func (r RainMachineConfig) ResolvedToken() string {
	if r.Token != "" {
		return r.Token
	}
	if r.TokenEnv == "" {
		return ""
	}
	return os.Getenv(r.TokenEnv)
}

// Validate checks the options the uploader cannot run without. A failure
// disables uploading; it is not a reason to stop the process.
func (r RainMachineConfig) Validate() error {
	if r.IP == "" {
		return fmt.Errorf("%w: rainmachine.ip", ErrMissingOption)
	}
	if r.ResolvedToken() == "" {
		return fmt.Errorf("%w: rainmachine.token", ErrMissingOption)
	}
	return nil
}

// ArchiveConfig locates the weather station's archive database.
type ArchiveConfig struct {
	// DSN is a lib/pq connection string. DSNEnv names an environment variable
	// holding it instead.
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`

	// Table is the archive table name.
	Table string `yaml:"table"`

	// PollInterval controls how often the table is checked for new records.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ResolvedDSN returns DSN, or the value of DSNEnv when DSN is empty.
func (a ArchiveConfig) ResolvedDSN() string {
	if a.DSN != "" {
		return a.DSN
	}
	if a.DSNEnv == "" {
		return ""
	}
	return os.Getenv(a.DSNEnv)
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// SlogLevel converts Level to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults. A .env file next to the
// config, if present, is loaded into the environment first so *_env options
// can refer to it; variables already set are not overridden.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		RainMachine: RainMachineConfig{
			Protocol:        DefaultProtocol,
			PostInterval:    DefaultPostInterval,
			LogSuccess:      true,
			LogFailure:      true,
			Timeout:         DefaultTimeout,
			MaxTries:        DefaultMaxTries,
			RetryWait:       DefaultRetryWait,
			BreakerCooldown: DefaultBreakerCooldown,
		},
		Archive: ArchiveConfig{
			Table:        DefaultTable,
			PollInterval: DefaultPollInterval,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// validate checks structural constraints. Missing ip/token are deliberately
// not checked here; see RainMachineConfig.Validate.
func validate(cfg *Config) error {
	rm := cfg.RainMachine
	switch rm.Protocol {
	case "https", "http":
	default:
		return fmt.Errorf("rainmachine.protocol: unknown protocol %q", rm.Protocol)
	}
	if rm.PostInterval < 0 {
		return fmt.Errorf("rainmachine.post_interval must not be negative")
	}
	if rm.Stale < 0 {
		return fmt.Errorf("rainmachine.stale must not be negative")
	}
	if rm.MaxBacklog < 0 {
		return fmt.Errorf("rainmachine.max_backlog must not be negative")
	}
	if rm.Timeout <= 0 {
		return fmt.Errorf("rainmachine.timeout must be positive")
	}
	if rm.MaxTries <= 0 {
		return fmt.Errorf("rainmachine.max_tries must be positive")
	}
	if rm.RetryWait < 0 {
		return fmt.Errorf("rainmachine.retry_wait must not be negative")
	}
	if rm.BreakerFailures < 0 {
		return fmt.Errorf("rainmachine.breaker_failures must not be negative")
	}
	if rm.BreakerFailures > 0 && rm.BreakerCooldown <= 0 {
		return fmt.Errorf("rainmachine.breaker_cooldown must be positive when the breaker is enabled")
	}
	if cfg.Archive.Table == "" {
		return fmt.Errorf("archive.table is required")
	}
	if cfg.Archive.PollInterval <= 0 {
		return fmt.Errorf("archive.poll_interval must be positive")
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	return nil
}
