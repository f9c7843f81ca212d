package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "SIDECAR"
	configName = "sidecar"
)

type Settings struct {
	Database DbSettings     `mapstructure:"database"`
	Locks    LockSettings   `mapstructure:"locks"`
	Broker   BrokerSettings `mapstructure:"broker"`
	Outbox   OutboxSettings `mapstructure:"outbox"`
	Inbox    InboxSettings  `mapstructure:"inbox"`

	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gt=0"`
	// MaxRetries is the legacy name of MaxAttempts.
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" validate:"gte=0"` // initial backoff duration
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	LockStaleAfter time.Duration `mapstructure:"lock_stale_after" validate:"gt=0"`
	// DeadLetterTopic receives outbox envelopes that exhausted their attempts.
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`

	Observability Observability `mapstructure:"observability"`
}

var envKeys = []string{
	"database.type", "database.uri", "database.dsn", "database.name", "database.ensure_indexes",
	"locks.type", "locks.redis_url",
	"broker.type", "broker.url", "broker.exchange", "broker.project_id", "broker.pool_size",
	"broker.topic", "broker.queue", "broker.subscription", "broker.rate_limit",
	"broker.breaker_failures", "broker.breaker_timeout",
	"outbox.enabled", "outbox.workers", "outbox.source",
	"inbox.enabled", "inbox.workers", "inbox.listen", "inbox.forward_url", "inbox.correlation_field",
	"poll_interval", "batch_size", "max_attempts", "max_retries", "retry_backoff", "max_backoff",
	"lease_duration", "sweep_interval", "lock_stale_after", "dead_letter_topic",
	"observability.service_name", "observability.tracing_url", "observability.metrics_addr",
	"observability.log_level", "observability.log_format",
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if !c.Outbox.Enabled && !c.Inbox.Enabled {
		return errors.New("at least one of outbox and inbox must be enabled")
	}
	// the sidecar has no in-process handlers; without a forward target every
	// inbox message would dead-letter
	if c.Inbox.Enabled && c.Inbox.ForwardURL == "" {
		return errors.New("inbox.forward_url is required when the inbox is enabled")
	}
	if c.MaxBackoff > 0 && c.MaxBackoff < c.RetryBackoff {
		return fmt.Errorf("max_backoff %s is shorter than retry_backoff %s", c.MaxBackoff, c.RetryBackoff)
	}
	return nil
}

func (c *Settings) setDefaults() {
	if c.Database.Name == "" {
		c.Database.Name = "exchange"
	}
	c.Broker.setDefaults()
	c.Observability.setDefaults()

	if c.Outbox.Workers == 0 {
		c.Outbox.Workers = 4
	}
	if c.Outbox.Source == "" {
		c.Outbox.Source = c.Observability.ServiceName
	}
	if c.Inbox.Workers == 0 {
		c.Inbox.Workers = 4
	}
	if c.Inbox.CorrelationField == "" {
		c.Inbox.CorrelationField = "correlationKey"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = c.MaxRetries
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 1 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.LockStaleAfter == 0 {
		c.LockStaleAfter = 5 * time.Minute
	}
}

// LoadFromFile reads sidecar.yaml from path (or the working directory), merges
// sidecar.<ENVIRONMENT>.yaml when present and overlays SIDECAR_* variables.
func LoadFromFile(path string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := newViper()
	v.SetConfigName(configName)
	v.AddConfigPath(path)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := mergeConfig(v, path, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	return load(v)
}

// LoadFromReader reads YAML settings from r and overlays SIDECAR_* variables.
func LoadFromReader(r io.Reader) (*Settings, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return load(v)
}

// LoadFromEnv builds the settings from SIDECAR_* variables only.
func LoadFromEnv() (*Settings, error) {
	return load(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like SIDECAR_DATABASE_TYPE
	v.AutomaticEnv()
	for _, key := range envKeys {
		// BindEnv only fails without a key.
		_ = v.BindEnv(key)
	}
	return v
}

func load(v *viper.Viper) (*Settings, error) {
	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
