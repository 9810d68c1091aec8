// Package config loads the puller configuration.
//
// Values are layered with koanf: built-in defaults, then an optional YAML
// file, then PULLER_* environment variables. The result is validated before
// it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Sternrassler/tweet-puller/pkg/logging"
	"github.com/Sternrassler/tweet-puller/pkg/ratelimit"
	"github.com/Sternrassler/tweet-puller/pkg/remote"
	"github.com/Sternrassler/tweet-puller/pkg/writer"
)

// EnvPrefix prefixes environment overrides, e.g. PULLER_REMOTE_TOKEN.
const EnvPrefix = "PULLER_"

// DefaultConfigPaths are searched, in order, when no config file is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// Checkpoint store kinds.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Config is the complete puller configuration.
type Config struct {
	Remote       RemoteConfig       `koanf:"remote"`
	RateLimiting RateLimitingConfig `koanf:"rate_limiting"`
	Output       OutputConfig       `koanf:"output"`
	Processing   ProcessingConfig   `koanf:"processing"`
	Checkpoint   CheckpointConfig   `koanf:"checkpoint"`
	Logging      LoggingConfig      `koanf:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// RemoteConfig configures the remote API client.
type RemoteConfig struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	Token     string        `koanf:"token"`
	UserAgent string        `koanf:"user_agent" validate:"required"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
	PageSize  int           `koanf:"page_size" validate:"min=1,max=100"`
}

// RateLimitingConfig configures request pacing and backoff.
type RateLimitingConfig struct {
	BaseDelay         time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxRetries        int           `koanf:"max_retries" validate:"min=0"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
}

// OutputConfig configures the output writer.
type OutputConfig struct {
	BatchSize int `koanf:"batch_size" validate:"min=1"`
}

// ProcessingConfig configures checkpoints and memory limits.
type ProcessingConfig struct {
	CheckpointInterval     int `koanf:"checkpoint_interval" validate:"min=1"`
	MaxMemoryMB            int `koanf:"max_memory_mb" validate:"min=1"`
	MaxConsecutiveFailures int `koanf:"max_consecutive_failures" validate:"min=1"`
}

// CheckpointConfig selects where checkpoints are kept.
type CheckpointConfig struct {
	Store     string        `koanf:"store" validate:"oneof=file redis"`
	RedisAddr string        `koanf:"redis_addr" validate:"required_if=Store redis"`
	RedisTTL  time.Duration `koanf:"redis_ttl" validate:"gte=0"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"loglevel"`
	Pretty bool   `koanf:"pretty"`
}

// MetricsConfig configures the metrics endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	rl := ratelimit.DefaultConfig()
	wr := writer.DefaultConfig()
	rm := remote.DefaultConfig("https://api.x.com/2", "")

	return &Config{
		Remote: RemoteConfig{
			BaseURL:   rm.BaseURL,
			UserAgent: rm.UserAgent,
			Timeout:   rm.Timeout,
			PageSize:  rm.PageSize,
		},
		RateLimiting: RateLimitingConfig{
			BaseDelay:         rl.BaseDelay,
			MaxRetries:        rl.MaxRetries,
			BackoffMultiplier: rl.BackoffMultiplier,
		},
		Output: OutputConfig{
			BatchSize: wr.BatchSize,
		},
		Processing: ProcessingConfig{
			CheckpointInterval:     wr.CheckpointInterval,
			MaxMemoryMB:            wr.MaxMemoryMB,
			MaxConsecutiveFailures: wr.MaxConsecutiveFailures,
		},
		Checkpoint: CheckpointConfig{
			Store:     StoreFile,
			RedisAddr: "",
			RedisTTL:  7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. When path is empty the DefaultConfigPaths
// are searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: config file
	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sections are the top-level keys, longest first so that prefixes sharing
// a word resolve to the right section.
var sections = []string{
	"rate_limiting",
	"processing",
	"checkpoint",
	"logging",
	"metrics",
	"output",
	"remote",
}

// envTransformFunc maps PULLER_SECTION_KEY to section.key.
//
// Examples:
//   - PULLER_REMOTE_TOKEN -> remote.token
//   - PULLER_RATE_LIMITING_BASE_DELAY -> rate_limiting.base_delay
//   - PULLER_CHECKPOINT_REDIS_ADDR -> checkpoint.redis_addr
//
// Unknown sections are ignored.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	for _, s := range sections {
		if rest, ok := strings.CutPrefix(key, s+"_"); ok && rest != "" {
			return s + "." + rest
		}
	}
	return ""
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		_, err := logging.ParseLevel(fl.Field().String())
		return err == nil
	})
	return v
}()

// Validate checks the configuration.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate configuration: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// RateLimit returns the rate limiter configuration.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		BaseDelay:         c.RateLimiting.BaseDelay,
		MaxRetries:        c.RateLimiting.MaxRetries,
		BackoffMultiplier: c.RateLimiting.BackoffMultiplier,
	}
}

// Writer returns the batch writer configuration.
func (c *Config) Writer() writer.Config {
	return writer.Config{
		BatchSize:              c.Output.BatchSize,
		MaxMemoryMB:            c.Processing.MaxMemoryMB,
		CheckpointInterval:     c.Processing.CheckpointInterval,
		MaxConsecutiveFailures: c.Processing.MaxConsecutiveFailures,
	}
}

// RemoteClient returns the HTTP remote client configuration.
func (c *Config) RemoteClient() remote.Config {
	return remote.Config{
		BaseURL:   c.Remote.BaseURL,
		Token:     c.Remote.Token,
		UserAgent: c.Remote.UserAgent,
		Timeout:   c.Remote.Timeout,
		PageSize:  c.Remote.PageSize,
	}
}
