package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/wasmbox/internal/logging"
	"github.com/michaelbrown/wasmbox/internal/sandbox"
)

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type ServerConfig struct {
	Port         int             `mapstructure:"port"`
	MaxBodyBytes int64           `mapstructure:"max_body_bytes"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

type SandboxConfig struct {
	DefaultMemoryLimit uint64 `mapstructure:"default_memory_limit"`
	MaxMemoryLimit     uint64 `mapstructure:"max_memory_limit"`
	DefaultTimeoutMS   uint64 `mapstructure:"default_timeout_ms"`
	MaxTimeoutMS       uint64 `mapstructure:"max_timeout_ms"`
	WASI               bool   `mapstructure:"wasi"`
	Realtime           bool   `mapstructure:"realtime"`
	Interpreter        bool   `mapstructure:"interpreter"`
	MaxOutputBytes     int    `mapstructure:"max_output_bytes"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// Load reads wasmbox.yaml from path, or from . and $HOME/.wasmbox when path
// is empty. A missing file is not an error. WASMBOX_* environment variables
// override file values and PORT overrides server.port.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wasmbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.wasmbox")
	}

	setDefaults(v)

	v.SetEnvPrefix("wasmbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "WASMBOX_SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	p := sandbox.DefaultPolicy()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 64<<20)
	v.SetDefault("server.rate_limit.requests_per_second", 50)
	v.SetDefault("server.rate_limit.burst", 100)

	v.SetDefault("sandbox.default_memory_limit", p.DefaultMemoryLimit)
	v.SetDefault("sandbox.max_memory_limit", p.MaxMemoryLimit)
	v.SetDefault("sandbox.default_timeout_ms", p.DefaultTimeout.Milliseconds())
	v.SetDefault("sandbox.max_timeout_ms", p.MaxTimeout.Milliseconds())
	v.SetDefault("sandbox.wasi", p.WASI)
	v.SetDefault("sandbox.realtime", p.Realtime)
	v.SetDefault("sandbox.interpreter", p.Interpreter)
	v.SetDefault("sandbox.max_output_bytes", p.MaxOutputBytes)
	v.SetDefault("sandbox.max_concurrent", 0)

	v.SetDefault("storage.db_path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("tracing.endpoint", "")
}

func (c *Config) validate() error {
	s := c.Sandbox
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Server.MaxBodyBytes <= 0:
		return errors.New("server.max_body_bytes must be positive")
	case s.MaxMemoryLimit < sandbox.PageSize:
		return fmt.Errorf("sandbox.max_memory_limit must be at least %d", sandbox.PageSize)
	case s.DefaultMemoryLimit < sandbox.PageSize || s.DefaultMemoryLimit > s.MaxMemoryLimit:
		return fmt.Errorf("sandbox.default_memory_limit %d must be between %d and sandbox.max_memory_limit", s.DefaultMemoryLimit, sandbox.PageSize)
	case s.DefaultTimeoutMS == 0 || s.DefaultTimeoutMS > s.MaxTimeoutMS:
		return errors.New("sandbox.default_timeout_ms must be positive and at most sandbox.max_timeout_ms")
	case s.MaxConcurrent < 0:
		return errors.New("sandbox.max_concurrent must not be negative")
	}
	return nil
}

// SandboxPolicy converts the sandbox keys into the pipeline policy.
func (c *Config) SandboxPolicy() sandbox.Policy {
	s := c.Sandbox
	return sandbox.Policy{
		DefaultMemoryLimit: s.DefaultMemoryLimit,
		MaxMemoryLimit:     s.MaxMemoryLimit,
		DefaultTimeout:     time.Duration(s.DefaultTimeoutMS) * time.Millisecond,
		MaxTimeout:         time.Duration(s.MaxTimeoutMS) * time.Millisecond,
		WASI:               s.WASI,
		Realtime:           s.Realtime,
		Interpreter:        s.Interpreter,
		MaxOutputBytes:     s.MaxOutputBytes,
	}
}

// MaxConcurrent resolves 0 to twice GOMAXPROCS.
func (c *Config) MaxConcurrent() int64 {
	if c.Sandbox.MaxConcurrent > 0 {
		return int64(c.Sandbox.MaxConcurrent)
	}
	return int64(2 * runtime.GOMAXPROCS(0))
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Development = c.Log.Development
	return cfg
}
