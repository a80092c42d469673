package dal

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gobeaver/beaver-kit/config"
	"gopkg.in/yaml.v3"
)

// Config describes one backend and the layers stacked on it.
type Config struct {
	// Backend selection
	Scheme string `env:"DAL_SCHEME,default:memory" yaml:"scheme"`
	Root   string `env:"DAL_ROOT" yaml:"root"`
	// Options are backend keys as "k=v,k=v", e.g. "bucket=logs,region=eu-west-1"
	Options string `env:"DAL_OPTIONS" yaml:"options"`

	// Retry layer, disabled when RetryMaxTimes is 0
	RetryMaxTimes int    `env:"DAL_RETRY_MAX_TIMES,default:0" yaml:"retry_max_times"`
	RetryMinDelay string `env:"DAL_RETRY_MIN_DELAY,default:100ms" yaml:"retry_min_delay"`
	RetryMaxDelay string `env:"DAL_RETRY_MAX_DELAY,default:10s" yaml:"retry_max_delay"`
	RetryJitter   bool   `env:"DAL_RETRY_JITTER,default:true" yaml:"retry_jitter"`

	// Rate limit layer, disabled when RateLimitBurst is 0
	RateLimitBurst     int `env:"DAL_RATE_LIMIT_BURST,default:0" yaml:"rate_limit_burst"`
	RateLimitPerSecond int `env:"DAL_RATE_LIMIT_PER_SECOND,default:0" yaml:"rate_limit_per_second"`

	// Concurrency limit layer, disabled when MaxInFlight is 0
	MaxInFlight int `env:"DAL_MAX_IN_FLIGHT,default:0" yaml:"max_in_flight"`

	// Extra layers
	ReadOnly      bool   `env:"DAL_READ_ONLY,default:false" yaml:"read_only"`
	CacheTTL      string `env:"DAL_CACHE_TTL" yaml:"cache_ttl"`
	EncryptionKey string `env:"DAL_ENCRYPTION_KEY" yaml:"encryption_key"` // base64

	// Operator settings
	MaxFallbackReadSize int64 `env:"DAL_MAX_FALLBACK_READ_SIZE,default:67108864" yaml:"max_fallback_read_size"`

	// Logging
	LogLevel      string `env:"DAL_LOG_LEVEL,default:info" yaml:"log_level"`
	LogFormat     string `env:"DAL_LOG_FORMAT,default:text" yaml:"log_format"`
	LogOperations bool   `env:"DAL_LOG_OPERATIONS,default:false" yaml:"log_operations"`
}

// DefaultConfig returns the values the environment loader uses when no
// variable is set.
func DefaultConfig() Config {
	return Config{
		Scheme:              "memory",
		RetryMinDelay:       "100ms",
		RetryMaxDelay:       "10s",
		RetryJitter:         true,
		MaxFallbackReadSize: DefaultMaxFallbackReadSize,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfigWithPrefix loads config from variables carrying prefix.
func GetConfigWithPrefix(prefix string) (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML config over DefaultConfig.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, FromOS("load_config", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewError(KindInvalidInput, "load_config", path, err)
	}
	return &cfg, nil
}

// ParseOptions splits "k=v,k=v" into a map. Keys are trimmed and
// lower-cased; values are trimmed.
func ParseOptions(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, Errorf(KindInvalidInput, "parse_options", "", "malformed option %q", pair)
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out, nil
}

// BackendOptions returns the factory option map, with Root folded in.
func (c *Config) BackendOptions() (map[string]string, error) {
	opts, err := ParseOptions(c.Options)
	if err != nil {
		return nil, err
	}
	if c.Root != "" {
		opts["root"] = c.Root
	}
	return opts, nil
}

// Validate checks the configuration for obvious mistakes
func (c *Config) Validate() error {
	if c.Scheme == "" {
		return Errorf(KindInvalidInput, "config", "", "scheme is required")
	}
	if _, err := c.BackendOptions(); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"retry_min_delay": c.RetryMinDelay,
		"retry_max_delay": c.RetryMaxDelay,
		"cache_ttl":       c.CacheTTL,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return Errorf(KindInvalidInput, "config", "", "%s: %v", name, err)
		}
	}
	if c.RetryMaxTimes < 0 || c.RateLimitBurst < 0 || c.MaxInFlight < 0 {
		return Errorf(KindInvalidInput, "config", "", "limits must not be negative")
	}
	return nil
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Layers builds the configured layers, innermost first: concurrency,
// rate limit, logging, encryption, retry, cache and read-only.
func (c *Config) Layers() ([]Layer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var layers []Layer
	if c.MaxInFlight > 0 {
		layers = append(layers, NewConcurrentLimitLayer(ConcurrentLimitConfig{MaxInFlight: int64(c.MaxInFlight)}))
	}
	if c.RateLimitBurst > 0 {
		layers = append(layers, NewRateLimitLayer(RateLimitConfig{
			Burst:      c.RateLimitBurst,
			RefillRate: float64(c.RateLimitPerSecond),
		}))
	}
	if c.LogOperations {
		layers = append(layers, NewLoggingLayer(nil))
	}
	if c.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
		if err != nil {
			return nil, Errorf(KindInvalidInput, "config", "", "invalid encryption key: %v", err)
		}
		enc, err := NewEncryptionLayer(key)
		if err != nil {
			return nil, err
		}
		layers = append(layers, enc)
	}
	if c.RetryMaxTimes > 0 {
		layers = append(layers, NewRetryLayer(RetryConfig{
			MaxTimes: c.RetryMaxTimes,
			MinDelay: duration(c.RetryMinDelay),
			MaxDelay: duration(c.RetryMaxDelay),
			Factor:   2,
			Jitter:   c.RetryJitter,
		}))
	}
	if c.CacheTTL != "" {
		layers = append(layers, NewCacheLayer(NewMemoryCache(), WithCacheTTL(duration(c.CacheTTL)), WithCacheList(true)))
	}
	if c.ReadOnly {
		layers = append(layers, NewReadOnlyLayer())
	}
	return layers, nil
}

// Open builds the backend named by cfg from reg and wraps it in the
// configured layers.
func Open(ctx context.Context, reg *Registry, cfg *Config, opts ...OperatorOption) (*Operator, error) {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	layers, err := cfg.Layers()
	if err != nil {
		return nil, err
	}
	options, err := cfg.BackendOptions()
	if err != nil {
		return nil, err
	}
	acc, err := reg.Open(ctx, cfg.Scheme, options)
	if err != nil {
		return nil, fmt.Errorf("dal: open %s: %w", cfg.Scheme, err)
	}

	if cfg.MaxFallbackReadSize > 0 {
		opts = append([]OperatorOption{WithMaxFallbackReadSize(cfg.MaxFallbackReadSize)}, opts...)
	}
	op := NewOperator(acc, opts...)
	for _, l := range layers {
		op = op.Layer(l)
	}
	return op, nil
}
