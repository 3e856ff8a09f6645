package taskcache

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chronosphereio/taskcache/backends"
)

const (
	DefaultLogLevel    = "info"
	DefaultBlobTimeout = 60 * time.Second

	connectionEnvKey   = "TASKCACHE_CONNECTION"
	readDisabledEnvKey = "TASKCACHE_READ_DISABLED"
	debugEnvKey        = "TASKCACHE_DEBUG"
	logLevelEnvKey     = "TASKCACHE_LOG_LEVEL"
)

// Config is the process-wide cache configuration.
type Config struct {
	// Connection selects the backend: an http(s) container URL or an
	// existing local directory.
	Connection string `toml:"connection"`

	// ReadDisabled turns every lookup into a miss.
	ReadDisabled bool `toml:"read_disabled"`

	// Debug logs every backend call.
	Debug bool `toml:"debug"`

	LogLevel string `toml:"log_level"`

	Blob backends.BlobConfig `toml:"blob"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Blob: backends.BlobConfig{
			Timeout:     DefaultBlobTimeout,
			MaxAttempts: 3,
		},
	}
}

// LoadConfig reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file leaves the defaults in place.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(connectionEnvKey)); v != "" {
		c.Connection = v
	}
	if v := strings.TrimSpace(os.Getenv(logLevelEnvKey)); v != "" {
		c.LogLevel = v
	}
	for key, dst := range map[string]*bool{
		readDisabledEnvKey: &c.ReadDisabled,
		debugEnvKey:        &c.Debug,
	} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, raw, err)
		}
		*dst = value
	}
	return nil
}

// Validate checks that the configuration names a backend.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Connection) == "" {
		return fmt.Errorf("%w: connection is required", backends.ErrInvalidConnection)
	}
	return nil
}

// Open selects the backend named by cfg and returns a CacheManager bound to
// it. Options are applied before the backend is built, so a logger, codec or
// hasher passed here is shared with the backend.
func Open(cfg Config, opts ...Option) (*CacheManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := NewCacheManager(nil, append([]Option{WithReadDisabled(cfg.ReadDisabled)}, opts...)...)

	storage, err := backends.Select(cfg.Connection, backends.SelectOptions{
		Codec:  m.codec,
		Hasher: m.hasher,
		Blob:   cfg.Blob,
		Logger: m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache backend: %w", err)
	}
	if cfg.Debug {
		storage = backends.NewDebug(storage, m.logger)
	}

	m.storage = storage
	return m, nil
}
