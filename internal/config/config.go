// Package config loads broker configuration from environment and an
// optional config file, using viper the way the rest of the pack does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// UsageStrategy selects the UsageStore backend.
type UsageStrategy string

const (
	// UsageStrategyMemory keeps all counters in-process.
	UsageStrategyMemory UsageStrategy = "memory"
	// UsageStrategyRemote persists counters to a SurrealDB-backed record store.
	UsageStrategyRemote UsageStrategy = "remote"
)

// ResolverStrategy selects the KeyConfig resolution strategy.
type ResolverStrategy string

const (
	// ResolverDirect reads a single key from the environment.
	ResolverDirect ResolverStrategy = "direct"
	// ResolverRecordStore lists KeyConfig records from the remote store.
	ResolverRecordStore ResolverStrategy = "recordstore"
	// ResolverHTTP fetches KeyConfig records from an HTTP endpoint.
	ResolverHTTP ResolverStrategy = "http"
)

// RemoteStore holds connection details for the SurrealDB-backed UsageStore
// and record-store key resolver.
type RemoteStore struct {
	Endpoint   string `mapstructure:"endpoint"`
	Namespace  string `mapstructure:"namespace"`
	Database   string `mapstructure:"database"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Collection string `mapstructure:"collection"`
}

// Config is the broker's top-level configuration, assembled from env vars
// (and, if present, a "broker" config file discovered by viper).
type Config struct {
	Remote             RemoteStore      `mapstructure:"remote"`
	UsageStrategy      UsageStrategy    `mapstructure:"usage_strategy"`
	ResolverStrategy   ResolverStrategy `mapstructure:"resolver_strategy"`
	KeyResolverURL     string           `mapstructure:"key_resolver_url"`
	FallbackDelayMs    int              `mapstructure:"fallback_delay_ms"`
	PersistIntervalSec int              `mapstructure:"persist_interval_sec"`
	HTTPAddr           string           `mapstructure:"http_addr"`
	AdminUser          string           `mapstructure:"admin_user"`
	AdminPasswordHash  string           `mapstructure:"admin_password_hash"`
	DefaultProvider    string           `mapstructure:"default_provider"`
}

// DefaultPersistIntervalSec is the remote UsageStore's default flush cadence.
const DefaultPersistIntervalSec = 15

// Load reads configuration from environment variables, layered over an
// optional "broker.yaml"/"broker.json" found in the working directory or
// /etc/broker.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("broker")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/broker")
	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()

	v.SetDefault("usage_strategy", string(UsageStrategyMemory))
	v.SetDefault("resolver_strategy", string(ResolverDirect))
	v.SetDefault("fallback_delay_ms", 0)
	v.SetDefault("persist_interval_sec", DefaultPersistIntervalSec)
	v.SetDefault("http_addr", ":8085")
	v.SetDefault("default_provider", "openai")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// USAGE_STRATEGY and friends are also honoured as bare env vars (no
	// BROKER_ prefix), matching how operators already set them.
	if s := os.Getenv("USAGE_STRATEGY"); s != "" {
		cfg.UsageStrategy = UsageStrategy(s)
	}
	if s := os.Getenv("FALLBACK_DELAY_MS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.FallbackDelayMs = n
		}
	}
	if s := os.Getenv("REMOTE_STORE_URL"); s != "" {
		cfg.Remote.Endpoint = s
	}
	if s := os.Getenv("REMOTE_STORE_NAMESPACE"); s != "" {
		cfg.Remote.Namespace = s
	}
	if s := os.Getenv("REMOTE_STORE_DATABASE"); s != "" {
		cfg.Remote.Database = s
	}
	if s := os.Getenv("REMOTE_STORE_USER"); s != "" {
		cfg.Remote.Username = s
	}
	if s := os.Getenv("REMOTE_STORE_PASSWORD"); s != "" {
		cfg.Remote.Password = s
	}
	if s := os.Getenv("REMOTE_STORE_COLLECTION"); s != "" {
		cfg.Remote.Collection = s
	}
	if s := os.Getenv("DEFAULT_PROVIDER"); s != "" {
		cfg.DefaultProvider = s
	}

	return cfg, nil
}

// APIKeyEnvVar returns the environment variable name carrying a provider's
// API key, e.g. "mistral" -> "MISTRAL_API_KEY".
func APIKeyEnvVar(provider string) string {
	upper := make([]byte, 0, len(provider)+8)
	for i := 0; i < len(provider); i++ {
		c := provider[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = append(upper, c)
	}
	return string(upper) + "_API_KEY"
}

// GetAPIKey returns the API key for provider from the environment.
func GetAPIKey(provider string) (string, error) {
	envVar := APIKeyEnvVar(provider)
	key := os.Getenv(envVar)
	if key == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	return key, nil
}

// PersistInterval returns the remote UsageStore flush interval as a Duration.
func (c *Config) PersistInterval() time.Duration {
	sec := c.PersistIntervalSec
	if sec <= 0 {
		sec = DefaultPersistIntervalSec
	}
	return time.Duration(sec) * time.Second
}
