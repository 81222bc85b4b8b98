package config

import "github.com/kelseyhightower/envconfig"

// Config holds the chat client configuration.
type Config struct {
	// Channel is the single broadcast topic the session joins.
	Channel string `envconfig:"CHAT_CHANNEL" default:"part-chat"`

	// IdentityPath overrides where the persistent user id is stored.
	// Empty means the default location under the user config dir.
	IdentityPath string `envconfig:"CHAT_IDENTITY_PATH"`

	// Listen is the address of the local UI gateway.
	Listen string `envconfig:"CHAT_LISTEN" default:"127.0.0.1:8787"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `envconfig:"CHAT_LOG_LEVEL" default:"info"`

	Redis RedisConfig
}

// RedisConfig holds connection settings for the Redis transport.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`

	// Prefix namespaces every Redis key and pub/sub channel.
	Prefix string `envconfig:"REDIS_CHAT_PREFIX" default:"partway:chat:"`

	// HistoryLimit caps the per-channel history list.
	HistoryLimit int `envconfig:"REDIS_HISTORY_LIMIT" default:"100"`
}

// Default returns a Config with all defaults applied and no
// environment lookup.
func Default() *Config {
	return &Config{
		Channel:  "part-chat",
		Listen:   "127.0.0.1:8787",
		LogLevel: "info",
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Prefix:       "partway:chat:",
			HistoryLimit: 100,
		},
	}
}

// FromEnv loads configuration from environment variables, falling back
// to defaults for any missing values.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
