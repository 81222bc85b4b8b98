package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "part-chat", cfg.Channel)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "partway:chat:", cfg.Redis.Prefix)
	assert.Equal(t, 100, cfg.Redis.HistoryLimit)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_CHANNEL", "other-room")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_HISTORY_LIMIT", "25")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "other-room", cfg.Channel)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 25, cfg.Redis.HistoryLimit)
}

func TestDefaultMatchesEnvDefaults(t *testing.T) {
	fromEnv, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, Default(), fromEnv)
}
