package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/huddle/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "nonexistent")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(32768), cfg.ReadLimit)
	assert.Equal(t, 0, cfg.WorkerCount)
	assert.Equal(t, uint16(40000), cfg.RTCMinPort)
	assert.Equal(t, uint16(49999), cfg.RTCMaxPort)
	assert.Equal(t, 5, cfg.MaxSpeakers)
	assert.Equal(t, 10, cfg.JoinRateLimit)
	assert.Equal(t, time.Minute, cfg.JoinRateInterval)
}
