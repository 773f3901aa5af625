package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WS_URL", "wss://rt.example.com/ws")
	t.Setenv("REST_URL", "https://api.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://rt.example.com/ws", cfg.WSURL)
	assert.Equal(t, "https://api.example.com", cfg.RESTURL)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 3, cfg.JoinMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.JoinTimeout)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.False(t, cfg.IsProduction())
}

func TestLoadMissingURLs(t *testing.T) {
	t.Setenv("WS_URL", "")
	t.Setenv("REST_URL", "")

	_, err := Load()
	assert.Error(t, err, "expected missing URLs to fail validation")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			WSURL:                "wss://rt.example.com/ws",
			RESTURL:              "https://api.example.com",
			ReconnectMaxAttempts: 5,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
		}
	}

	t.Run("valid", func(t *testing.T) {
		cfg := base()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("empty websocket URL", func(t *testing.T) {
		cfg := base()
		cfg.WSURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty REST URL", func(t *testing.T) {
		cfg := base()
		cfg.RESTURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative join retries", func(t *testing.T) {
		cfg := base()
		cfg.JoinMaxRetries = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("max delay below base delay", func(t *testing.T) {
		cfg := base()
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay / 2
		assert.Error(t, cfg.Validate())
	})
}
