package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the real-time engine.
type Config struct {
	WSURL   string `mapstructure:"WS_URL"`
	RESTURL string `mapstructure:"REST_URL"`
	Env     string `mapstructure:"ENV"`

	// Room join policy.
	JoinTimeout    time.Duration `mapstructure:"JOIN_TIMEOUT"`
	JoinMaxRetries int           `mapstructure:"JOIN_MAX_RETRIES"`
	JoinRetryDelay time.Duration `mapstructure:"JOIN_RETRY_DELAY"`

	// Message delivery.
	SendTimeout time.Duration `mapstructure:"SEND_TIMEOUT"`

	// Typing indicator policy.
	TypingDebounce time.Duration `mapstructure:"TYPING_DEBOUNCE"`
	TypingIdle     time.Duration `mapstructure:"TYPING_IDLE"`
	TypingExpiry   time.Duration `mapstructure:"TYPING_EXPIRY"`

	// Reconnection policy.
	ReconnectMaxAttempts int           `mapstructure:"RECONNECT_MAX_ATTEMPTS"`
	ReconnectBaseDelay   time.Duration `mapstructure:"RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    time.Duration `mapstructure:"RECONNECT_MAX_DELAY"`
	// Disconnects shorter than the grace period skip the history re-pull.
	ReconnectGracePeriod time.Duration `mapstructure:"RECONNECT_GRACE_PERIOD"`
}

// Load reads configuration from config.yaml and the environment, with
// environment variables taking precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	v.SetDefault("WS_URL", "")
	v.SetDefault("REST_URL", "")
	v.SetDefault("ENV", "development")
	v.SetDefault("JOIN_TIMEOUT", 5*time.Second)
	v.SetDefault("JOIN_MAX_RETRIES", 3)
	v.SetDefault("JOIN_RETRY_DELAY", time.Second)
	v.SetDefault("SEND_TIMEOUT", 10*time.Second)
	v.SetDefault("TYPING_DEBOUNCE", 2*time.Second)
	v.SetDefault("TYPING_IDLE", 3*time.Second)
	v.SetDefault("TYPING_EXPIRY", 5*time.Second)
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("RECONNECT_BASE_DELAY", time.Second)
	v.SetDefault("RECONNECT_MAX_DELAY", 30*time.Second)
	v.SetDefault("RECONNECT_GRACE_PERIOD", 10*time.Second)

	// A missing config file is fine, env vars and defaults still apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("websocket URL cannot be empty")
	}
	if c.RESTURL == "" {
		return fmt.Errorf("REST URL cannot be empty")
	}
	if c.JoinMaxRetries < 0 {
		return fmt.Errorf("join max retries cannot be negative")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("reconnect max attempts must be positive")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("invalid reconnect delay bounds")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
