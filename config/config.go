// Package config loads client configuration from a yaml file with
// CHATLINK_* environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Rest struct {
		BaseURL   string        `mapstructure:"base_url" validate:"required,url"`
		TimeoutMS time.Duration `mapstructure:"timeout_ms"`
	} `mapstructure:"rest"`

	WS struct {
		BrokerURL        string `mapstructure:"broker_url" validate:"required"`
		HeartbeatMS      int    `mapstructure:"heartbeat_ms" validate:"gte=0"`
		ReconnectDelayMS int    `mapstructure:"reconnect_delay_ms" validate:"gte=0"`
	} `mapstructure:"ws"`

	Auth struct {
		Token string `mapstructure:"token"`
	} `mapstructure:"auth"`

	PageSize int    `mapstructure:"page_size" validate:"gt=0,lte=100"`
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rest.timeout_ms", 10000)
	v.SetDefault("ws.heartbeat_ms", 4000)
	v.SetDefault("ws.reconnect_delay_ms", 5000)
	v.SetDefault("page_size", 20)
	v.SetDefault("log_level", "info")
}

// Load reads the config file at path (optional when env carries
// everything) and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	// viper reads timeout_ms as a bare integer of milliseconds
	if cfg.Rest.TimeoutMS < time.Millisecond {
		cfg.Rest.TimeoutMS = cfg.Rest.TimeoutMS * time.Millisecond
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

// Heartbeat returns the STOMP heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.WS.HeartbeatMS) * time.Millisecond
}

// ReconnectDelay returns the pause between reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.WS.ReconnectDelayMS) * time.Millisecond
}
