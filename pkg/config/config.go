// Package config loads Data-Online settings from an optional YAML file
// and DATAONLINE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DATAONLINE_GATEWAY_LISTEN.
const EnvPrefix = "DATAONLINE"

type Config struct {
	Target  string   `mapstructure:"target"`
	Targets []string `mapstructure:"targets"`
	Timeout float64  `mapstructure:"timeout"` // Seconds; <= 0 blocks indefinitely

	Gateway struct {
		Listen      string        `mapstructure:"listen"`
		API         string        `mapstructure:"api"` // Empty disables the HTTP API
		TraceDB     string        `mapstructure:"trace_db"`
		TraceTTL    time.Duration `mapstructure:"trace_ttl"`
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"gateway"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target", "localhost:6666")
	v.SetDefault("targets", []string{})
	v.SetDefault("timeout", 2.0)
	v.SetDefault("gateway.listen", ":6667")
	v.SetDefault("gateway.api", "")
	v.SetDefault("gateway.trace_db", "")
	v.SetDefault("gateway.trace_ttl", 24*time.Hour)
	v.SetDefault("gateway.idle_timeout", time.Duration(0))
	v.SetDefault("log.level", "info")
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// Defaults alone cannot fail to decode
		panic(err)
	}
	return c
}

// Load reads path (skipped when empty) and applies environment overrides
// on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &c, nil
}

// TimeoutDuration returns Timeout as a duration.
func (c *Config) TimeoutDuration() time.Duration {
	if c.Timeout <= 0 {
		return 0
	}
	return time.Duration(c.Timeout * float64(time.Second))
}
