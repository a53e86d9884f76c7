// Package config loads server settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every setting name to form its environment
// variable, e.g. COLLAB_SEND_BUFFER.
const EnvPrefix = "COLLAB"

type Config struct {
	ConfigFile    string `mapstructure:"config"`
	Listen        string `mapstructure:"listen"`
	AllowedOrigin string `mapstructure:"allowed-origin"`
	LogLevel      string `mapstructure:"log-level"`
	LogEncoder    string `mapstructure:"log-encoder"`

	RedisAddr    string `mapstructure:"redis-addr"`
	RedisChannel string `mapstructure:"redis-channel"`
	DatabaseURL  string `mapstructure:"database-url"`
	MDNS         bool   `mapstructure:"mdns"`

	SendBuffer   int           `mapstructure:"send-buffer"`
	ReadLimit    int64         `mapstructure:"read-limit"`
	MessageRate  float64       `mapstructure:"message-rate"`
	MessageBurst int           `mapstructure:"message-burst"`
	PingInterval time.Duration `mapstructure:"ping-interval"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
}

func Default() Config {
	return Config{
		Listen:        ":5500",
		AllowedOrigin: "http://localhost:5173",
		LogLevel:      "info",
		LogEncoder:    "console",
		RedisChannel:  "collabtext:updates:",
		SendBuffer:    256,
		ReadLimit:     1 << 20,
		MessageRate:   50,
		MessageBurst:  100,
		PingInterval:  30 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// AddFlags registers a flag per setting with the defaults of cfg.
func AddFlags(fs *pflag.FlagSet, cfg Config) {
	fs.StringP("config", "c", cfg.ConfigFile, "load configuration from file")
	fs.String("listen", cfg.Listen, "address to listen on")
	fs.String("allowed-origin", cfg.AllowedOrigin, "the one origin allowed for cross-origin requests, * for any")
	fs.String("log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.String("log-encoder", cfg.LogEncoder, "console or json")
	fs.String("redis-addr", cfg.RedisAddr, "redis address used to relay updates between instances, empty to disable")
	fs.String("redis-channel", cfg.RedisChannel, "prefix of the redis pub/sub channels")
	fs.String("database-url", cfg.DatabaseURL, "postgres url for channel membership, empty for in-memory")
	fs.Bool("mdns", cfg.MDNS, "advertise the server over mDNS")
	fs.Int("send-buffer", cfg.SendBuffer, "frames queued per connection before it is dropped")
	fs.Int64("read-limit", cfg.ReadLimit, "maximum inbound frame size in bytes")
	fs.Float64("message-rate", cfg.MessageRate, "inbound frames per second allowed per connection")
	fs.Int("message-burst", cfg.MessageBurst, "inbound frame burst allowed per connection")
	fs.Duration("ping-interval", cfg.PingInterval, "websocket ping interval")
	fs.Duration("write-timeout", cfg.WriteTimeout, "websocket write timeout")
}

// Load merges flags, environment and the config file, in that order of
// precedence. fs must have been set up with AddFlags and parsed.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// Names used by earlier deployments.
	for key, legacy := range map[string]string{
		"redis-addr":     "REDIS_ADDR",
		"database-url":   "DATABASE_URL",
		"allowed-origin": "FRONTEND_URL",
	} {
		if err := v.BindEnv(key, envName(key), legacy); err != nil {
			return Config{}, err
		}
	}
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if port := os.Getenv("PORT"); port != "" && !fs.Changed("listen") && os.Getenv(envName("listen")) == "" {
		cfg.Listen = ":" + port
	}
	return cfg, cfg.Validate()
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.AllowedOrigin == "" {
		errs = append(errs, errors.New("allowed origin is empty"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("send-buffer must be positive, got %d", c.SendBuffer))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("read-limit must be positive, got %d", c.ReadLimit))
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, errors.New("message-rate and message-burst must be positive"))
	}
	if c.PingInterval <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("ping-interval and write-timeout must be positive"))
	}
	return errors.Join(errs...)
}
