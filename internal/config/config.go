package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// DevSecret signs tokens in debug and test mode when no secret is set. It is
// refused in release mode.
const DevSecret = "roomlink-dev-secret"

var ErrSecretRequired = errors.New("secret must be set explicitly in release mode")

type Config struct {
	Mode         string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadLimit    int64         `mapstructure:"read_limit" validate:"min=512"`
	PingPeriod   time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
	HistoryLimit int           `mapstructure:"history_limit" validate:"min=1"`
	SendLimit    int           `mapstructure:"send_limit" validate:"min=1"`
	SendWindow   time.Duration `mapstructure:"send_window" validate:"gt=0"`
	OTelEndpoint string        `mapstructure:"otel_endpoint"`
	Client       Client        `mapstructure:"client"`

	// SlowDropTolerance is how many frames a slow member may miss before it is kicked.
	SlowDropTolerance int `mapstructure:"slow_drop_tolerance" validate:"min=0"`
}

// Client configures the room client used by roomctl.
type Client struct {
	ServerURL            string        `mapstructure:"server_url" validate:"required,url"`
	APIURL               string        `mapstructure:"api_url" validate:"required,url"`
	TokenFile            string        `mapstructure:"token_file"`
	ReconnectMin         time.Duration `mapstructure:"reconnect_min" validate:"gt=0"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max" validate:"gtefield=ReconnectMin"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"min=0"`
	OutboxSize           int           `mapstructure:"outbox_size" validate:"min=1"`
	ScopeMessages        bool          `mapstructure:"scope_messages"`
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). ROOMLINK_*
// environment variables override file values.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file falls back to
// defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("ROOMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("history_limit", 200)
	v.SetDefault("send_limit", 10)
	v.SetDefault("send_window", "10s")
	v.SetDefault("slow_drop_tolerance", 0)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.api_url", "http://localhost:8080")
	v.SetDefault("client.token_file", "")
	v.SetDefault("client.reconnect_min", "1s")
	v.SetDefault("client.reconnect_max", "30s")
	v.SetDefault("client.max_reconnect_attempts", 0)
	v.SetDefault("client.outbox_size", 64)
	v.SetDefault("client.scope_messages", true)

	logger := log.With().Str("module", "config").Logger()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		logger.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		logger.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch {
	case cfg.Mode == "release" && (cfg.Secret == "" || cfg.Secret == DevSecret):
		return nil, ErrSecretRequired
	case cfg.Secret == "":
		logger.Warn().Str("mode", cfg.Mode).Msg("no secret configured, using the development secret")
		cfg.Secret = DevSecret
	}
	logger.Info().Str("mode", cfg.Mode).Int("port", cfg.Port).Str("server_url", cfg.Client.ServerURL).Msg("config ready")
	return &cfg, nil
}
