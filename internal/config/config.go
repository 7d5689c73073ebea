package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat service.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	DatabaseDriver   string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	ChannelBase      string
	JWTSecret        string
	DefaultRoomID    string
	DefaultRoomName  string
	HistoryLimit     int
	TypingTTL        time.Duration
	SendBufferSize   int
	PingInterval     time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
	ShutdownDeadline time.Duration
	CORSOrigins      string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("channel_base", "gema")
	v.SetDefault("default_room", "general")
	v.SetDefault("default_room_name", "General")
	v.SetDefault("history_limit", 50)
	v.SetDefault("typing_ttl", "8s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("ping_interval", "30s")
	v.SetDefault("rate_limit.max", 60)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("cors.origins", "*")

	typingTTL, err := parseDuration(v, "typing_ttl")
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := parseDuration(v, "ping_interval")
	if err != nil {
		return Config{}, err
	}
	rateWindow, err := parseDuration(v, "rate_limit.window")
	if err != nil {
		return Config{}, err
	}
	shutdown, err := parseDuration(v, "shutdown_timeout")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		DatabaseDriver:   strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		ChannelBase:      v.GetString("channel_base"),
		JWTSecret:        v.GetString("jwt.secret"),
		DefaultRoomID:    strings.TrimSpace(v.GetString("default_room")),
		DefaultRoomName:  strings.TrimSpace(v.GetString("default_room_name")),
		HistoryLimit:     v.GetInt("history_limit"),
		TypingTTL:        typingTTL,
		SendBufferSize:   v.GetInt("send_buffer"),
		PingInterval:     pingInterval,
		RateLimitMax:     v.GetInt("rate_limit.max"),
		RateLimitWindow:  rateWindow,
		ShutdownDeadline: shutdown,
		CORSOrigins:      v.GetString("cors.origins"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.DefaultRoomID == "" {
		cfg.DefaultRoomID = "general"
	}

	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > 100 {
		cfg.HistoryLimit = 50
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 32
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return parsed, nil
}
