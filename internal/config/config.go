package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName               string
	AppEnv                string
	AppPort               string
	DatabaseURL           string
	RedisURL              string
	NATSURL               string
	JWTSecret             string
	RealtimeChannel       string
	ChatPollInterval      time.Duration
	ChatPageSize          int
	UserCacheTTL          time.Duration
	NotificationKeepAlive time.Duration
	MessageRateLimit      int
	MessageRateWindow     time.Duration
	CORSAllowOrigins      string
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
	v.SetEnvPrefix("LEXCOACH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "LexCoach Chat API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("realtime.channel", "lexcoach")
	v.SetDefault("chat.poll_interval", "2s")
	v.SetDefault("chat.page_size", 50)
	v.SetDefault("users.cache_ttl", "5m")
	v.SetDefault("notifications.keep_alive", "30s")
	v.SetDefault("rate_limit.messages", 20)
	v.SetDefault("rate_limit.window", "10s")
	v.SetDefault("cors.allow_origins", "*")

	pollInterval, err := duration(v, "chat.poll_interval")
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := duration(v, "users.cache_ttl")
	if err != nil {
		return Config{}, err
	}
	keepAlive, err := duration(v, "notifications.keep_alive")
	if err != nil {
		return Config{}, err
	}
	rateWindow, err := duration(v, "rate_limit.window")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		DatabaseURL:           v.GetString("database.url"),
		RedisURL:              v.GetString("redis.url"),
		NATSURL:               v.GetString("nats.url"),
		JWTSecret:             v.GetString("jwt.secret"),
		RealtimeChannel:       v.GetString("realtime.channel"),
		ChatPollInterval:      pollInterval,
		ChatPageSize:          v.GetInt("chat.page_size"),
		UserCacheTTL:          cacheTTL,
		NotificationKeepAlive: keepAlive,
		MessageRateLimit:      v.GetInt("rate_limit.messages"),
		MessageRateWindow:     rateWindow,
		CORSAllowOrigins:      v.GetString("cors.allow_origins"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	if cfg.ChatPollInterval <= 0 {
		cfg.ChatPollInterval = 2 * time.Second
	}
	if cfg.ChatPageSize <= 0 {
		cfg.ChatPageSize = 50
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
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
