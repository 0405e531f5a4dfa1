package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Token      string
	GatewayURL string
	APIBase    string

	// RetainMessages bounds the per-channel message cache; the oldest
	// entries beyond it are pruned.
	RetainMessages int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxReconnects    int

	LogFile  string
	LogLevel string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		GatewayURL:       "wss://gateway.discord.gg/?v=10&encoding=json",
		APIBase:          "https://discord.com/api/v10",
		RetainMessages:   500,
		ConnectTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxReconnects:    10,
		LogLevel:         "info",
	}

	cfg.Token = env.Getenv("TERMCHAT_TOKEN")
	if cfg.Token == "" {
		return Config{}, fmt.Errorf("TERMCHAT_TOKEN is required")
	}

	if raw := env.Getenv("TERMCHAT_GATEWAY_URL"); raw != "" {
		cfg.GatewayURL = raw
	}
	if raw := env.Getenv("TERMCHAT_API_BASE"); raw != "" {
		cfg.APIBase = raw
	}

	if raw := env.Getenv("TERMCHAT_RETAIN_MESSAGES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid TERMCHAT_RETAIN_MESSAGES")
		}
		cfg.RetainMessages = n
	}

	if raw := env.Getenv("TERMCHAT_CONNECT_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TERMCHAT_CONNECT_TIMEOUT_SECONDS")
		}
		cfg.ConnectTimeout = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("TERMCHAT_MAX_RECONNECTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid TERMCHAT_MAX_RECONNECTS")
		}
		cfg.MaxReconnects = n
	}

	cfg.LogFile = env.Getenv("TERMCHAT_LOG_FILE")
	if raw := env.Getenv("TERMCHAT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	return cfg, nil
}
