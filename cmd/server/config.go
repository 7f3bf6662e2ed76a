package main

import (
	"fmt"
	"time"

	"pinghub/internal/api"
	"pinghub/internal/middleware"
	"pinghub/internal/session"
	"pinghub/internal/websocket"

	"github.com/Netflix/go-env"
)

type Config struct {
	Host              string        `env:"HOST,default=0.0.0.0"`
	Port              int           `env:"PORT,default=3001"`
	DBPath            string        `env:"DB_PATH,default=pinghub.db"`
	Secret            string        `env:"APP_SECRET,required=true"`
	TokenTTL          time.Duration `env:"TOKEN_TTL,default=24h"`
	LogLevel          string        `env:"LOG_LEVEL,default=INFO"`
	ClientURL         string        `env:"CLIENT_URL"`
	HistoryLimit      int           `env:"HISTORY_LIMIT,default=50"`
	PinnedLimit       int           `env:"PINNED_LIMIT,default=10"`
	MinPasswordLength int           `env:"MIN_PASSWORD_LENGTH,default=6"`
	JoinRequestTTL    time.Duration `env:"JOIN_REQUEST_TTL,default=10m"`
	EventsPerSecond   float64       `env:"EVENTS_PER_SECOND,default=20"`
	EventBurst        int           `env:"EVENT_BURST,default=40"`
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE,default=65536"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND,default=10"`
	RequestBurst      int           `env:"REQUEST_BURST,default=20"`
	TLSCertFile       string        `env:"TLS_CERT_FILE"`
	TLSKeyFile        string        `env:"TLS_KEY_FILE"`
}

func LoadConfig() (Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if config.Secret == "" {
		return Config{}, fmt.Errorf("config error: APP_SECRET must not be empty")
	}
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("config error: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return config, nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) Server() api.Config {
	return api.Config{
		Addr:        c.Addr(),
		ClientURL:   c.ClientURL,
		Secret:      c.Secret,
		TokenTTL:    c.TokenTTL,
		TLSCertFile: c.TLSCertFile,
		TLSKeyFile:  c.TLSKeyFile,
		Session: session.Config{
			HistoryLimit:      c.HistoryLimit,
			PinnedLimit:       c.PinnedLimit,
			MinPasswordLength: c.MinPasswordLength,
		},
		JoinRequestTTL: c.JoinRequestTTL,
		Client: websocket.ClientConfig{
			MaxMessageSize:  c.MaxMessageSize,
			EventsPerSecond: c.EventsPerSecond,
			EventBurst:      c.EventBurst,
		},
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: c.RequestsPerSecond,
			BurstSize:         c.RequestBurst,
			CleanupInterval:   5 * time.Minute,
		},
	}
}
