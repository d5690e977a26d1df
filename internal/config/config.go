package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the gateway runtime configuration, read from a JSON file at
// CFG_PATH (default ./config.json). A handful of env vars override or
// supplement the file; see Load.
type Config struct {
	ListenPort     int      `json:"listen_port"`
	EnableCORS     bool     `json:"enable_cors"`
	AllowedOrigins []string `json:"allowed_origins"`
	IsDebug        bool     `json:"is_debug"`

	// Bus keeps the "nats" key so existing deployment files stay valid.
	Bus BusConfig `json:"nats"`

	RequestTimeoutSeconds int `json:"request_timeout_seconds"`

	RateLimit RateLimitConfig `json:"rate_limit"`
	Redis     RedisConfig     `json:"redis"`
}

// BusConfig addresses the message broker.
type BusConfig struct {
	Host     string `json:"host"` // host:port
	User     string `json:"user"`
	Password string `json:"password"`
}

type RateLimitConfig struct {
	Enabled       bool `json:"enabled"`
	Limit         int  `json:"limit"`
	WindowSeconds int  `json:"window_seconds"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	path := getEnv("CFG_PATH", "./config.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults are applied before the file is unmarshalled, so absent keys keep
// these values.
func defaults() *Config {
	return &Config{
		RequestTimeoutSeconds: 30,
		Bus: BusConfig{
			User:     "guest",
			Password: "guest",
		},
		RateLimit: RateLimitConfig{
			Limit:         100,
			WindowSeconds: 60,
		},
	}
}

func (c *Config) validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be in 1..65535, got %d", c.ListenPort)
	}
	if !strings.Contains(c.Bus.Host, ":") {
		return fmt.Errorf("nats.host must be host:port, got %q", c.Bus.Host)
	}
	if c.EnableCORS && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins must not be empty when enable_cors is true")
	}
	for _, origin := range c.AllowedOrigins {
		u, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("allowed_origins entry %q is not an absolute URL", origin)
		}
	}
	if c.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request_timeout_seconds must be positive, got %d", c.RequestTimeoutSeconds)
	}
	if c.RateLimit.Enabled {
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("redis.addr is required when rate_limit.enabled is true")
		}
		if c.RateLimit.Limit < 1 {
			return fmt.Errorf("rate_limit.limit must be positive, got %d", c.RateLimit.Limit)
		}
		if c.RateLimit.WindowSeconds < 1 {
			return fmt.Errorf("rate_limit.window_seconds must be positive, got %d", c.RateLimit.WindowSeconds)
		}
	}
	return nil
}

// BusURL builds the AMQP connection URL from the bus section. AMQP_URL wins
// when set, which keeps credentials out of the config file.
func (c *Config) BusURL() string {
	if v := strings.TrimSpace(os.Getenv("AMQP_URL")); v != "" {
		return v
	}
	u := &url.URL{
		Scheme: "amqp",
		Host:   strings.TrimSpace(c.Bus.Host),
		Path:   "/",
	}
	if c.Bus.Password != "" {
		u.User = url.UserPassword(c.Bus.User, c.Bus.Password)
	} else {
		u.User = url.User(c.Bus.User)
	}
	return u.String()
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
