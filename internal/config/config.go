package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = 3001
	defaultUpstreamTimeout = 30 * time.Second
	defaultMaxBodyBytes    = 1 << 20
	defaultRateWindow      = time.Minute
)

// dotenvFiles are loaded in order; earlier files win and real environment
// variables win over all of them.
var dotenvFiles = []string{".env.local", ".env"}

// Config is the process configuration for both entry points.
type Config struct {
	Port int `yaml:"port"`

	// APIKey is only ever read from the environment.
	APIKey string `yaml:"-"`

	// APIKeyParam names an SSM SecureString holding the key.
	APIKeyParam string `yaml:"api_key_param"`

	BaseURL         string        `yaml:"base_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	MaxMessages     int           `yaml:"max_messages"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	LogLevel        string        `yaml:"log_level"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed. Empty
	// means the peer address is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig enables per-client limiting when Limit > 0 and a backend is set.
type RateLimitConfig struct {
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
	Table    string        `yaml:"table"`
	RedisURL string        `yaml:"redis_url"`
}

// Enabled reports whether a limiter should be built.
func (r RateLimitConfig) Enabled() bool {
	return r.Limit > 0 && (r.Table != "" || r.RedisURL != "")
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:            defaultPort,
		UpstreamTimeout: defaultUpstreamTimeout,
		MaxBodyBytes:    defaultMaxBodyBytes,
		AllowedOrigins:  []string{"*"},
		LogLevel:        "info",
		RateLimit: RateLimitConfig{
			Window: defaultRateWindow,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CHAT_PROXY_CONFIG, dotenv files, and the environment, in that order.
func Load() (Config, error) {
	if err := loadDotenv(dotenvFiles...); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CHAT_PROXY_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotenv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
		slog.Debug("loaded dotenv file", "path", f)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", absPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup("DEEPSEEK_API_KEY"); ok {
		cfg.APIKey = v
	}
	if v, ok := lookup("DEEPSEEK_API_KEY_PARAM"); ok {
		cfg.APIKeyParam = v
	}
	if v, ok := lookup("DEEPSEEK_BASE_URL"); ok {
		cfg.BaseURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("TRUSTED_PROXIES"); ok {
		cfg.TrustedProxies = splitList(v)
	}
	if v, ok := lookup("RATE_LIMIT_TABLE"); ok {
		cfg.RateLimit.Table = v
	}
	if v, ok := lookup("RATE_LIMIT_REDIS_URL"); ok {
		cfg.RateLimit.RedisURL = v
	}

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return err
	}
	if cfg.MaxMessages, err = envInt("MAX_MESSAGES", cfg.MaxMessages); err != nil {
		return err
	}
	maxBody, err := envInt("MAX_BODY_BYTES", int(cfg.MaxBodyBytes))
	if err != nil {
		return err
	}
	cfg.MaxBodyBytes = int64(maxBody)
	if cfg.RateLimit.Limit, err = envInt("RATE_LIMIT", cfg.RateLimit.Limit); err != nil {
		return err
	}
	if cfg.UpstreamTimeout, err = envDuration("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout); err != nil {
		return err
	}
	if cfg.RateLimit.Window, err = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.Window); err != nil {
		return err
	}
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be a valid TCP port, got %d", c.Port)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive, got %s", c.UpstreamTimeout)
	}
	if c.MaxMessages < 0 {
		return fmt.Errorf("max_messages must not be negative, got %d", c.MaxMessages)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.BaseURL != "" && !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url %q must use http or https", c.BaseURL)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.TrustedProxyNets(); err != nil {
		return err
	}

	rl := c.RateLimit
	if rl.Limit < 0 {
		return fmt.Errorf("rate_limit.limit must not be negative, got %d", rl.Limit)
	}
	if rl.Limit > 0 {
		if rl.Table == "" && rl.RedisURL == "" {
			return errors.New("rate_limit.limit is set but neither rate_limit.table nor rate_limit.redis_url is configured")
		}
		if rl.Table != "" && rl.RedisURL != "" {
			return errors.New("rate_limit.table and rate_limit.redis_url are mutually exclusive")
		}
		if rl.Window < time.Second {
			return fmt.Errorf("rate_limit.window must be at least 1s, got %s", rl.Window)
		}
	}
	return nil
}

// TrustedProxyNets parses TrustedProxies.
func (c Config) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, cidr := range c.TrustedProxies {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies entry %q must be a CIDR", cidr)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// ParseLevel maps LOG_LEVEL values onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log_level %q must be one of debug, info, warn, error", s)
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func envInt(key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 30s, got %q", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
