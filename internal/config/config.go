// config.go

// Environment variable loading and validation.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	minSecretLen = 32
)

// Config holds all env configuration vars for Warden.
type Config struct {
	Env         string
	Port        string
	DatabaseURL string
	RedisURL    string // empty keeps security state and sessions in process
	LogLevel    slog.Level

	// TrustedProxies are the peers whose forwarding headers name the client.
	// Empty means the socket address is always the origin.
	TrustedProxies []netip.Prefix

	// SessionSecret keys the cookie HMAC. Random per process outside production.
	SessionSecret []byte
	SessionTTL    time.Duration
	CookieSecure  bool
	CookieDomain  string

	// Twilio credentials. All three empty outside production logs codes instead of sending.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Kafka audit stream. Empty brokers disables it.
	KafkaBrokers    []string
	KafkaAuditTopic string

	OTPRequireCountryCode bool

	TaskWorkers     int
	TaskQueueSize   int
	ThreatRateLimit int // zero selects the per-environment default
}

// Production reports whether the production-only policies apply.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// TwilioConfigured reports whether every Twilio credential is present.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// LoadConfig reads environment variables, after merging in a .env file when
// one exists, and returns a validated Config. Variables already set in the
// environment win over the file.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}

	cfg.Env = strings.ToLower(os.Getenv("APP_ENV"))
	if cfg.Env != EnvProduction {
		cfg.Env = EnvDevelopment
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	proxies, err := parseProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	secret, err := sessionSecret(cfg.Production())
	if err != nil {
		return nil, err
	}
	cfg.SessionSecret = secret
	cfg.SessionTTL = envDuration("SESSION_TTL", 7*24*time.Hour)
	cfg.CookieSecure = envBool("COOKIE_SECURE", cfg.Production())
	cfg.CookieDomain = os.Getenv("COOKIE_DOMAIN")

	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioFromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	if cfg.Production() && !cfg.TwilioConfigured() {
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required in production")
	}

	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	cfg.KafkaAuditTopic = os.Getenv("KAFKA_AUDIT_TOPIC")
	if cfg.KafkaAuditTopic == "" {
		cfg.KafkaAuditTopic = "warden.audit"
	}

	cfg.OTPRequireCountryCode = envBool("OTP_REQUIRE_COUNTRY_CODE", false)

	cfg.TaskWorkers = envInt("TASK_WORKERS", 4)
	cfg.TaskQueueSize = envInt("TASK_QUEUE_SIZE", 1024)
	cfg.ThreatRateLimit = envInt("THREAT_RATE_LIMIT", 0)

	return cfg, nil
}

// sessionSecret reads SESSION_SECRET. Production requires at least 32 bytes;
// elsewhere a missing secret is replaced by a random one, which logs everyone
// out on restart.
func sessionSecret(production bool) ([]byte, error) {
	v := os.Getenv("SESSION_SECRET")
	if v != "" {
		if len(v) < minSecretLen {
			return nil, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSecretLen)
		}
		return []byte(v), nil
	}
	if production {
		return nil, fmt.Errorf("SESSION_SECRET is required in production")
	}
	slog.Warn("SESSION_SECRET not set, using a random per-process secret")
	b := make([]byte, minSecretLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating session secret: %w", err)
	}
	return b, nil
}

// parseProxies reads a comma-separated list of CIDRs or bare IPs.
func parseProxies(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if strings.Contains(f, "/") {
			p, err := netip.ParsePrefix(f)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var as bool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
