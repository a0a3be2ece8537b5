// Package config loads service configuration: defaults, then an optional
// YAML file, then environment variables, then validation.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Vault     VaultConfig     `yaml:"vault"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Auth      AuthConfig      `yaml:"auth"`
	Mail      MailConfig      `yaml:"mail"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// CORSOrigins lists allowed browser origins; empty disables CORS.
	CORSOrigins []string `yaml:"cors_origins"`
}

type VaultConfig struct {
	Type  string      `yaml:"type"` // memory or redis
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Retention time.Duration `yaml:"retention"` // 0 keeps entries until read
}

type LedgerConfig struct {
	Type            string        `yaml:"type"` // memory or postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	// SweepInterval runs a background sweep; 0 relies on request-time sweeps.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	CookieName     string        `yaml:"cookie_name"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	OTPTTL         time.Duration `yaml:"otp_ttl"`
	OTPMaxAttempts int           `yaml:"otp_max_attempts"`
}

type MailConfig struct {
	Type     string        `yaml:"type"` // log or smtp
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Timeout  time.Duration `yaml:"timeout"`
	// NotifyAddress receives requests for a new secret when the expired or
	// used link was created anonymously.
	NotifyAddress string `yaml:"notify_address"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	RevealPerMin   int  `yaml:"reveal_per_min"`
	AuthPerMin     int  `yaml:"auth_per_min"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Vault: VaultConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "onetime:",
			},
		},
		Ledger: LedgerConfig{
			Type:            "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Auth: AuthConfig{
			SessionTTL:     24 * time.Hour,
			CookieName:     "onetime_session",
			OTPTTL:         10 * time.Minute,
			OTPMaxAttempts: 5,
		},
		Mail: MailConfig{
			Type:    "log",
			Port:    587,
			From:    "noreply@localhost",
			Timeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 100,
			RevealPerMin:   20,
			AuthPerMin:     10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// loadFromEnv overlays environment variables. Malformed numbers, booleans
// and durations are reported rather than ignored.
func (c *Config) loadFromEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	// Server
	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	str("BASE_URL", &c.Server.BaseURL)
	dur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	// Vault
	str("VAULT_TYPE", &c.Vault.Type)
	str("REDIS_ADDR", &c.Vault.Redis.Addr)
	str("REDIS_PASSWORD", &c.Vault.Redis.Password)
	num("REDIS_DB", &c.Vault.Redis.DB)
	str("REDIS_KEY_PREFIX", &c.Vault.Redis.KeyPrefix)
	dur("REDIS_RETENTION", &c.Vault.Redis.Retention)

	// Ledger
	str("LEDGER_TYPE", &c.Ledger.Type)
	str("DATABASE_URL", &c.Ledger.DSN)
	flag("LEDGER_AUTO_MIGRATE", &c.Ledger.AutoMigrate)
	dur("SWEEP_INTERVAL", &c.Ledger.SweepInterval)

	// Auth
	str("JWT_SECRET", &c.Auth.JWTSecret)
	dur("SESSION_TTL", &c.Auth.SessionTTL)
	flag("COOKIE_SECURE", &c.Auth.CookieSecure)
	dur("OTP_TTL", &c.Auth.OTPTTL)
	num("OTP_MAX_ATTEMPTS", &c.Auth.OTPMaxAttempts)

	// Mail
	str("MAIL_TYPE", &c.Mail.Type)
	str("SMTP_HOST", &c.Mail.Host)
	num("SMTP_PORT", &c.Mail.Port)
	str("SMTP_USERNAME", &c.Mail.Username)
	str("SMTP_PASSWORD", &c.Mail.Password)
	str("MAIL_FROM", &c.Mail.From)
	str("MAIL_NOTIFY_ADDRESS", &c.Mail.NotifyAddress)

	flag("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	num("RATE_LIMIT_REQUESTS", &c.RateLimit.RequestsPerMin)
	num("RATE_LIMIT_REVEAL", &c.RateLimit.RevealPerMin)
	num("RATE_LIMIT_AUTH", &c.RateLimit.AuthPerMin)

	str("LOG_LEVEL", &c.Logging.Level)
	flag("LOG_PRETTY", &c.Logging.Pretty)
	flag("METRICS_ENABLED", &c.Metrics.Enabled)

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL: %q", c.Server.BaseURL)
	}

	if c.Vault.Type != "memory" && c.Vault.Type != "redis" {
		return fmt.Errorf("invalid vault type: %s (must be 'memory' or 'redis')", c.Vault.Type)
	}
	if c.Vault.Type == "redis" && c.Vault.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when vault type is 'redis'")
	}
	if c.Vault.Redis.Retention < 0 {
		return fmt.Errorf("redis retention must not be negative")
	}

	if c.Ledger.Type != "memory" && c.Ledger.Type != "postgres" {
		return fmt.Errorf("invalid ledger type: %s (must be 'memory' or 'postgres')", c.Ledger.Type)
	}
	if c.Ledger.Type == "postgres" && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger dsn is required when ledger type is 'postgres'")
	}
	if c.Ledger.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must not be negative")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 characters")
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.OTPTTL <= 0 {
		return fmt.Errorf("session_ttl and otp_ttl must be positive")
	}
	if c.Auth.OTPMaxAttempts < 1 {
		return fmt.Errorf("otp_max_attempts must be at least 1")
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("cookie_name is required")
	}

	switch c.Mail.Type {
	case "log":
	case "smtp":
		if c.Mail.Host == "" || c.Mail.From == "" {
			return fmt.Errorf("smtp host and from are required when mail type is 'smtp'")
		}
	default:
		return fmt.Errorf("invalid mail type: %s (must be 'log' or 'smtp')", c.Mail.Type)
	}

	if c.Mail.NotifyAddress != "" {
		if addr, err := mail.ParseAddress(c.Mail.NotifyAddress); err != nil || addr.Address != c.Mail.NotifyAddress {
			return fmt.Errorf("invalid mail notify_address: %q", c.Mail.NotifyAddress)
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMin < 1 || c.RateLimit.RevealPerMin < 1 || c.RateLimit.AuthPerMin < 1) {
		return fmt.Errorf("rate limits must be at least 1 per minute")
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
