package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Notifier backends
const (
	NotifierLog   = "log"
	NotifierSMTP  = "smtp"
	NotifierKafka = "kafka"
)

// SMTPConfig configures the SMTP notifier
type SMTPConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM"`
}

// KafkaConfig configures the Kafka notifier
type KafkaConfig struct {
	Brokers  []string `env:"KAFKA_BROKERS" envSeparator:","`
	OTPTopic string   `env:"KAFKA_OTP_TOPIC" envDefault:"auth.otp.dispatch"`
}

// Config holds the application configuration
type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	Port          string `env:"PORT" envDefault:"8080"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`

	JWTSecret      string        `env:"JWT_SECRET"`
	JWTIssuer      string        `env:"JWT_ISSUER" envDefault:"accountauth"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`

	OTPSalt        string        `env:"OTP_SALT"`
	OTPTTL         time.Duration `env:"OTP_TTL" envDefault:"10m"`
	OTPLength      int           `env:"OTP_LENGTH" envDefault:"6"`
	OTPMaxAttempts int           `env:"OTP_MAX_ATTEMPTS" envDefault:"5"`
	OTPDevMode     bool          `env:"OTP_DEV_MODE" envDefault:"false"`

	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"5s"`
	BcryptCost      int           `env:"BCRYPT_COST" envDefault:"12"`

	Notifier string `env:"NOTIFIER" envDefault:"log"`
	SMTP     SMTPConfig
	Kafka    KafkaConfig

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	TrustedProxies     []string `env:"TRUSTED_PROXIES" envSeparator:","`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat          string   `env:"LOG_FORMAT"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.Notifier = strings.ToLower(strings.TrimSpace(cfg.Notifier))
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
	cfg.CORSAllowedOrigins = compact(cfg.CORSAllowedOrigins)
	cfg.TrustedProxies = compact(cfg.TrustedProxies)
	if cfg.LogFormat == "" && cfg.IsProduction() {
		cfg.LogFormat = "json"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

func (c *Config) validate() error {
	// Load JWT_SECRET (required)
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}

	// Load OTP_SALT (required)
	if c.OTPSalt == "" {
		return fmt.Errorf("OTP_SALT environment variable is required")
	}

	switch c.StorageDriver {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageDriver)
	}

	switch c.Notifier {
	case NotifierLog:
	case NotifierSMTP:
		if c.SMTP.Host == "" || c.SMTP.From == "" {
			return fmt.Errorf("SMTP_HOST and SMTP_FROM are required when NOTIFIER=smtp")
		}
	case NotifierKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when NOTIFIER=kafka")
		}
	default:
		return fmt.Errorf("NOTIFIER must be one of log, smtp, kafka, got %q", c.Notifier)
	}

	if c.AccessTokenTTL <= 0 || c.OTPTTL <= 0 || c.DispatchTimeout <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL, OTP_TTL and DISPATCH_TIMEOUT must be positive")
	}
	if c.OTPLength < 4 || c.OTPLength > 10 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 10")
	}
	if c.OTPMaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be at least 1")
	}
	if c.OTPDevMode && c.IsProduction() {
		return fmt.Errorf("OTP_DEV_MODE cannot be enabled when APP_ENV=%s", c.AppEnv)
	}
	return nil
}

// compact trims list entries and drops empty ones left by trailing separators.
func compact(in []string) []string {
	var out []string
	for _, part := range in {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
