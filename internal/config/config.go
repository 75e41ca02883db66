// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	DB       DBConfig
	Dispatch DispatchConfig
	Defaults CampaignDefaults
	Mail     MailConfig
	SMTP     SMTPConfig
	Resend   ResendConfig
	Queue    QueueConfig
}

type AppConfig struct {
	Env        string `env:"APP_ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":8080"`
	CronSecret string `env:"CRON_SECRET"`
}

type DBConfig struct {
	URL             string        `env:"DATABASE_URL,required,notEmpty"`
	MigrationsTable string        `env:"DATABASE_MIGRATIONS_TABLE" envDefault:"schema_migrations"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" envDefault:"30m"`
}

type DispatchConfig struct {
	// Fixed UTC offset every campaign window is expressed in.
	ReferenceOffset string        `env:"REFERENCE_UTC_OFFSET" envDefault:"+05:30"`
	Workers         int           `env:"DISPATCH_WORKERS" envDefault:"4"`
	LeaseTTL        time.Duration `env:"DISPATCH_LEASE_TTL" envDefault:"15m"`
	Schedule        string        `env:"DISPATCH_SCHEDULE" envDefault:"*/5 * * * *"`
	Topic           string        `env:"DISPATCH_TOPIC" envDefault:"dispatch_cycles"`
}

// CampaignDefaults fill in scheduling fields omitted at campaign creation.
type CampaignDefaults struct {
	WindowStart  string        `env:"DEFAULT_WINDOW_START" envDefault:"20:00"`
	WindowEnd    string        `env:"DEFAULT_WINDOW_END" envDefault:"01:00"`
	DailyLimit   int           `env:"DEFAULT_DAILY_LIMIT" envDefault:"50"`
	DelayBetween time.Duration `env:"DEFAULT_DELAY_BETWEEN_SENDS" envDefault:"60s"`
}

type MailConfig struct {
	Provider  string `env:"MAIL_PROVIDER" envDefault:"smtp"`
	FromEmail string `env:"MAIL_FROM_EMAIL"`
}

type SMTPConfig struct {
	Host     string        `env:"SMTP_HOST" envDefault:"smtp.gmail.com"`
	Port     int           `env:"SMTP_PORT" envDefault:"587"`
	User     string        `env:"SMTP_USER"`
	Password string        `env:"SMTP_PASSWORD"`
	Timeout  time.Duration `env:"SMTP_TIMEOUT" envDefault:"30s"`
}

type ResendConfig struct {
	APIKey string `env:"RESEND_API_KEY"`
}

type QueueConfig struct {
	// Empty URL selects the in-memory queue.
	AMQPURL string `env:"AMQP_URL"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load(files ...string) (*Config, error) {
	// A missing .env is fine; the process environment is authoritative.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.LeaseTTL <= 0 {
		return fmt.Errorf("DISPATCH_LEASE_TTL must be positive")
	}
	if c.Mail.FromEmail == "" {
		c.Mail.FromEmail = c.SMTP.User
	}
	if c.Mail.FromEmail == "" {
		return fmt.Errorf("MAIL_FROM_EMAIL (or SMTP_USER) is required")
	}
	switch c.Mail.Provider {
	case "smtp", "resend":
	default:
		return fmt.Errorf("unsupported MAIL_PROVIDER %q", c.Mail.Provider)
	}
	return nil
}
