package infra

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5432"`
	PGUser      string `env:"PGUSER" envDefault:"nexus"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"nexus"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"nexus"`

	// Server
	APIPort int `env:"API_PORT" envDefault:"3000"`

	// Mercado Pago
	MPAccessToken    string `env:"MP_ACCESS_TOKEN"`
	MPWebhookSecret  string `env:"MP_WEBHOOK_SECRET"`
	MPBaseURL        string `env:"MP_BASE_URL" envDefault:"https://api.mercadopago.com"`
	MPRequestTimeout string `env:"MP_REQUEST_TIMEOUT" envDefault:"10s"`

	// Manual confirmation webhook
	CustomPaymentSecret string `env:"CUSTOM_PAYMENT_SECRET"`

	// Kafka (payment_outbox publisher)
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"false"`

	// Recovery sweeper
	SweepInterval string `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepGrace    string `env:"SWEEP_GRACE" envDefault:"1m"`

	// Dev
	AllowInsecureDefaults bool `env:"ALLOW_INSECURE_DEFAULTS" envDefault:"false"`
}

// LoadConfig loads a .env file if present, then parses environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks for configuration that must not run in production.
// Set ALLOW_INSECURE_DEFAULTS=true to bypass (local dev only).
func (c *Config) Validate() error {
	if c.AllowInsecureDefaults {
		return nil
	}
	if c.CustomPaymentSecret == "" {
		return fmt.Errorf("CUSTOM_PAYMENT_SECRET is empty; manual confirmations would be unauthenticated")
	}
	if c.MPWebhookSecret == "" {
		return fmt.Errorf("MP_WEBHOOK_SECRET is empty; provider webhooks would be unauthenticated")
	}
	return nil
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}
