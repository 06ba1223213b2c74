// Package config loads service configuration from environment variables,
// optionally seeded from a YAML file.
package config

import (
	"errors"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds everything the API server and CLI need to start.
type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr" env:"SQLDESK_HTTP_ADDR" env-default:":8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"SQLDESK_HTTP_READ_TIMEOUT" env-default:"15s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"SQLDESK_HTTP_WRITE_TIMEOUT" env-default:"15s"`
		IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SQLDESK_HTTP_IDLE_TIMEOUT" env-default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SQLDESK_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"SQLDESK_HTTP_MAX_BODY_BYTES" env-default:"1048576"`
		RateBurst       int           `yaml:"rate_burst" env:"SQLDESK_HTTP_RATE_BURST" env-default:"20"`
		RatePerSec      int           `yaml:"rate_per_sec" env:"SQLDESK_HTTP_RATE_PER_SEC" env-default:"10"`
	} `yaml:"http"`

	// AuditDSN points at the database holding users and the audit log.
	AuditDSN string `yaml:"audit_dsn" env:"SQLDESK_PG_DSN"`

	Targets struct {
		BackOffice string `yaml:"backoffice_dsn" env:"SQLDESK_BACKOFFICE_DSN"`
		Portal     string `yaml:"portal_dsn" env:"SQLDESK_PORTAL_DSN"`
	} `yaml:"targets"`

	Auth struct {
		TokenTTL time.Duration `yaml:"token_ttl" env:"SQLDESK_TOKEN_TTL" env-default:"15m"`
	} `yaml:"auth"`

	Query struct {
		StatementTimeout time.Duration `yaml:"statement_timeout" env:"SQLDESK_STATEMENT_TIMEOUT" env-default:"30s"`
		SelectLimit      int           `yaml:"select_limit" env:"SQLDESK_SELECT_LIMIT" env-default:"10"`
		ConfirmThreshold int64         `yaml:"confirm_threshold" env:"SQLDESK_CONFIRM_THRESHOLD" env-default:"10"`
	} `yaml:"query"`
}

// Load reads configuration from the given YAML file (when path is non-empty)
// and then from the environment. Environment values win.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, err
		}
		return cfg, cfg.validate()
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Targets.BackOffice == "" && c.Targets.Portal == "" {
		return errors.New("config: at least one target database DSN is required")
	}
	return nil
}
