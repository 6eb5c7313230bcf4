package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env          string        `mapstructure:"ENV"`
	DatabaseURL  string        `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32         `mapstructure:"DB_MIN_CONNS"`
	StatusPort   string        `mapstructure:"STATUS_PORT"`
	SettingsFile string        `mapstructure:"SETTINGS_FILE"`
	Workers      int           `mapstructure:"WORKERS"`
	EvalTimeout  time.Duration `mapstructure:"EVAL_TIMEOUT"`
	PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
	SinceSeq     int64         `mapstructure:"SINCE_SEQ"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STATUS_PORT", "5988")
	v.SetDefault("SETTINGS_FILE", "settings.yml")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("EVAL_TIMEOUT", "1s")
	v.SetDefault("POLL_INTERVAL", "1s")
	v.SetDefault("SINCE_SEQ", 0)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("STATUS_PORT")
	v.BindEnv("SETTINGS_FILE")
	v.BindEnv("WORKERS")
	v.BindEnv("EVAL_TIMEOUT")
	v.BindEnv("POLL_INTERVAL")
	v.BindEnv("SINCE_SEQ")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.EvalTimeout <= 0 {
		return fmt.Errorf("EVAL_TIMEOUT must be positive, got %s", c.EvalTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	return nil
}
