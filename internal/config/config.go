package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Service struct {
		Name     string `mapstructure:"name"`
		Env      string `mapstructure:"env"`
		LogLevel string `mapstructure:"log_level"`
		LogFile  string `mapstructure:"log_file"`
	} `mapstructure:"service"`
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`
	Store struct {
		Driver string `mapstructure:"driver"` // "sqlite", "mysql" or "memory"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Reservation struct {
		TTL           time.Duration `mapstructure:"ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"reservation"`
	Gateway struct {
		URL     string        `mapstructure:"url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"gateway"`
	Payment struct {
		MaxAttempts  int    `mapstructure:"max_attempts"`
		BankTimezone string `mapstructure:"bank_timezone"`
	} `mapstructure:"payment"`
	Catalog struct {
		Stock map[string]int `mapstructure:"stock"`
	} `mapstructure:"catalog"`
}

const envPrefix = "ADMISSION"

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "order-admission")
	v.SetDefault("service.env", "dev")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.log_file", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:admission.db?_busy_timeout=5000")
	v.SetDefault("reservation.ttl", 15*time.Minute)
	v.SetDefault("reservation.sweep_interval", 60*time.Second)
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("payment.max_attempts", 3)
	v.SetDefault("payment.bank_timezone", "America/Caracas")
}

// Load reads defaults, then the optional YAML file at path, then ADMISSION_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Reservation.TTL <= 0 {
		errs = append(errs, errors.New("reservation.ttl must be positive"))
	}
	if c.Reservation.SweepInterval <= 0 || c.Reservation.SweepInterval >= c.Reservation.TTL {
		errs = append(errs, errors.New("reservation.sweep_interval must be positive and shorter than reservation.ttl"))
	}
	if c.Payment.MaxAttempts < 1 {
		errs = append(errs, errors.New("payment.max_attempts must be at least 1"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if _, err := time.LoadLocation(c.Payment.BankTimezone); err != nil {
		errs = append(errs, fmt.Errorf("payment.bank_timezone: %w", err))
	}
	switch c.Store.Driver {
	case "sqlite", "mysql", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// BankLocation is the timezone claimed and reported payment dates are compared in.
func (c *Config) BankLocation() *time.Location {
	loc, err := time.LoadLocation(c.Payment.BankTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
