/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults (below)
  2. Config file given with --config (YAML, TOML or JSON)
  3. Environment variables, prefixed DUES_ with dots as underscores
     (database.dsn -> DUES_DATABASE_DSN)
  4. Command-line flags

FLAGS:
  --config     Path to a config file
  --env        dev | prod (default: dev)
  --port       HTTP server port (default: 8080)
  --db-driver  sqlite3 | postgres (default: sqlite3)
  --db-dsn     Data source name (default: dues.db)

In dev, a missing JWT secret falls back to a fixed development secret and
the demo scenario endpoints are enabled. Any other environment requires
auth.jwt_secret.

SEE ALSO:
  - cmd/server/main.go: Consumer
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"

	devJWTSecret = "dev-secret-do-not-use-in-production"
)

type Config struct {
	Env      string         `mapstructure:"env"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// SMTPConfig enables email delivery when Host is set. Without it
// notifications go to the log.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type WorkersConfig struct {
	AccrualInterval  time.Duration `mapstructure:"accrual_interval"`
	AccrualBatch     int           `mapstructure:"accrual_batch"`
	NotifyInterval   time.Duration `mapstructure:"notify_interval"`
	NotifyBatch      int           `mapstructure:"notify_batch"`
	ReminderInterval time.Duration `mapstructure:"reminder_interval"`
	StuckAfter       time.Duration `mapstructure:"stuck_after"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// IsDev reports whether the server runs in development mode.
func (c Config) IsDev() bool { return c.Env == EnvDev }

// SMTPEnabled reports whether an SMTP relay is configured.
func (c Config) SMTPEnabled() bool { return c.SMTP.Host != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvDev)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "dues.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("workers.accrual_interval", 5*time.Second)
	v.SetDefault("workers.accrual_batch", 5)
	v.SetDefault("workers.notify_interval", 10*time.Second)
	v.SetDefault("workers.notify_batch", 10)
	v.SetDefault("workers.reminder_interval", time.Hour)
	v.SetDefault("workers.stuck_after", 15*time.Minute)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from args (without the program name), the
// environment and an optional config file, then validates it.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("dues-server", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("env", EnvDev, "environment: dev or prod")
	fs.Int("port", 8080, "HTTP server port")
	fs.String("db-driver", "sqlite3", "database driver: sqlite3 or postgres")
	fs.String("db-dsn", "dues.db", "database DSN; \":memory:\" for an in-memory SQLite database")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"env":             "env",
		"server.port":     "port",
		"database.driver": "db-driver",
		"database.dsn":    "db-dsn",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return Config{}, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.IsDev() && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = devJWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Env != EnvDev && c.Env != EnvProd {
		errs = append(errs, fmt.Errorf("env must be %q or %q, got %q", EnvDev, EnvProd, c.Env))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required outside dev"))
	}
	if c.SMTPEnabled() && c.SMTP.From == "" {
		errs = append(errs, errors.New("smtp.from is required when smtp.host is set"))
	}

	w := c.Workers
	if w.AccrualInterval <= 0 || w.NotifyInterval <= 0 || w.ReminderInterval <= 0 {
		errs = append(errs, errors.New("worker intervals must be positive"))
	}
	if w.AccrualBatch <= 0 || w.NotifyBatch <= 0 {
		errs = append(errs, errors.New("worker batch sizes must be positive"))
	}
	if w.StuckAfter <= 0 {
		errs = append(errs, errors.New("workers.stuck_after must be positive"))
	}
	return errors.Join(errs...)
}
