package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Node       NodeConfig       `mapstructure:"node"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Auth       AuthConfig       `mapstructure:"auth"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, memory
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.DBName,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// MigrateURL returns the connection string in the form expected by the
// golang-migrate pgx/v5 driver.
func (d DatabaseConfig) MigrateURL() string {
	return "pgx5" + strings.TrimPrefix(d.DSN(), "postgres")
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// NodeConfig describes the wallet daemon's RPC endpoint.
type NodeConfig struct {
	URL            string        `mapstructure:"url"`
	Wallet         string        `mapstructure:"wallet"`
	Timeout        time.Duration `mapstructure:"timeout"`         // hard timeout for send
	BalanceTimeout time.Duration `mapstructure:"balance_timeout"` // account_balance / account_create
	RatePerSec     float64       `mapstructure:"rate_per_sec"`
	Burst          int           `mapstructure:"burst"`
}

type SettlementConfig struct {
	Workers      int           `mapstructure:"workers"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	RequeueDelay time.Duration `mapstructure:"requeue_delay"`
}

// AuthConfig holds the shared secret of the bot front-end.
type AuthConfig struct {
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	TimestampSkew time.Duration `mapstructure:"timestamp_skew"`
	NonceTTL      time.Duration `mapstructure:"nonce_ttl"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

type NotifyConfig struct {
	WebhookURL  string        `mapstructure:"webhook_url"` // empty: log only
	Timeout     time.Duration `mapstructure:"timeout"`
	OperatorIDs []string      `mapstructure:"operator_ids"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: TIPLEDGER_.
// Nested keys use underscore: TIPLEDGER_DATABASE_HOST, TIPLEDGER_NODE_URL, etc.
// A .env file in the working directory is loaded first if present; it never
// overrides variables already set in the process environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "tipledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("node.url", "http://localhost:7076")
	v.SetDefault("node.wallet", "")
	v.SetDefault("node.timeout", "2m")
	v.SetDefault("node.balance_timeout", "10s")
	v.SetDefault("node.rate_per_sec", 20.0)
	v.SetDefault("node.burst", 5)
	v.SetDefault("settlement.workers", 4)
	v.SetDefault("settlement.max_attempts", 20)
	v.SetDefault("settlement.backoff_base", "2s")
	v.SetDefault("settlement.backoff_max", "2m")
	v.SetDefault("settlement.lock_timeout", "5s")
	v.SetDefault("settlement.lock_ttl", "5m")
	v.SetDefault("settlement.requeue_delay", "500ms")
	v.SetDefault("auth.client_id", "tipbot")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.timestamp_skew", "5m")
	v.SetDefault("auth.nonce_ttl", "10m")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("jwt.issuer", "tipledger")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.operator_ids", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: TIPLEDGER_DATABASE_HOST -> database.host
	v.SetEnvPrefix("TIPLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults alone cannot guarantee.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Settlement.Workers < 1 {
		return errors.New("settlement.workers must be at least 1")
	}
	if c.Settlement.MaxAttempts < 1 {
		return errors.New("settlement.max_attempts must be at least 1")
	}
	if c.Settlement.BackoffBase <= 0 || c.Settlement.BackoffMax < c.Settlement.BackoffBase {
		return errors.New("settlement.backoff_max must be >= backoff_base > 0")
	}
	// A lease shorter than a send could expire mid-broadcast and admit a second sender.
	if c.Settlement.LockTTL <= c.Node.Timeout {
		return fmt.Errorf("settlement.lock_ttl (%s) must exceed node.timeout (%s)", c.Settlement.LockTTL, c.Node.Timeout)
	}
	if c.Node.URL == "" {
		return errors.New("node.url is required")
	}
	return nil
}
