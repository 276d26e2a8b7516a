package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Session     SessionConfig     `mapstructure:"session"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test

	// CommandRateLimit caps money-moving commands per wallet per minute.
	// Enforced only when redis is enabled; 0 disables it.
	CommandRateLimit int `mapstructure:"command_rate_limit"`
}

type DatabaseConfig struct {
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
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	ReplayTTL time.Duration `mapstructure:"replay_ttl"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SessionConfig configures validation of the unlock token issued by the
// session layer.
type SessionConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type VaultConfig struct {
	ScryptN int `mapstructure:"scrypt_n"`
}

// TokenConfig describes an ERC-20 token the chain client can move.
// An empty address means the chain's native asset.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

type ChainConfig struct {
	RPCURLs        []string               `mapstructure:"rpc_urls"`
	ChainID        int64                  `mapstructure:"chain_id"`
	ReceiptTimeout time.Duration          `mapstructure:"receipt_timeout"`
	PollInterval   time.Duration          `mapstructure:"poll_interval"`
	RatePerSecond  float64                `mapstructure:"rate_per_second"`
	Tokens         map[string]TokenConfig `mapstructure:"tokens"`
}

type ProviderConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	// Secret signs every request with HMAC-SHA256; empty sends unsigned.
	Secret        string        `mapstructure:"secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

// PolicyConfig is the fail-closed policy applied to wallets with no
// policy row. Amounts are decimal strings; empty means unlimited.
type PolicyConfig struct {
	DailyLimit           string   `mapstructure:"daily_limit"`
	PerTxLimit           string   `mapstructure:"per_tx_limit"`
	MaxTxPerDay          int      `mapstructure:"max_tx_per_day"`
	AllowedTokens        []string `mapstructure:"allowed_tokens"`
	RequireApprovalAbove string   `mapstructure:"require_approval_above"`
}

type IdempotencyConfig struct {
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	PendingGrace time.Duration `mapstructure:"pending_grace"`
}

type AuditConfig struct {
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
}

type ReconcileConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	OlderThan time.Duration `mapstructure:"older_than"`
	BatchSize int           `mapstructure:"batch_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: AW_.
// Nested keys use underscore: AW_DATABASE_HOST, AW_SESSION_SECRET, etc.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// AW_DATABASE_HOST -> database.host
	v.SetEnvPrefix("AW")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings that would silently weaken the gatekeeper.
func (c *Config) Validate() error {
	if c.Idempotency.StaleAfter <= 0 {
		return fmt.Errorf("idempotency.stale_after must be positive")
	}
	if c.Idempotency.PendingGrace < 0 {
		return fmt.Errorf("idempotency.pending_grace must not be negative")
	}
	if c.Audit.MaxPayloadBytes <= 0 {
		return fmt.Errorf("audit.max_payload_bytes must be positive")
	}
	if c.Policy.MaxTxPerDay < 0 {
		return fmt.Errorf("policy.max_tx_per_day must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.command_rate_limit", 30)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "agentswallets")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.replay_ttl", "24h")

	v.SetDefault("session.secret", "")
	v.SetDefault("session.issuer", "agentswallets")

	v.SetDefault("vault.scrypt_n", 1<<15)

	v.SetDefault("chain.rpc_urls", []string{"https://polygon-rpc.com"})
	v.SetDefault("chain.chain_id", 137)
	v.SetDefault("chain.receipt_timeout", "90s")
	v.SetDefault("chain.poll_interval", "2s")
	v.SetDefault("chain.rate_per_second", 5.0)

	v.SetDefault("provider.base_url", "http://127.0.0.1:8788")
	v.SetDefault("provider.secret", "")
	v.SetDefault("provider.timeout", "15s")
	v.SetDefault("provider.rate_per_second", 2.0)

	v.SetDefault("policy.daily_limit", "100")
	v.SetDefault("policy.per_tx_limit", "25")
	v.SetDefault("policy.max_tx_per_day", 10)
	v.SetDefault("policy.allowed_tokens", []string{"USDC", "POL"})
	v.SetDefault("policy.require_approval_above", "")

	v.SetDefault("idempotency.stale_after", "48h")
	v.SetDefault("idempotency.pending_grace", "2m")

	v.SetDefault("audit.max_payload_bytes", 8192)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "5m")
	v.SetDefault("reconcile.older_than", "10m")
	v.SetDefault("reconcile.batch_size", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}
