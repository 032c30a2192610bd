package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	minSigningKeyLength = 32
)

// Config holds the application configuration.
type Config struct {
	Environment    string
	HTTP           HTTPConfig
	Store          StoreConfig
	Database       DatabaseConfig
	Snapshots      SnapshotsConfig
	Exchange       ExchangeConfig
	Redis          RedisConfig
	Kafka          KafkaConfig
	Ledger         LedgerConfig
	Reconciliation ReconciliationConfig
}

type HTTPConfig struct {
	Addr string
	// AdminCIDRs restricts the reconciliation run and proof routes. Empty allows all.
	AdminCIDRs         []string
	RateLimitCapacity  int
	RateLimitPerSecond float64
	TLS                TLSFiles
}

// TLSFiles names PEM files on disk. CAFile verifies the peer.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

type StoreConfig struct {
	Driver string
}

// DatabaseConfig also carries the master key that seals bank account details at
// rest. BankKey is hex or base64; BankKeyFile names a file holding the same.
type DatabaseConfig struct {
	URL         string
	Migrate     bool
	BankKey     string
	BankKeyFile string
	BankKeyID   string
}

// BankEncryption reports whether bank account details are sealed at rest.
func (d DatabaseConfig) BankEncryption() bool {
	return d.BankKey != "" || d.BankKeyFile != ""
}

// SnapshotsConfig locates the sqlite proof-of-reserves file. An empty path keeps
// snapshots in memory.
type SnapshotsConfig struct {
	Path string
}

type ExchangeConfig struct {
	GRPCTarget string
	Timeout    time.Duration
	TLS        TLSFiles
}

type RedisConfig struct {
	Addr     string
	CacheTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LedgerConfig struct {
	ApprovalThreshold decimal.Decimal
	MaxPageSize       int
}

type ReconciliationConfig struct {
	Interval     time.Duration
	Window       time.Duration
	SigningKey   string
	SigningKeyID string
	// Epsilons are keyed by upper-case asset symbol.
	Epsilons map[string]decimal.Decimal
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.admin_cidrs", "")
	v.SetDefault("http.rate_limit_capacity", 0)
	v.SetDefault("http.rate_limit_per_second", 0)
	v.SetDefault("http.tls_cert_file", "")
	v.SetDefault("http.tls_key_file", "")
	v.SetDefault("http.tls_client_ca_file", "")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.bank_key", "")
	v.SetDefault("database.bank_key_file", "")
	v.SetDefault("database.bank_key_id", "bank-v1")
	v.SetDefault("snapshots.path", "")
	v.SetDefault("exchange.grpc_target", "")
	v.SetDefault("exchange.timeout", "5s")
	v.SetDefault("exchange.tls_cert_file", "")
	v.SetDefault("exchange.tls_key_file", "")
	v.SetDefault("exchange.tls_ca_file", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "ledger.events")
	v.SetDefault("ledger.approval_threshold", "0")
	v.SetDefault("ledger.max_page_size", 500)
	v.SetDefault("reconciliation.interval", "15m")
	v.SetDefault("reconciliation.window", "1h")
	v.SetDefault("reconciliation.signing_key", "")
	v.SetDefault("reconciliation.signing_key_id", "")
}

// Load reads defaults, then the YAML file at path (or LEDGER_CONFIG when path is
// empty), then LEDGER_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("LEDGER_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: strings.ToLower(strings.TrimSpace(v.GetString("app.env"))),
		HTTP: HTTPConfig{
			Addr:               v.GetString("http.addr"),
			AdminCIDRs:         splitList(v.GetStringSlice("http.admin_cidrs")),
			RateLimitCapacity:  v.GetInt("http.rate_limit_capacity"),
			RateLimitPerSecond: v.GetFloat64("http.rate_limit_per_second"),
			TLS: TLSFiles{
				CertFile: v.GetString("http.tls_cert_file"),
				KeyFile:  v.GetString("http.tls_key_file"),
				CAFile:   v.GetString("http.tls_client_ca_file"),
			},
		},
		Store:       StoreConfig{Driver: strings.ToLower(v.GetString("store.driver"))},
		Database: DatabaseConfig{
			URL:         v.GetString("database.url"),
			Migrate:     v.GetBool("database.migrate"),
			BankKey:     v.GetString("database.bank_key"),
			BankKeyFile: v.GetString("database.bank_key_file"),
			BankKeyID:   v.GetString("database.bank_key_id"),
		},
		Snapshots: SnapshotsConfig{Path: v.GetString("snapshots.path")},
		Exchange: ExchangeConfig{
			GRPCTarget: v.GetString("exchange.grpc_target"),
			Timeout:    v.GetDuration("exchange.timeout"),
			TLS: TLSFiles{
				CertFile: v.GetString("exchange.tls_cert_file"),
				KeyFile:  v.GetString("exchange.tls_key_file"),
				CAFile:   v.GetString("exchange.tls_ca_file"),
			},
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			CacheTTL: v.GetDuration("redis.cache_ttl"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Ledger: LedgerConfig{MaxPageSize: v.GetInt("ledger.max_page_size")},
		Reconciliation: ReconciliationConfig{
			Interval:     v.GetDuration("reconciliation.interval"),
			Window:       v.GetDuration("reconciliation.window"),
			SigningKey:   v.GetString("reconciliation.signing_key"),
			SigningKeyID: v.GetString("reconciliation.signing_key_id"),
			Epsilons:     map[string]decimal.Decimal{},
		},
	}

	threshold, err := decimal.NewFromString(v.GetString("ledger.approval_threshold"))
	if err != nil {
		return nil, fmt.Errorf("ledger.approval_threshold: %w", err)
	}
	cfg.Ledger.ApprovalThreshold = threshold

	for asset, raw := range v.GetStringMapString("reconciliation.epsilon") {
		eps, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("reconciliation.epsilon.%s: %w", asset, err)
		}
		cfg.Reconciliation.Epsilons[strings.ToUpper(asset)] = eps
	}
	return cfg, nil
}

// splitList flattens YAML lists and comma separated env values.
func splitList(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "app.env")
	}
	if c.Store.Driver == DriverPostgres && c.Database.URL == "" {
		missing = append(missing, "database.url")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}

	if c.Store.Driver != DriverMemory && c.Store.Driver != DriverPostgres {
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverMemory, DriverPostgres, c.Store.Driver)
	}
	if c.Database.BankKey != "" && c.Database.BankKeyFile != "" {
		return errors.New("set only one of database.bank_key and database.bank_key_file")
	}
	if c.Database.BankEncryption() && c.Database.BankKeyID == "" {
		return errors.New("database.bank_key_id is required when bank encryption is enabled")
	}
	if c.HTTP.RateLimitCapacity < 0 || c.HTTP.RateLimitPerSecond < 0 {
		return errors.New("http rate limit settings must not be negative")
	}
	if c.HTTP.RateLimitCapacity > 0 && c.HTTP.RateLimitPerSecond == 0 {
		return errors.New("http.rate_limit_per_second is required when http.rate_limit_capacity is set")
	}
	if (c.HTTP.TLS.CertFile == "") != (c.HTTP.TLS.KeyFile == "") {
		return errors.New("http.tls_cert_file and http.tls_key_file must be set together")
	}
	if c.Ledger.ApprovalThreshold.IsNegative() {
		return errors.New("ledger.approval_threshold must not be negative")
	}
	if c.Ledger.MaxPageSize <= 0 {
		return errors.New("ledger.max_page_size must be positive")
	}
	if c.Reconciliation.Interval <= 0 || c.Reconciliation.Window <= 0 {
		return errors.New("reconciliation.interval and reconciliation.window must be positive")
	}
	for asset, eps := range c.Reconciliation.Epsilons {
		if eps.IsNegative() {
			return fmt.Errorf("reconciliation.epsilon.%s must not be negative", asset)
		}
	}

	// Production deployments keep balances in postgres and sign proofs with a real key.
	if c.IsProduction() {
		if c.Store.Driver != DriverPostgres {
			return errors.New("store.driver must be postgres for " + c.Environment)
		}
		if len(c.Reconciliation.SigningKey) < minSigningKeyLength {
			return fmt.Errorf("reconciliation.signing_key must be at least %d bytes for %s", minSigningKeyLength, c.Environment)
		}
	}
	return nil
}

// RateLimitEnabled reports whether the redis token bucket should guard /v1.
func (c *Config) RateLimitEnabled() bool {
	return c.Redis.Addr != "" && c.HTTP.RateLimitCapacity > 0
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}
