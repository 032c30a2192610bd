package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Exchange.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Redis.CacheTTL)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.True(t, cfg.Ledger.ApprovalThreshold.IsZero())
	assert.Equal(t, 500, cfg.Ledger.MaxPageSize)
	assert.Equal(t, "bank-v1", cfg.Database.BankKeyID)
	assert.False(t, cfg.Database.BankEncryption())
	assert.Equal(t, 15*time.Minute, cfg.Reconciliation.Interval)
	assert.Equal(t, time.Hour, cfg.Reconciliation.Window)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("LEDGER_HTTP_ADDR", ":9090")
	t.Setenv("LEDGER_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LEDGER_LEDGER_APPROVAL_THRESHOLD", "10000.50")
	t.Setenv("LEDGER_RECONCILIATION_INTERVAL", "2m")
	t.Setenv("LEDGER_HTTP_ADMIN_CIDRS", "10.0.0.0/8, 192.168.1.0/24")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, decimal.RequireFromString("10000.5").Equal(cfg.Ledger.ApprovalThreshold))
	assert.Equal(t, 2*time.Minute, cfg.Reconciliation.Interval)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.0/24"}, cfg.HTTP.AdminCIDRs)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("LEDGER_CONFIG", "")
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  env: production
store:
  driver: postgres
database:
  url: postgres://ledger@localhost:5432/ledger
snapshots:
  path: /var/lib/ledger/proofs.db
http:
  admin_cidrs:
    - 10.0.0.0/8
  rate_limit_capacity: 20
  rate_limit_per_second: 5
  tls_cert_file: /etc/ledger/tls.crt
  tls_key_file: /etc/ledger/tls.key
exchange:
  grpc_target: custody:9443
  tls_ca_file: /etc/ledger/custody-ca.pem
redis:
  addr: redis:6379
reconciliation:
  signing_key: 0123456789abcdef0123456789abcdef
  signing_key_id: prod-1
  epsilon:
    btc: "0.0001"
    usd: "0.05"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/ledger/proofs.db", cfg.Snapshots.Path)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.HTTP.AdminCIDRs)
	assert.Equal(t, 20, cfg.HTTP.RateLimitCapacity)
	assert.Equal(t, 5.0, cfg.HTTP.RateLimitPerSecond)
	assert.Equal(t, "/etc/ledger/tls.key", cfg.HTTP.TLS.KeyFile)
	assert.Equal(t, "/etc/ledger/custody-ca.pem", cfg.Exchange.TLS.CAFile)
	assert.True(t, cfg.RateLimitEnabled())
	assert.Equal(t, "prod-1", cfg.Reconciliation.SigningKeyID)
	require.Len(t, cfg.Reconciliation.Epsilons, 2)
	assert.True(t, decimal.RequireFromString("0.0001").Equal(cfg.Reconciliation.Epsilons["BTC"]))
	assert.True(t, decimal.RequireFromString("0.05").Equal(cfg.Reconciliation.Epsilons["USD"]))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment: "development",
			Store:       StoreConfig{Driver: DriverMemory},
			Ledger:      LedgerConfig{MaxPageSize: 500},
			Reconciliation: ReconciliationConfig{
				Interval: time.Minute,
				Window:   time.Hour,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing env", mutate: func(c *Config) { c.Environment = "" }, wantErr: "app.env"},
		{name: "postgres without url", mutate: func(c *Config) { c.Store.Driver = DriverPostgres }, wantErr: "database.url"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "store.driver"},
		{
			name: "two bank keys",
			mutate: func(c *Config) {
				c.Database.BankKey = "k"
				c.Database.BankKeyFile = "/k"
			},
			wantErr: "only one",
		},
		{name: "bank key without id", mutate: func(c *Config) { c.Database.BankKey = "k" }, wantErr: "bank_key_id"},
		{name: "negative rate", mutate: func(c *Config) { c.HTTP.RateLimitCapacity = -1 }, wantErr: "rate limit"},
		{name: "capacity without rate", mutate: func(c *Config) { c.HTTP.RateLimitCapacity = 10 }, wantErr: "rate_limit_per_second"},
		{name: "cert without key", mutate: func(c *Config) { c.HTTP.TLS.CertFile = "tls.crt" }, wantErr: "tls_key_file"},
		{name: "negative threshold", mutate: func(c *Config) { c.Ledger.ApprovalThreshold = decimal.NewFromInt(-1) }, wantErr: "approval_threshold"},
		{name: "zero page size", mutate: func(c *Config) { c.Ledger.MaxPageSize = 0 }, wantErr: "max_page_size"},
		{name: "zero window", mutate: func(c *Config) { c.Reconciliation.Window = 0 }, wantErr: "window"},
		{
			name: "negative epsilon",
			mutate: func(c *Config) {
				c.Reconciliation.Epsilons = map[string]decimal.Decimal{"BTC": decimal.NewFromInt(-1)}
			},
			wantErr: "epsilon.BTC",
		},
		{name: "production on memory", mutate: func(c *Config) { c.Environment = "production" }, wantErr: "must be postgres"},
		{
			name: "staging with short key",
			mutate: func(c *Config) {
				c.Environment = "staging"
				c.Store.Driver = DriverPostgres
				c.Database.URL = "postgres://x"
				c.Reconciliation.SigningKey = "short"
			},
			wantErr: "signing_key",
		},
		{
			name: "production ok",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Store.Driver = DriverPostgres
				c.Database.URL = "postgres://x"
				c.Reconciliation.SigningKey = strings.Repeat("k", 32)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
