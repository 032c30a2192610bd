// Package app assembles the ledger components from configuration.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/api"
	"github.com/example/tiered-ledger/internal/config"
	"github.com/example/tiered-ledger/internal/crypto"
	"github.com/example/tiered-ledger/internal/events"
	"github.com/example/tiered-ledger/internal/exchange"
	"github.com/example/tiered-ledger/internal/keylock"
	"github.com/example/tiered-ledger/internal/ledger"
	"github.com/example/tiered-ledger/internal/metrics"
	"github.com/example/tiered-ledger/internal/reconciliation"
	"github.com/example/tiered-ledger/internal/security"
	"github.com/example/tiered-ledger/internal/store/memory"
	"github.com/example/tiered-ledger/internal/store/postgres"
	"github.com/example/tiered-ledger/internal/store/sqlite"
	"github.com/example/tiered-ledger/pkg/audit"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Collector

	Ledger         *ledger.Ledger
	Allocations    *allocation.Tracker
	Reconciliation *reconciliation.Engine
	Publisher      events.Publisher
	Auditor        *audit.ChainLogger
	Redis          redis.UniversalClient

	// Balances is set when no custody target is configured, so operators and tests
	// can seed exchange balances in process.
	Balances *exchange.StaticProvider

	closers []func() error
}

// New builds every component cfg asks for. On error the components built so far are
// released.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.NewCollector()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	ledgerStore, allocStore, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	snapshots, err := a.openSnapshots()
	if err != nil {
		return nil, err
	}

	a.Publisher = events.LogPublisher{Logger: logger.Named("events")}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		a.Publisher = kp
		a.closers = append(a.closers, kp.Close)
	}

	if cfg.Redis.Addr != "" {
		client, err := exchange.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
	}

	provider, err := a.balanceProvider()
	if err != nil {
		return nil, err
	}

	signingKey := []byte(cfg.Reconciliation.SigningKey)
	locker := keylock.New()
	a.Ledger = ledger.New(ledgerStore, ledger.Options{
		Logger:            logger,
		Locker:            locker,
		Publisher:         a.Publisher,
		Metrics:           a.Metrics,
		ApprovalThreshold: cfg.Ledger.ApprovalThreshold,
		MaxPageSize:       cfg.Ledger.MaxPageSize,
	})
	a.Allocations = allocation.NewTracker(allocStore, allocation.Options{
		Logger:    logger,
		Locker:    locker,
		Metrics:   a.Metrics,
		Publisher: a.Publisher,
	})
	a.Reconciliation = reconciliation.NewEngine(a.Allocations, provider, snapshots, reconciliation.Options{
		Logger:       logger,
		Metrics:      a.Metrics,
		Publisher:    a.Publisher,
		FetchTimeout: cfg.Exchange.Timeout,
		Window:       cfg.Reconciliation.Window,
		SigningKey:   signingKey,
		SigningKeyID: cfg.Reconciliation.SigningKeyID,
		Epsilons:     cfg.Reconciliation.Epsilons,
	})
	a.Auditor = audit.NewChainLogger(signingKey)

	return a, nil
}

func (a *App) openStores(ctx context.Context) (ledger.Store, allocation.Repository, error) {
	cfg := a.Config
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if cfg.Database.Migrate {
			if err := postgres.Migrate(cfg.Database.URL); err != nil {
				return nil, nil, err
			}
			a.Logger.Info("database migrations applied")
		}
		store, err := postgres.Open(ctx, cfg.Database.URL, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if cfg.Database.BankEncryption() {
			enc, err := bankEncryptor(cfg.Database)
			if err != nil {
				return nil, nil, err
			}
			store.UseFieldCipher(enc)
			a.Logger.Info("bank account details are encrypted at rest", zap.String("key_id", cfg.Database.BankKeyID))
		}
		return store, store.Allocations(), nil
	case config.DriverMemory:
		a.Logger.Warn("using in-memory store, balances are lost on restart")
		return memory.NewLedgerStore(), memory.NewAllocationStore(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func bankEncryptor(db config.DatabaseConfig) (*crypto.AEADEncryptor, error) {
	var (
		key []byte
		err error
	)
	if db.BankKeyFile != "" {
		key, err = crypto.LoadKeyFile(db.BankKeyFile)
	} else {
		key, err = crypto.ParseKey(db.BankKey)
	}
	if err != nil {
		return nil, fmt.Errorf("database bank key: %w", err)
	}
	kms := crypto.NewLocalKMS()
	if err := kms.AddKey(db.BankKeyID, key); err != nil {
		return nil, err
	}
	return crypto.NewAEADEncryptor(kms, db.BankKeyID), nil
}

func (a *App) openSnapshots() (reconciliation.SnapshotRepository, error) {
	if a.Config.Snapshots.Path == "" {
		return memory.NewSnapshotStore(), nil
	}
	store, err := sqlite.Open(a.Config.Snapshots.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) balanceProvider() (reconciliation.ExchangeBalanceProvider, error) {
	cfg := a.Config
	if cfg.Exchange.GRPCTarget == "" {
		a.Logger.Warn("no custody target configured, exchange balances come from the static provider")
		a.Balances = exchange.NewStaticProvider()
		return a.Balances, nil
	}

	files := security.TLSConfig{
		CertFile: cfg.Exchange.TLS.CertFile,
		KeyFile:  cfg.Exchange.TLS.KeyFile,
		CAFile:   cfg.Exchange.TLS.CAFile,
	}
	var tlsCfg *tls.Config
	if files.Enabled() {
		loaded, err := security.LoadClientTLSConfig(files)
		if err != nil {
			return nil, err
		}
		tlsCfg = loaded
	}
	client, closer, err := exchange.Dial(cfg.Exchange.GRPCTarget, tlsCfg, a.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closer)

	if a.Redis == nil {
		return client, nil
	}
	return exchange.NewCachedProvider(client, a.Redis, cfg.Redis.CacheTTL, a.Logger), nil
}

// Router builds the HTTP handler over the wired components.
func (a *App) Router() (http.Handler, error) {
	cfg := a.Config
	allow, err := security.ParseCIDRAllowlist(cfg.HTTP.AdminCIDRs)
	if err != nil {
		return nil, err
	}

	var limiter *security.RedisTokenBucket
	if cfg.RateLimitEnabled() && a.Redis != nil {
		limiter = &security.RedisTokenBucket{
			Redis:      a.Redis,
			Prefix:     "ledger_api",
			Capacity:   cfg.HTTP.RateLimitCapacity,
			RefillRate: cfg.HTTP.RateLimitPerSecond,
			Logger:     a.Logger,
		}
	}

	return api.NewRouter(api.Dependencies{
		Logger:         a.Logger,
		Metrics:        a.Metrics,
		Ledger:         a.Ledger,
		Allocations:    a.Allocations,
		Reconciliation: a.Reconciliation,
		Auditor:        a.Auditor,
		RateLimiter:    limiter,
		AdminAllowlist: allow,
	})
}

// Close releases connections and files, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
