package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/tiered-ledger/internal/app"
	"github.com/example/tiered-ledger/internal/config"
	"github.com/example/tiered-ledger/internal/logging"
	"github.com/example/tiered-ledger/internal/reconciliation"
	"github.com/example/tiered-ledger/internal/security"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $LEDGER_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	err = run(cfg, logger)
	if err != nil {
		logger.Error("ledgerd exited", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to release resources", zap.Error(err))
		}
	}()

	router, err := a.Router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverTLS := security.TLSConfig{
		CertFile:          cfg.HTTP.TLS.CertFile,
		KeyFile:           cfg.HTTP.TLS.KeyFile,
		CAFile:            cfg.HTTP.TLS.CAFile,
		RequireClientAuth: cfg.HTTP.TLS.CAFile != "",
	}
	if serverTLS.CertFile != "" {
		tlsCfg, err := security.LoadServerTLSConfig(serverTLS)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("ledger api listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.Bool("tls", srv.TLSConfig != nil),
			zap.String("store", cfg.Store.Driver),
		)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := reconciliation.NewScheduler(a.Reconciliation, cfg.Reconciliation.Interval, logger).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
