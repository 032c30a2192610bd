// Command reconciler runs reconciliation passes against the configured stores without
// serving the HTTP API. By default it runs once and exits non-zero when any pair is
// over-allocated or the proof chain fails verification.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/app"
	"github.com/example/tiered-ledger/internal/config"
	"github.com/example/tiered-ledger/internal/logging"
	"github.com/example/tiered-ledger/internal/reconciliation"
)

var errOverAllocated = errors.New("over-allocated pairs found")

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $LEDGER_CONFIG)")
	loop := flag.Bool("loop", false, "keep reconciling on reconciliation.interval until interrupted")
	verify := flag.Bool("verify", true, "verify the proof chain after the pass")
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
	os.Exit(run(cfg, logger, *loop, *verify))
}

func run(cfg *config.Config, logger *zap.Logger, loop, verify bool) int {
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return 1
	}
	defer func() { _ = a.Close() }()

	if loop {
		err := reconciliation.NewScheduler(a.Reconciliation, cfg.Reconciliation.Interval, logger).Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
			return 1
		}
		return 0
	}

	if err := once(ctx, a.Reconciliation, verify, os.Stdout); err != nil {
		logger.Error("reconciliation failed", zap.Error(err))
		return 2
	}
	return 0
}

func once(ctx context.Context, engine *reconciliation.Engine, verify bool, out io.Writer) error {
	result, err := engine.Reconcile(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	if verify {
		v, err := engine.VerifySnapshots(ctx)
		if err != nil {
			return err
		}
		if !v.Valid {
			return fmt.Errorf("proof chain invalid after %d snapshots: %s", v.Checked, v.Reason)
		}
	}

	for _, entry := range result.Report.Reconciliation {
		if entry.Status == reconciliation.StatusOverAllocated {
			return errOverAllocated
		}
	}
	return nil
}
