package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/mitate/config"
	"github.com/alejandrodnm/mitate/internal/adapters/notify"
	"github.com/alejandrodnm/mitate/internal/adapters/rippled"
	"github.com/alejandrodnm/mitate/internal/adapters/storage"
	"github.com/alejandrodnm/mitate/internal/application/engine"
	"github.com/alejandrodnm/mitate/internal/application/ledgersync"
	"github.com/alejandrodnm/mitate/internal/application/scheduler"
	"github.com/alejandrodnm/mitate/internal/application/settlement"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath   string
	verbose      bool
	logFormat    string
	once         bool
	report       bool
	payouts      bool
	reportEvery  time.Duration
	backfillFrom uint
	backfillTo   uint
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "config/config.yaml", "path to config file")
	flag.BoolVar(&opts.verbose, "verbose", false, "set log level to debug")
	flag.StringVar(&opts.logFormat, "format", "", "log format: text|json (overrides config)")
	flag.BoolVar(&opts.once, "once", false, "run one close/finalize sweep and exit")
	flag.BoolVar(&opts.report, "report", false, "print the settlement report and exit")
	flag.BoolVar(&opts.payouts, "payouts", false, "include per-market payouts in reports")
	flag.DurationVar(&opts.reportEvery, "report-every", 0, "print the report periodically while running (0 = never)")
	flag.UintVar(&opts.backfillFrom, "backfill-from", 0, "backfill ledgers starting at this index and exit")
	flag.UintVar(&opts.backfillTo, "backfill-to", 0, "last ledger to backfill (0 = latest validated)")
	flag.Parse()

	if err := run(opts); err != nil {
		slog.Error("mitate exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("mitate stopped cleanly")
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("mitate starting",
		"config", opts.configPath,
		"rpc", cfg.Ledger.RPCURL,
		"operator", cfg.Ledger.OperatorAddress,
		"weighted_shares", cfg.Settlement.WeightedShares,
	)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	seed, err := cfg.EscrowSeed()
	if err != nil {
		store.Close()
		return err
	}

	client := rippled.NewClient(cfg.Ledger.RPCURL, cfg.Ledger.RPCRatePerSec)
	core, err := engine.New(engine.Config{
		Operator:   cfg.Ledger.OperatorAddress,
		Issuer:     cfg.Issuer(),
		EscrowSeed: seed,
		Settlement: settlement.Config{
			PayoutBatchSize: cfg.Settlement.PayoutBatchSize,
			WeightedShares:  cfg.Settlement.WeightedShares,
		},
		Sync: ledgersync.Config{
			QueueSize:       cfg.Sync.QueueSize,
			CheckpointEvery: cfg.Sync.CheckpointEvery,
			MaxRetries:      cfg.Sync.MaxRetries,
			RetryWait:       cfg.RetryWait(),
			StartLedger:     cfg.Sync.StartLedger,
		},
		Scheduler: scheduler.Config{
			CloseSpec:    cfg.Scheduler.CloseSpec,
			FinalizeSpec: cfg.Scheduler.FinalizeSpec,
		},
	}, engine.Deps{
		Storage:  store,
		Reader:   client,
		Stream:   rippled.NewStream(cfg.Ledger.WSURL),
		Reporter: notify.NewConsole(opts.payouts),
	})
	if err != nil {
		store.Close()
		return err
	}
	defer core.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case opts.backfillFrom > 0:
		return backfill(ctx, core, client, uint32(opts.backfillFrom), uint32(opts.backfillTo))
	case opts.once:
		return core.Scheduler.RunOnce(ctx)
	case opts.report:
		return core.Publish(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Run(gctx) })
	if opts.reportEvery > 0 {
		g.Go(func() error { return reportLoop(gctx, core, opts.reportEvery) })
	}
	return g.Wait()
}

func backfill(ctx context.Context, core *engine.Core, client *rippled.Client, from, to uint32) error {
	if to == 0 {
		latest, err := client.LatestValidatedLedger(ctx)
		if err != nil {
			return err
		}
		to = latest
	}
	err := core.Sync.Backfill(ctx, from, to)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func reportLoop(ctx context.Context, core *engine.Core, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := core.Publish(ctx); err != nil {
				slog.Warn("report failed", "err", err)
			}
		}
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
