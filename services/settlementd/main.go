package settlementd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"p2pescrow/observability"
	"p2pescrow/observability/logging"
	telemetry "p2pescrow/observability/otel"
	"p2pescrow/services/settlementd/confirm"
	"p2pescrow/services/settlementd/deposit"
	"p2pescrow/services/settlementd/jobs"
	"p2pescrow/services/settlementd/ledger"
	"p2pescrow/services/settlementd/recon"
	"p2pescrow/services/settlementd/settle"
	"p2pescrow/services/settlementd/trade"
	"p2pescrow/services/settlementd/wallet"
	"p2pescrow/storage"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("settlementd", cfg.Env, logging.WithFile(logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}), logging.WithLevel(os.Getenv("SETTLEMENTD_LOG_LEVEL")))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("settlementd", cfg.Env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o750); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	kv, err := storage.NewLevelDB(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer kv.Close()
	journal := storage.NewJournal(kv, nil)

	client, err := wallet.NewRPCClient(wallet.RPCConfig{
		WalletURL:    cfg.Wallet.URL,
		DaemonURL:    cfg.Wallet.DaemonURL,
		Username:     cfg.Wallet.Username,
		Password:     cfg.Wallet.Token,
		Timeout:      cfg.Wallet.Timeout.Duration,
		RateLimit:    cfg.Wallet.RateLimit,
		Burst:        cfg.Wallet.Burst,
		MaxRetries:   cfg.Wallet.MaxRetries,
		AccountIndex: cfg.Wallet.AccountIndex,
		Priority:     cfg.Wallet.Priority,
	})
	if err != nil {
		return fmt.Errorf("init wallet client: %w", err)
	}
	logger.Info("wallet rpc configured",
		slog.String("wallet_url", cfg.Wallet.URL),
		slog.String("daemon_url", cfg.Wallet.DaemonURL),
		logging.MaskField("wallet_username", cfg.Wallet.Username),
		logging.MaskField("wallet_token", cfg.Wallet.Token))

	policy := cfg.Policy()
	metrics := observability.Settlementd()
	escrowLedger := ledger.New(nil)
	machine := trade.NewMachine(trade.WithLogger(logger))

	processors := &jobs.Processors{DB: db, Machine: machine, Logger: logger}
	dispatcher := jobs.NewDispatcher(processors, jobs.Config{
		Workers:       cfg.Jobs.Workers,
		QueueCapacity: cfg.Jobs.QueueCapacity,
		MaxAttempts:   cfg.Jobs.MaxAttempts,
		RetryInitial:  cfg.Jobs.RetryInitial.Duration,
		RetryMax:      cfg.Jobs.RetryMax.Duration,
	}, jobs.WithLogger(logger), jobs.WithMetrics(metrics))
	processors.Scanner = deposit.NewScanner(db, escrowLedger, client, policy, dispatcher,
		deposit.WithLogger(logger), deposit.WithMetrics(metrics))
	processors.Advancer = confirm.NewAdvancer(db, escrowLedger, machine, policy,
		confirm.WithLogger(logger), confirm.WithMetrics(metrics))
	processors.Broadcaster = settle.NewBroadcaster(db, escrowLedger, machine, client, journal, policy,
		settle.WithLogger(logger), settle.WithMetrics(metrics))

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:         db,
		Ledger:     escrowLedger,
		Journal:    journal,
		Policy:     policy,
		OutputDir:  cfg.Recon.OutputDir,
		StaleAfter: cfg.Recon.StaleAfter.Duration,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	poller := jobs.NewPoller(db, dispatcher, client, cfg.Jobs.PollInterval.Duration, logger, metrics)

	auth, err := NewAuthenticator(AuthConfig{
		HMACSecret: cfg.Admin.JWTSecret,
		Issuer:     cfg.Admin.Issuer,
		Audience:   cfg.Admin.Audience,
		ClockSkew:  cfg.Admin.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return err
	}
	adminServer := NewAdminServer(AdminDeps{
		DB:          db,
		Ledger:      escrowLedger,
		Machine:     machine,
		Broadcaster: processors.Broadcaster,
		Reconciler:  reconciler,
		Client:      client,
		Jobs:        dispatcher,
		Poller:      poller,
		Auth:        auth,
		Policy:      policy,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Admin.Listen,
		Handler:      adminServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if pending, err := journal.List(); err == nil && len(pending) > 0 {
		logger.Warn("settlement journal has outstanding entries; reconcile before settling affected trades",
			slog.Int("entries", len(pending)))
	}

	dispatcher.Start(stopCtx)
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		poller.Run(stopCtx)
	}()
	go func() {
		defer background.Done()
		recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Interval:   cfg.Recon.Interval.Duration,
			Logger:     logger,
		}).Start(stopCtx)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening",
			slog.String("addr", cfg.Admin.Listen),
			slog.Uint64("required_confirmations", policy.RequiredConfirmations),
			slog.Int("fee_bps", int(policy.FeeBasisPoints)))
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		if runErr == nil {
			runErr = err
		}
	}
	background.Wait()
	dispatcher.Stop()
	logger.Info("settlementd stopped")
	return runErr
}
