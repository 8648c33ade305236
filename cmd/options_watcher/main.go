package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"options_watcher/internal/cache"
	"options_watcher/internal/config"
	"options_watcher/internal/ingest"
	"options_watcher/internal/logger"
	"options_watcher/internal/market"
	"options_watcher/internal/market/alpaca"
	"options_watcher/internal/metrics"
	"options_watcher/internal/models"
	"options_watcher/internal/reconcile"
	"options_watcher/internal/storage"
	"options_watcher/internal/telegram"
	"options_watcher/internal/watcher"
)

const VersionFile = "version.latest"

const (
	initialLoadTimeout = 2 * time.Minute
	shutdownTimeout    = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "options watcher:", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		Filename:   cfg.LogFile,
		MaxSizeMB:  int64(cfg.MaxLogSizeMB),
		MaxBackups: cfg.MaxLogBackups,
	})
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	version := readVersion()
	cfg.LogEffective(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Storage
	repo, err := storage.NewRepository(cfg.DatabasePath, cfg.MarketLocation)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	riskStore := storage.NewRiskStore(cfg.RiskStateFile, log.Named("riskstate"))
	saved, err := riskStore.Load()
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}

	// 3. Broker
	accounts := cfg.EnabledAccounts()
	if len(accounts) == 0 {
		return errors.New("no enabled accounts")
	}
	creds := make([]alpaca.Credentials, 0, len(accounts))
	accountIDs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		creds = append(creds, alpaca.Credentials{
			AccountID: a.ID,
			APIKey:    a.APIKey,
			APISecret: a.APISecret,
			BaseURL:   a.BaseURL,
		})
		accountIDs = append(accountIDs, a.ID)
	}
	provider := alpaca.NewProvider(creds, cfg.CallTimeout, log.Named("alpaca"))
	clock := alpaca.NewBrokerClock(creds[0], market.NewCalendar(cfg.MarketLocation), cfg.CallTimeout, log.Named("clock"))

	// 4. Position cache, seeded with persisted risk parameters
	positions := cache.New(provider,
		cache.WithGateway(provider),
		cache.WithLogger(log.Named("cache")),
		cache.WithCallTimeout(cfg.CallTimeout),
	)
	positions.SeedRiskState(saved)
	persister := watcher.NewPersister(positions, riskStore, log.Named("riskstate"))

	// 5. Telegram
	var tg *telegram.Client
	var notifier watcher.Notifier
	if cfg.TelegramEnabled() {
		tg, err = telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramChatID, log.Named("telegram"))
		if err != nil {
			return err
		}
		notifier = tg
	} else {
		log.Warn("telegram not configured, alerts are logged only")
	}

	alerter := watcher.NewAlerter(positions, notifier, watcher.AlertConfig{
		AutoExecute:     cfg.AutoExecute,
		ConfirmationTTL: cfg.ConfirmationTTL,
		Debounce:        watcher.DefaultAlertConfig().Debounce,
		RetryInterval:   watcher.DefaultAlertConfig().RetryInterval,
	}, persister.SaveQuietly, log.Named("alerts"))

	// 6. Monitors
	manager := watcher.NewManager(positions, clock, alerter, watcher.IntervalsFromConfig(cfg), log.Named("watcher"))
	for _, id := range accountIDs {
		if err := manager.Start(ctx, id); err != nil {
			log.Error("start monitor failed", zap.String("account", id), zap.Error(err))
		}
	}
	if !manager.WaitForInitialLoad(initialLoadTimeout) {
		log.Warn("initial load still running", zap.Duration("waited", initialLoadTimeout))
	}

	for _, id := range accountIDs {
		go streamOrders(ctx, provider, positions, id, log)
	}

	// 7. Fill ingestion
	syncer := ingest.NewSyncer(provider, repo, reconcile.New(log.Named("reconcile"), cfg.MarketLocation),
		cfg.FillHistoryStart, cfg.CallTimeout, log.Named("ingest"))
	runner := ingest.NewRunner(ctx, log.Named("cron"))
	if _, err := runner.ScheduleSync(cfg.IngestSchedule, syncer, func() []string { return accountIDs }); err != nil {
		return fmt.Errorf("schedule ingest %q: %w", cfg.IngestSchedule, err)
	}
	// accounts that had nothing to monitor at startup are rechecked on the
	// ingest cadence
	if _, err := runner.Add(cfg.IngestSchedule, func(ctx context.Context) {
		if ids := manager.RestartIdle(ctx); len(ids) > 0 {
			log.Info("restarted idle monitors", zap.Strings("accounts", ids))
		}
	}); err != nil {
		return fmt.Errorf("schedule idle restart: %w", err)
	}
	go syncer.SyncAll(ctx, accountIDs)
	runner.Start()

	// 8. Metrics
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// 9. Commands and callbacks
	cmds := watcher.NewCommands(positions, manager, alerter, repo, persister.SaveQuietly, clock, watcher.CommandsConfig{
		DefaultTrailingStopPct: cfg.DefaultTrailingStopPct,
		DefaultTakeProfitPct:   cfg.DefaultTakeProfitPct,
		AutoExecute:            cfg.AutoExecute,
	})
	if tg != nil {
		go tg.Listen(ctx, cmds.Handle, alerter.HandleCallback)
		msg := fmt.Sprintf("🚀 Options Watcher %s started\nAccounts: %s", version, strings.Join(manager.Running(), ", "))
		if err := tg.Notify(ctx, msg); err != nil {
			log.Warn("startup notification failed", zap.Error(err))
		}
	}

	log.Info("options watcher initialized",
		zap.String("version", version),
		zap.Strings("accounts", accountIDs),
		zap.Bool("auto_execute", cfg.AutoExecute))

	<-ctx.Done()
	log.Info("⚠️ shutting down: system signal received")

	// 10. Shutdown
	if err := manager.StopAll(shutdownTimeout); err != nil {
		log.Warn("monitors did not stop cleanly", zap.Error(err))
	}
	if err := persister.Save(); err != nil {
		log.Error("final risk state save failed", zap.Error(err))
	}
	runner.Stop()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}
	log.Info("🛑 options watcher stopped")
	return nil
}

// streamOrders pushes broker order events into the cache until ctx ends.
func streamOrders(ctx context.Context, p *alpaca.Provider, c *cache.PositionCache, accountID string, log *zap.Logger) {
	err := p.StreamOrderUpdates(ctx, accountID, func(acct, event string, o models.Order) {
		if c.ApplyOrderUpdate(acct, o) {
			log.Info("tracked order update",
				zap.String("account", acct),
				zap.String("event", event),
				zap.String("order_id", o.ID),
				zap.String("status", o.Status))
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Error("order stream stopped", zap.String("account", accountID), zap.Error(err))
	}
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
