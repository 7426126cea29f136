package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yo-brian/firemail/internal/auth"
	"github.com/yo-brian/firemail/internal/config"
	"github.com/yo-brian/firemail/internal/eventstore/sqlite"
	"github.com/yo-brian/firemail/internal/httpapi"
	natsjs "github.com/yo-brian/firemail/internal/nats"
	"github.com/yo-brian/firemail/internal/providers/gmail"
	"github.com/yo-brian/firemail/internal/providers/imapmail"
	"github.com/yo-brian/firemail/internal/providers/outlook"
	mailsync "github.com/yo-brian/firemail/internal/sync"
)

func main() {
	configPath := flag.String("config", os.Getenv("FIREMAIL_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("firemail exited", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver), zap.String("path", cfg.Store.Path))

	sources := mailsync.NewSources(
		outlook.New(outlook.Config{
			Tenant:   cfg.Providers.Outlook.Tenant,
			ClientID: cfg.Providers.Outlook.ClientID,
		}, logger),
		gmail.New(gmail.Config{
			ClientID:     cfg.Providers.Gmail.ClientID,
			ClientSecret: cfg.Providers.Gmail.ClientSecret,
		}, logger),
		imapmail.New(imapmail.Config{Timeout: cfg.Providers.IMAP.Timeout}, logger),
	)

	fetcher := mailsync.NewFetcher(logger,
		mailsync.WithLookBack(cfg.Sync.LookBack),
		mailsync.WithRetryPolicy(mailsync.RetryPolicy{
			MaxAttempts:  cfg.Sync.Retry.MaxAttempts,
			InitialDelay: cfg.Sync.Retry.InitialDelay,
			MaxDelay:     cfg.Sync.Retry.MaxDelay,
		}),
	)
	runner := mailsync.NewRunner(sources, fetcher, mailsync.NewMerger(store, logger), store, logger)
	manager := mailsync.NewManager(store, runner, mailsync.NewClaims(), mailsync.ManagerConfig{
		Workers:            cfg.Sync.Workers,
		InteractiveTimeout: cfg.Sync.InteractiveTimeout,
	}, logger)
	scheduler := mailsync.NewScheduler(manager, store, logger,
		mailsync.WithBatchSize(cfg.Sync.BatchSize),
		mailsync.WithMinInterval(cfg.Sync.MinCheckInterval),
	)

	dispatchDone := make(chan struct{})
	if cfg.NATS.URL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}

		dispatcher := natsjs.NewDispatcher(store, publisher, logger)
		go func() {
			defer close(dispatchDone)
			dispatcher.Run(ctx)
		}()
	} else {
		close(dispatchDone)
		logger.Info("event publishing disabled")
	}

	var verifier httpapi.Verifier
	if cfg.Auth.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL, logger)
		if err != nil {
			return err
		}
		verifier = v
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Syncer:          manager,
			Realtime:        scheduler,
			Stats:           store,
			Verifier:        verifier,
			DefaultInterval: cfg.Sync.CheckInterval,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Sync.AutostartRealtime {
		scheduler.Start(cfg.Sync.CheckInterval)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control API listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("control API failed", zap.Error(err))
		}
		stop()
	}

	if scheduler.Running() {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sync pools shutdown", zap.Error(err))
	}

	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("outbox dispatcher did not stop in time")
	}

	logger.Info("firemail stopped")
	return nil
}
