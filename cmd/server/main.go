package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailerd/internal/api"
	"mailerd/internal/config"
	"mailerd/internal/db"
	"mailerd/internal/email"
	"mailerd/internal/jobs"
	"mailerd/internal/mailout"
	"mailerd/internal/members"
	"mailerd/internal/metrics"
	"mailerd/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if !cfg.RunsAPI() && !cfg.RunsMailerd() {
		logger.Fatal("unknown MODE", zap.String("mode", cfg.Mode))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("mailerd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DBConnectRetries)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.DBMigrate {
		if err := db.Migrate(ctx, store.Pool, logger); err != nil {
			return err
		}
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	var (
		wg        sync.WaitGroup
		daemonErr error
		apiServer *http.Server
	)

	// ------------------------------------------------
	// Mailout Daemon
	// ------------------------------------------------
	if cfg.RunsMailerd() {
		scheduler, err := newScheduler(cfg, store, logger)
		if err != nil {
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scheduler.Run(ctx); err != nil {
				daemonErr = err
				cancel()
			}
		}()
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	if cfg.RunsAPI() {
		apiHandler := &api.Handler{
			Jobs: jobs.NewService(store, logger),
			Log:  logger,
		}

		apiServer = &http.Server{
			Addr:              ":" + cfg.APIPort,
			Handler:           apiHandler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			logger.Info("api server started", zap.String("port", cfg.APIPort))
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server error", zap.Error(err))
				cancel()
			}
		}()
	}

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}

	// Let the job in flight finish.
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
	return daemonErr
}

func newScheduler(cfg *config.Config, store *db.Store, logger *zap.Logger) (*worker.Scheduler, error) {

	// ------------------------------------------------
	// Recipients
	// ------------------------------------------------
	var source members.Source = members.PGSource{Pool: store.Pool}
	if cfg.MembersCSV != "" {
		source = members.CSVSource{Path: cfg.MembersCSV}
	}

	// ------------------------------------------------
	// SMTP Transport + Rate Limiter
	// ------------------------------------------------
	transport := &email.SMTPTransport{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}
	if cfg.RateLimit > 0 {
		transport.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	signer, err := email.LoadDKIMSigner(cfg.DKIMSelector, cfg.DKIMKeyPath, cfg.DKIMDomain, cfg.SMTPFrom)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		logger.Info("dkim signing enabled",
			zap.String("domain", signer.Domain),
			zap.String("selector", signer.Selector),
		)
		transport.DKIM = signer
	}

	// ------------------------------------------------
	// Sender
	// ------------------------------------------------
	sender := &mailout.Sender{
		Store:        store,
		Transport:    transport,
		Renderer:     email.NewRenderer(cfg.LinkHost),
		Log:          logger,
		ReportTo:     cfg.ReportTo,
		VenueName:    cfg.VenueName,
		PollInterval: cfg.CancelPollInterval,
	}

	return &worker.Scheduler{
		Store:    store,
		Source:   source,
		Sender:   sender,
		Log:      logger,
		Interval: cfg.PollInterval,
	}, nil
}
