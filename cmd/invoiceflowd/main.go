package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/southbooks/invoiceflow/internal/common"
	"github.com/southbooks/invoiceflow/internal/extract"
	"github.com/southbooks/invoiceflow/internal/notify"
	"github.com/southbooks/invoiceflow/internal/pipeline"
	"github.com/southbooks/invoiceflow/internal/repository"
	"github.com/southbooks/invoiceflow/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := buildLogger(cfg.Server.Mode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer repository.Close(db, log)

	if err := repository.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := repository.HealthCheck(ctx, db, 5*time.Second); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	jobs := repository.NewUploadJobRepository(db, log)
	invoices := repository.NewInvoiceRepository(db, log)
	audit := repository.NewActivityLogRepository(db, log)

	notifier, closeNotifier := buildNotifier(cfg, log)
	defer closeNotifier()

	gateway, err := buildGateway(ctx, cfg, log)
	if err != nil {
		return err
	}

	manager := pipeline.NewManager(jobs, invoices, audit, notifier, gateway, cfg.Pipeline, log)

	// Rebuild the queue from the store before any new uploads arrive.
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	go manager.WatchdogLoop(ctx)
	go manager.CleanupLoop(ctx)

	srv := server.New(cfg, manager, db, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case <-ctx.Done():
		log.Infow("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http shutdown failed", "error", err)
	}
	log.Infow("server stopped")
	return nil
}

func buildLogger(mode string) (*zap.Logger, error) {
	if mode == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildNotifier wires the redis sink when an address is configured and falls
// back to an in-memory sink otherwise, so the pipeline always has somewhere
// to publish.
func buildNotifier(cfg *common.Config, log *zap.SugaredLogger) (notify.Notifier, func()) {
	var sink notify.Sink
	if cfg.Redis.Addr != "" {
		rs, err := notify.NewRedisSink(cfg.Redis, log)
		if err != nil {
			log.Warnw("redis unavailable, notifications stay in memory", "addr", cfg.Redis.Addr, "error", err)
		} else {
			sink = rs
		}
	}
	if sink == nil {
		sink = notify.NewMemorySink()
	}
	d := notify.NewDispatcher(sink, log)
	return d, d.Close
}

// buildGateway assembles the provider chain. The synthetic fallback is always
// last so every admitted file yields a record.
func buildGateway(ctx context.Context, cfg *common.Config, log *zap.SugaredLogger) (*extract.Gateway, error) {
	var providers []extract.Provider

	if cfg.Extraction.DocAI.ProjectID != "" && cfg.Extraction.DocAI.ProcessorID != "" {
		docai, err := extract.NewDocAIProvider(ctx, cfg.Extraction.DocAI, log)
		if err != nil {
			return nil, fmt.Errorf("document ai provider: %w", err)
		}
		providers = append(providers, docai)
	} else {
		log.Warnw("document ai not configured, primary provider disabled")
	}

	if cfg.Extraction.OpenAI.APIKey != "" {
		providers = append(providers, extract.NewOpenAIProvider(cfg.Extraction.OpenAI, log))
	} else {
		log.Warnw("openai not configured, secondary provider disabled")
	}

	providers = append(providers, extract.NewFallbackProvider(log))

	return extract.NewGateway(log, cfg.Pipeline.ProcessTimeout, providers...), nil
}
