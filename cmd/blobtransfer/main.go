package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/blobtransfer/internal/blobstore"
	"github.com/italolelis/blobtransfer/internal/cleanup"
	"github.com/italolelis/blobtransfer/internal/config"
	"github.com/italolelis/blobtransfer/internal/http/rest"
	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/manager"
	"github.com/italolelis/blobtransfer/internal/notifier"
	"github.com/italolelis/blobtransfer/internal/reachability"
	"github.com/italolelis/blobtransfer/internal/storage"
	badgerstore "github.com/italolelis/blobtransfer/internal/storage/badger"
	"github.com/italolelis/blobtransfer/internal/storage/memory"
	"github.com/italolelis/blobtransfer/internal/storage/sqlite"
	"github.com/italolelis/blobtransfer/internal/telemetry"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewContextHandler(handler))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("blob transfer service starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Store
	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	instrumented := storage.NewInstrumentedStore(store, tel)

	// =========================================================================
	// Start Object Store
	delegate, err := setupDelegate(ctx, cfg)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Reachability
	opts := []manager.Option{
		manager.WithDelegate(delegate),
		manager.WithTelemetry(tel),
		manager.WithLogger(logger),
		manager.WithNotifyBacklog(cfg.NotifyBuffer),
		manager.WithBlockSize(cfg.BlockSize),
	}

	if cfg.Reachability.URL != "" {
		probe, err := reachability.NewProbe(reachability.ProbeConfig{
			URL:      cfg.Reachability.URL,
			Interval: cfg.Reachability.Interval,
			Timeout:  cfg.Reachability.Timeout,
			Token:    cfg.Reachability.Token,
		}, tel)
		if err != nil {
			return fmt.Errorf("failed to create reachability probe: %w", err)
		}

		probe.Check(ctx)

		go probe.Run(ctx)

		opts = append(opts, manager.WithReachability(probe))
	}

	// =========================================================================
	// Start Manager
	m := manager.New(instrumented, cfg.Queue(), opts...)

	if err := m.LoadContext(ctx); err != nil {
		logger.Error("some transfers could not be restored", "err", err)
	}

	m.Start(ctx)

	defer func() {
		if err := m.Close(); err != nil {
			logger.Error("failed to persist transfers on shutdown", "err", err)
		}
	}()

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, m, cfg.KeepFinishedFor, cfg.CleanupInterval)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, m, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for transfers...",
		"store_driver", cfg.StoreDriver,
		"max_concurrent", cfg.MaxConcurrent,
		"restored", m.Count(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

// This is an abstract factory for the persistent store.
func buildStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		return sqlite.Open(cfg.DBPath)
	case config.StoreBadger:
		return badgerstore.Open(cfg.BadgerDir)
	case config.StoreMemory:
		return memory.New(), nil
	}

	return nil, fmt.Errorf("invalid store driver: %s", cfg.StoreDriver)
}

// setupDelegate builds the executors and, when a webhook is configured, the
// announcements of finished transfers.
func setupDelegate(ctx context.Context, cfg *config.Config) (transfer.Delegate, error) {
	logger := logctx.LoggerFromContext(ctx)

	var delegate transfer.Delegate = transfer.NopDelegate{}

	if cfg.S3.Endpoint != "" {
		client, err := blobstore.New(blobstore.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}

		if err := client.EnsureBucket(ctx); err != nil {
			logger.Warn("could not verify bucket, transfers will retry", "bucket", client.Bucket(), "err", err)
		}

		delegate = blobstore.NewDelegate(client)
	} else {
		logger.Warn("no object store configured, transfers will fail without an executor")
	}

	if cfg.DiscordWebhookURL != "" {
		delegate = notifier.NewAnnouncer(delegate, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), logger)
	}

	return delegate, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, m *manager.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewTransfersHandler(m, cfg.BlockSize, cfg.Admin.Username, cfg.Admin.Password)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(handler, tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
