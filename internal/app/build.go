package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xiaocainiao633/codesage/internal/apiclient"
	"github.com/xiaocainiao633/codesage/internal/config"
	"github.com/xiaocainiao633/codesage/internal/httpapi"
	"github.com/xiaocainiao633/codesage/internal/logging"
	"github.com/xiaocainiao633/codesage/internal/observability"
	"github.com/xiaocainiao633/codesage/internal/storage"
	"github.com/xiaocainiao633/codesage/internal/stream"
	"github.com/xiaocainiao633/codesage/internal/tasks"
)

type BuildResult struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Client   *apiclient.Client
	Streams  *stream.Manager
	Store    *tasks.Store
	API      *httpapi.Server

	// Cleanup closes every subscription and releases storage. Call it once on shutdown.
	Cleanup func(ctx context.Context) error
}

// Build wires the client from cfg. A nil logger is built from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		l, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		logger = l
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	kv, err := storage.New(ctx, storage.Config{
		Backend:     cfg.StorageBackend,
		Dir:         cfg.StorageDir,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}

	client, err := apiclient.New(apiclient.Options{
		BaseURL:   cfg.APIBaseURL,
		AuthToken: cfg.AuthToken,
		Timeout:   cfg.RequestTimeout,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("api client init failed: %w", err)
	}

	streams, err := stream.NewManager(stream.Options{
		BaseURL:          cfg.PushBaseURL,
		AuthToken:        cfg.AuthToken,
		MaxAttempts:      cfg.ReconnectMaxAttempts,
		BaseDelay:        cfg.ReconnectBaseDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("stream manager init failed: %w", err)
	}

	store, err := tasks.NewStore(ctx, tasks.StoreOptions{
		API:                 client,
		Streams:             streams,
		KV:                  kv,
		SnapshotLimit:       cfg.SnapshotLimit,
		AutoCloseOnTerminal: cfg.AutoCloseOnTerminal,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("task store init failed: %w", err)
	}

	api := httpapi.New(cfg, store, streams, metrics, registry, logger)

	cleanup := func(ctx context.Context) error {
		var errs []string
		store.Cleanup()
		if err := streams.Shutdown(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := kv.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		_ = logger.Sync()
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	logger.Info("client built",
		zap.String("api_base_url", cfg.APIBaseURL),
		zap.String("push_base_url", cfg.PushBaseURL),
		zap.String("storage_backend", cfg.StorageBackend),
	)

	return &BuildResult{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Metrics:  metrics,
		Client:   client,
		Streams:  streams,
		Store:    store,
		API:      api,
		Cleanup:  cleanup,
	}, nil
}
