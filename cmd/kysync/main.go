package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/italolelis/kysync/internal/catalog"
	"github.com/italolelis/kysync/internal/catalog/kybook"
	"github.com/italolelis/kysync/internal/config"
	"github.com/italolelis/kysync/internal/downloader"
	"github.com/italolelis/kysync/internal/library"
	"github.com/italolelis/kysync/internal/logctx"
	"github.com/italolelis/kysync/internal/notifier"
	"github.com/italolelis/kysync/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	exitFailure     = 1
	exitConfig      = 2
	exitCatalog     = 3
	exitDestination = 4
	exitPersist     = 5

	defaultDestination = "books"
	serviceName        = "kysync"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(exitCode(err))
	}

	logger := slog.New(logctx.NewRunHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	destination := defaultDestination
	if len(os.Args) > 1 {
		destination = os.Args[1]
	}

	ctx := logctx.WithRunID(logctx.WithLogger(context.Background(), logger), uuid.NewString())

	logger.InfoContext(ctx, "kysync starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(ctx, cfg, destination); err != nil {
		logger.ErrorContext(ctx, "fatal error", "err", err)
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, cfg *config.Config, destination string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Telemetry.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.ErrorContext(ctx, "failed to shutdown telemetry", "err", err)
		}
	}()

	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsAddr != "" {
		stop := serveMetrics(ctx, cfg, tel)
		defer stop()
	}

	// =========================================================================
	// Open Destination
	lib, err := library.Open(destination)
	if err != nil {
		return fmt.Errorf("preparing destination: %w", err)
	}

	// =========================================================================
	// Start Catalog Client
	client := kybook.NewClient(kybook.Config{
		Addr:           cfg.Server,
		Username:       cfg.Username,
		Password:       cfg.Password,
		InboxPath:      cfg.InboxPath,
		ConnectTimeout: cfg.ConnectTimeout,
		FetchTimeout:   cfg.FetchTimeout,
		UserAgent:      serviceName + "/" + version,
		Transport:      clientTransport(cfg, tel),
	})

	// =========================================================================
	// Start Downloader
	var reporter downloader.Reporter = downloader.NewLogReporter(logger)
	if cfg.DiscordWebhookURL != "" {
		reporter = notifier.NewReporter(reporter, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, nil))
	}

	d := downloader.NewDownloader(
		catalog.NewInstrumentedSource(client, tel),
		lib,
		reporter,
		tel,
		cfg.MaxParallel,
	)

	logger.InfoContext(ctx, "syncing inbox",
		"server", cfg.Server,
		"inbox_path", cfg.InboxPath,
		"destination", lib.Root(),
		"max_parallel", cfg.MaxParallel,
	)

	_, err = d.Sync(ctx)

	return err
}

// clientTransport instruments the catalog client with otelhttp when
// telemetry is enabled.
func clientTransport(cfg *config.Config, tel *telemetry.Telemetry) func(http.RoundTripper) http.RoundTripper {
	if !cfg.Telemetry.Enabled {
		return nil
	}

	return func(rt http.RoundTripper) http.RoundTripper {
		return otelhttp.NewTransport(rt,
			otelhttp.WithTracerProvider(tel.TracerProvider()),
			otelhttp.WithMeterProvider(tel.MeterProvider()),
		)
	}
}

// serveMetrics exposes /metrics for the duration of the run and returns a
// function that stops the server.
func serveMetrics(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) func() {
	logger := logctx.LoggerFromContext(ctx)
	server := telemetry.NewServer(ctx, cfg.Telemetry.MetricsAddr, tel)

	go func() {
		logger.InfoContext(ctx, "Initializing metrics endpoint", "host", cfg.Telemetry.MetricsAddr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "metrics server error", "err", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Telemetry.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.ErrorContext(ctx, "failed to gracefully shutdown the metrics server", "err", err)

			_ = server.Close()
		}
	}
}

// exitCode maps a fatal error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var (
		cfgErr    *config.ConfigurationError
		ioErr     *library.IOError
		netErr    *catalog.NetworkError
		decodeErr *catalog.DecodeError
	)

	switch {
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &ioErr):
		if ioErr.Op == library.OpPersist {
			return exitPersist
		}

		return exitDestination
	case errors.As(err, &decodeErr), errors.As(err, &netErr):
		return exitCatalog
	default:
		return exitFailure
	}
}
