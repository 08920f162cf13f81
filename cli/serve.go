package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/petalprint/config"
	"github.com/petal-labs/petalprint/journal"
	petalotel "github.com/petal-labs/petalprint/otel"
	"github.com/petal-labs/petalprint/runtime"
	"github.com/petal-labs/petalprint/server"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the print HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "Listen port (default from config: 8080)")
	cmd.Flags().String("host", "", "Listen host (default from config: 127.0.0.1)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 0, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 0, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().String("journal", "", "Path to the SQLite job journal (default: in-memory)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP collector host:port for traces")
	cmd.Flags().Bool("otlp-insecure", false, "Disable TLS for the OTLP exporter")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	logger := newLogger(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := petalotel.NewTracerProvider(ctx, petalotel.ExporterConfig{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		otelapi.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	tracing := petalotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("petalprint"))
	metrics, err := petalotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("petalprint"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	store, closeStore, err := openJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer closeStore()
	journalSub := journal.NewSubscriber(store, logger)

	opts, err := dispatcherOptions(cfg.Engine, logger)
	if err != nil {
		return err
	}
	opts.EventHandler = runtime.MultiEventHandler(tracing.Handle, metrics.Handle, journalSub.Handle)
	opts.EventEmitterDecorator = func(emit runtime.EventEmitter) runtime.EventEmitter {
		return petalotel.EnrichEmitter(emit, tracing)
	}
	d, err := runtime.NewDispatcher(opts)
	if err != nil {
		return err
	}
	defer d.Close()

	var scheduler *server.PrintScheduler
	if len(cfg.Schedules) > 0 {
		scheduler, err = server.NewPrintScheduler(server.PrintSchedulerConfig{
			Engine:    d,
			Schedules: cfg.Schedules,
			Logger:    logger,
		})
		if err != nil {
			return exitError(exitValidation, "invalid schedules: %v", err)
		}
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = scheduler.Stop(stopCtx)
		}()
	}

	srv := server.NewServer(server.ServerConfig{
		Engine:     d,
		Journal:    store,
		Scheduler:  scheduler,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Logger:     logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("petalprint listening", "addr", addr, "journal_session", store.Session(), "schedules", len(cfg.Schedules))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitJobFailed, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitJobFailed, "server error: %v", err)
		}
		return nil
	}
}

// applyServeFlags lets explicitly set flags override the config file.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-body") {
		cfg.Server.MaxBody, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("read-timeout") {
		cfg.Server.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("write-timeout") {
		cfg.Server.WriteTimeout, _ = flags.GetDuration("write-timeout")
	}
	if flags.Changed("journal") {
		cfg.Journal.Path, _ = flags.GetString("journal")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if flags.Changed("otlp-insecure") {
		cfg.Telemetry.Insecure, _ = flags.GetBool("otlp-insecure")
	}
}

// openJournal opens the SQLite journal when a path is configured and an
// in-memory one otherwise.
func openJournal(cfg config.JournalConfig) (journal.Store, func(), error) {
	if cfg.Path == "" {
		return journal.NewMemStore(""), func() {}, nil
	}
	store, err := journal.NewSQLiteStore(journal.SQLiteStoreConfig{
		DSN:            cfg.Path,
		RetentionAge:   cfg.RetentionAge,
		RetentionCount: cfg.RetentionCount,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening journal: %w", err)
	}
	slog.Debug("journal opened", "path", cfg.Path, "session", store.Session())
	return store, func() { _ = store.Close() }, nil
}
