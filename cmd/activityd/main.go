// Command activityd is the activity-sync server daemon: it exposes the
// REST + WebSocket gateway described by SPEC_FULL.md §6 over Postgres, and
// bridges cross-instance pg_notify traffic into the in-process broker.
//
// Grounded on the teacher's cmd/goclaw/main.go startup sequence (config
// load -> audit.Init -> logger -> otel.Init -> store open -> wire
// dependencies -> listen -> graceful shutdown), shrunk to a single daemon
// mode since this service has no interactive TUI or CLI subcommands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mattn/go-isatty"

	"github.com/basket/activity-sync/internal/activity"
	"github.com/basket/activity-sync/internal/audit"
	"github.com/basket/activity-sync/internal/broker"
	"github.com/basket/activity-sync/internal/config"
	"github.com/basket/activity-sync/internal/cron"
	"github.com/basket/activity-sync/internal/gateway"
	"github.com/basket/activity-sync/internal/ghtoken"
	"github.com/basket/activity-sync/internal/identity"
	"github.com/basket/activity-sync/internal/listener"
	otelpkg "github.com/basket/activity-sync/internal/otel"
	"github.com/basket/activity-sync/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

Runs the activity-sync server daemon: REST + WebSocket gateway over
Postgres, with a pg_notify-backed cross-instance activity bridge.

Configuration is environment-variable driven; see SPEC_FULL.md §6 for the
full table. At minimum:

  SERVER_DATABASE_URL   Postgres connection string (required)
  CLERK_API_URL         Clerk frontend API base URL (required)

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// Running under a supervisor (systemd, a container runtime) means stdout
	// is already captured into that supervisor's own log sink; tee to it too
	// only when attached to an interactive terminal, mirroring the teacher's
	// isatty-gated interactive-mode detection in cmd/goclaw/main.go.
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	// §4.11: an OTLP HTTP exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set,
	// falling back to the stdout exporter so traces are still visible (and
	// the Prometheus reader still attached for GET /metrics) with zero
	// collector configuration.
	otelExporter := "stdout"
	if cfg.OTelExporterEndpoint != "" {
		otelExporter = "otlp-http"
	}
	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     true,
		Exporter:    otelExporter,
		Endpoint:    cfg.OTelExporterEndpoint,
		ServiceName: "activity-syncd",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fatalStartup(logger, "E_DB_CONNECT", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		fatalStartup(logger, "E_DB_PING", err)
	}
	if err := activity.EnsureSchema(ctx, pool); err != nil {
		fatalStartup(logger, "E_DB_SCHEMA", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	activityRepo := activity.New(pool)

	evBroker := broker.New(cfg.ActivityBroadcastShards, cfg.ActivityBroadcastCapacity, logger)
	evBroker.SetMetrics(metrics)

	evListener := listener.New(pool, cfg.ActivityChannel, activityRepo, evBroker, logger)
	evListener.SetMetrics(metrics)
	go func() {
		if err := evListener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("listener exited with error", "error", err)
			stop()
		}
	}()

	idVerifier := identity.NewVerifier(cfg.ClerkAPIURL, cfg.ClerkSecretKey, 10*time.Minute)

	maintenance := cron.NewScheduler(cron.Config{
		Refresher: idVerifier,
		Logger:    logger,
		Interval:  8 * time.Minute,
	})
	maintenance.Start(ctx)
	defer maintenance.Stop()

	var ghExchanger *ghtoken.Exchanger
	if cfg.GitHubOAuthClientID != "" && cfg.GitHubOAuthClientSecret != "" {
		ghStore := ghtoken.NewPGStore(pool)
		ghExchanger = ghtoken.NewExchanger(ghStore, cfg.GitHubOAuthClientID, cfg.GitHubOAuthClientSecret)
	} else {
		logger.Info("github oauth token exchange disabled: client id/secret not configured")
	}

	gw := gateway.New(gateway.Config{
		Activity:    activityRepo,
		Broker:      evBroker,
		Identity:    idVerifier,
		GHExchanger: ghExchanger,

		Pool:            pool,
		ActivityChannel: cfg.ActivityChannel,

		Logger:            logger,
		AuditRecord:       audit.Record,
		PrometheusHandler: otelpkg.PrometheusHandler(),

		Metrics: metrics,

		RateLimit: cfg.RateLimit,
		CORS:      cfg.CORS,

		AuthEnabled:          true,
		MaxRequestBodyBytes:  cfg.MaxRequestBodyBytes,
		ActivityDefaultLimit: cfg.ActivityDefaultLimit,

		ActivityCatchupBatchSize: cfg.ActivityCatchupBatchSize,
		WSAuthRefreshInterval:    cfg.WSAuthRefreshInterval,
		WSBulkSyncThreshold:      cfg.WSBulkSyncThreshold,
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.ListenAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  port %s is already in use", err, cfg.ListenAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.ListenAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "", "", "", "runtime.startup", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
