// Command activity-sync is the client synchronizer: it mirrors one
// organization's shared task activity log into a local SQLite database,
// following SPEC_FULL.md §4.7's supervised catch-up + WebSocket live-stream
// loop.
//
// Grounded on the teacher's cmd/goclaw/main.go startup/shutdown shape,
// shrunk to this binary's single long-running task (no HTTP surface of
// its own to serve).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/activity-sync/internal/clientstore"
	"github.com/basket/activity-sync/internal/clientsync"
	"github.com/basket/activity-sync/internal/config"
	"github.com/basket/activity-sync/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

Runs the activity-sync client synchronizer: mirrors the server's shared
task activity log into a local SQLite database at CLIENT_DB_PATH.

Configuration is environment-variable driven; see SPEC_FULL.md §6. At
minimum:

  CLIENT_SERVER_BASE_URL   Base URL of the activity-sync server (required)
  CLIENT_AUTH_TOKEN        Bearer token for the initial session

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	store, err := clientstore.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "db_path", cfg.DBPath)

	session := clientsync.NewSession(cfg.AuthToken)
	syncer := clientsync.New(clientsync.Config{
		ReconnectBaseDelay: cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
	}, cfg.ServerBaseURL, store, session, logger)

	logger.Info("startup phase", "phase", "sync_loop_starting", "server", cfg.ServerBaseURL)
	if err := syncer.Run(ctx); err != nil {
		logger.Error("sync loop exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
