/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Admission Engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and config.yaml + ADMISSIONS_* overrides
  2. Build the zap logger
  3. Open the store (SQLite, or in-memory for demos)
  4. Wire ledger, coupon issuer, notifier and admission machine
  5. Wire the YouTube workflow when OAuth credentials are configured
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Directory containing config.yaml (default: search ., ./config,
           /etc/admission-engine)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ADMISSIONS_DATABASE_PATH=./data/admissions.db ./server

  # Run with in-memory database
  ADMISSIONS_DATABASE_DRIVER=memory ./server

  # Run on different port
  ADMISSIONS_SERVER_ADDRESS=:3000 ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/warp/admission-engine/admission"
	"github.com/warp/admission-engine/api"
	"github.com/warp/admission-engine/config"
	"github.com/warp/admission-engine/coupon"
	"github.com/warp/admission-engine/domain"
	memstore "github.com/warp/admission-engine/domain/store"
	"github.com/warp/admission-engine/incentive"
	"github.com/warp/admission-engine/logger"
	"github.com/warp/admission-engine/notify"
	"github.com/warp/admission-engine/store/sqlite"
	"github.com/warp/admission-engine/subscription"
	"github.com/warp/admission-engine/subscription/youtube"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "admission-engine: %+v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "load .env")
	}

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer log.Sync()

	// Initialize store
	store, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	// Services
	ledger := incentive.NewLedger(store, log.With("component", "ledger"))
	issuer := coupon.NewIssuer(store, cfg.Coupon.Options(), log.With("component", "coupon"))

	var notifier admission.Notifier = notify.NewLogNotifier(log.With("component", "notify"), cfg.Notify.PaymentURL)
	if cfg.Notify.SendgridAPIKey != "" {
		notifier = notify.NewSendgridNotifier(cfg.Notify.Sendgrid(), log.With("component", "notify"))
	}
	machine := admission.NewMachine(store, ledger, notifier, log.With("component", "admission"))

	var workflow *subscription.Workflow
	if cfg.OAuth.Enabled() {
		client := youtube.NewClient(cfg.OAuth.YouTube(), log.With("component", "youtube"))
		workflow = subscription.NewWorkflow(store, client, issuer, ledger,
			subscription.NewSessionStore(cfg.OAuth.SessionTTL), cfg.OAuth.DefaultRedirect,
			log.With("component", "subscription"))
	} else {
		log.Warnw("youtube oauth not configured, subscription routes disabled")
	}

	handler := api.NewHandler(machine, ledger, issuer, store, workflow, log.With("component", "api"))
	handler.CookieSecure = cfg.OAuth.CookieSecure
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		AdminToken:  cfg.Server.AdminToken,
	})

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("server starting", "address", cfg.Server.Address, "database", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return errors.Wrap(err, "server failed")
	case <-quit:
	}

	log.Infow("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}

	log.Infow("server stopped")
	return nil
}

func openStore(cfg config.DatabaseConfig) (domain.TxStore, func(), error) {
	if cfg.Driver == "memory" {
		return memstore.NewMemory(), func() {}, nil
	}
	store, err := sqlite.New(cfg.Path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open database %s", cfg.Path)
	}
	return store, func() { store.Close() }, nil
}
