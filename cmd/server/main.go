/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger command engine server. Handles
  configuration layering, dependency assembly, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags (environment fallbacks for secrets/DSNs)
  2. Build the engine from the deployment profile (factory)
  3. Start the worker pool and stale-claim reaper
  4. Configure the HTTP router
  5. Serve with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (default: 8080)
  -backend   Store backend: sqlite, postgres, or memory
  -db        SQLite database path (":memory:" for in-memory)
  -pg        PostgreSQL DSN (backend=postgres)
  -amqp      AMQP broker URL; empty disables event publishing
  -exchange  AMQP exchange for journal events
  -workers   Worker count override
  -config    JSON deployment profile; explicitly set flags override it
  -demo      Seed the starter demo scenario on boot
  -debug     Verbose logging

ENVIRONMENT:
  LEDGER_DB                  Default for -db
  LEDGER_PG_DSN              Default for -pg
  LEDGER_AMQP_URL            Default for -amqp
  LEDGER_IDEMPOTENCY_SECRET  HMAC secret for idempotency keys

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain the worker pool and reaper
  4. Close the store and publisher
  5. Exit

EXAMPLES:
  # Local sqlite with demo data
  ./server -db="./data/ledger.db" -demo

  # Postgres with AMQP events
  ./server -backend=postgres -pg="$LEDGER_PG_DSN" -amqp="amqp://localhost"

  # Everything from a checked-in profile
  ./server -config=./deploy/staging.json

SEE ALSO:
  - factory/engine.go: Profile parsing and assembly
  - api/server.go: Router configuration
  - api/scheduler.go: Background runtime
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
	"time"

	"go.uber.org/zap"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/factory"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	backend := flag.String("backend", factory.BackendSQLite, "Store backend: sqlite, postgres, or memory")
	dbPath := flag.String("db", envOr("LEDGER_DB", "ledger.db"), "SQLite database path (\":memory:\" for in-memory)")
	pgDSN := flag.String("pg", os.Getenv("LEDGER_PG_DSN"), "PostgreSQL DSN")
	amqpURL := flag.String("amqp", os.Getenv("LEDGER_AMQP_URL"), "AMQP broker URL; empty disables event publishing")
	exchange := flag.String("exchange", "ledger.events", "AMQP exchange for journal events")
	workers := flag.Int("workers", 0, "Worker count override (0 keeps the profile value)")
	profilePath := flag.String("config", "", "JSON deployment profile path")
	demo := flag.Bool("demo", false, "Seed the starter demo scenario on boot")
	debug := flag.Bool("debug", false, "Verbose logging")
	flag.Parse()

	// Logger
	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Profile: file first, then explicitly set flags on top
	profile := factory.DefaultProfile()
	if *profilePath != "" {
		raw, err := os.ReadFile(*profilePath)
		if err != nil {
			logger.Fatal("failed to read profile", zap.String("path", *profilePath), zap.Error(err))
		}
		profile, err = factory.ParseProfile(string(raw))
		if err != nil {
			logger.Fatal("failed to parse profile", zap.String("path", *profilePath), zap.Error(err))
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			profile.Backend = *backend
		case "db":
			profile.DBPath = *dbPath
		case "pg":
			profile.PgDSN = *pgDSN
		case "amqp":
			profile.AMQPURL = *amqpURL
		case "exchange":
			profile.AMQPExchange = *exchange
		case "workers":
			if *workers > 0 {
				profile.Engine.WorkerCount = workers
			}
		}
	})
	if secret := os.Getenv("LEDGER_IDEMPOTENCY_SECRET"); secret != "" {
		profile.Engine.IdempotencySecret = &secret
	}

	// Assemble engine
	ctx := context.Background()
	engine, cleanup, err := factory.Build(ctx, profile, logger)
	if err != nil {
		cleanup()
		logger.Fatal("failed to build engine", zap.Error(err))
	}
	defer cleanup()

	// Handler and background runtime
	handler := api.NewHandler(engine)
	scheduler := api.NewScheduler(engine, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer scheduler.Stop()

	if *demo {
		if err := handler.SeedDemo(ctx); err != nil {
			logger.Warn("demo seed failed (database may already hold data)", zap.Error(err))
		} else {
			logger.Info("demo scenario seeded", zap.String("scenario", "starter-books"))
		}
	}

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.Int("port", *port),
			zap.String("backend", profile.Backend),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler stop failed", zap.Error(err))
	}

	logger.Info("server stopped")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
