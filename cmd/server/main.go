// Package main is the entry point for the GladGrade portal API server.
// It dispatches its subcommands (serve, migrate and version) via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gladgrade/portal/internal/api"
	"github.com/gladgrade/portal/internal/config"
	"github.com/gladgrade/portal/internal/db"
	"github.com/gladgrade/portal/internal/safego"
	"github.com/gladgrade/portal/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const usage = `usage: portal <command>

commands:
  serve                     run the API server (default)
  migrate up|down           apply or roll back all migrations
  migrate status            print the current schema version
  migrate force <version>   clear a dirty migration state at <version>
  version                   print the build version`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	if command == "version" {
		fmt.Printf("GladGrade Portal %s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("%s", usage)
		}
		return migrateCommand(cfg, args[1:])
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"name", cfg.Database.Name,
		"ssl_mode", cfg.Database.SSLMode,
	)
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	gateway := db.NewGateway(database, "postgres")
	defer gateway.Close()

	if cfg.Database.AutoMigrate {
		if err := db.RunMigrations(database, "up"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		version, dirty, err := db.GetMigrationVersion(database)
		if err != nil {
			slog.Warn("failed to get migration version", "error", err)
		} else {
			slog.Info("database schema ready", "version", version, "dirty", dirty)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.StartDBStatsCollector(ctx, database, 15*time.Second)

	// The metrics endpoint runs on its own port so it is not reachable through
	// the portal's public ingress.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		safego.Go("metrics-server", func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices, err := api.NewRouter(cfg, gateway)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"version", api.Version,
			"audit_enabled", cfg.Audit.Enabled,
			"ownership_atomic", cfg.Audit.OwnershipAtomic,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx) // nolint:errcheck
	}

	// in-flight requests are drained, so pending audit shipments can be flushed
	bgServices.Shutdown(shutdownCtx)

	slog.Info("server stopped gracefully")
	return nil
}

func migrateCommand(cfg *config.Config, args []string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch args[0] {
	case "up", "down":
		slog.Info("running migrations", "direction", args[0])
		if err := db.RunMigrations(database, args[0]); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: portal migrate force <version>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid migration version %q: %w", args[1], err)
		}
		if err := db.ForceMigrationVersion(database, version); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("unknown migrate action: %s\n%s", args[0], usage)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration state", "version", version, "dirty", dirty)
	return nil
}
