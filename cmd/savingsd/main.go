// Command savingsd runs the savings layer engines with their keeper and an
// operations listener.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/savings_layer/internal/app"
	"github.com/R3E-Network/savings_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/savings_layer/internal/config"
	"github.com/R3E-Network/savings_layer/internal/platform/migrations"
	"github.com/R3E-Network/savings_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults to $SAVINGS_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("savingsd").Fatalf("Failed to load config: %v", err)
	}
	log := logger.New(cfg.Logging).Component("savingsd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stores app.Stores
	if cfg.Database.DSN != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if cfg.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.Migrate {
			if err := migrations.Apply(ctx, db); err != nil {
				log.Fatalf("Failed to apply migrations: %v", err)
			}
			log.Info("database migrations applied")
		}
		store := postgres.New(db)
		stores = app.Stores{Plans: store, Pools: store, Locks: store}
	} else {
		log.Warn("DATABASE_URL not set; state is kept in memory")
	}

	application, err := app.New(cfg, stores, nil, log)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start services: %v", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(application, cfg.Server, log.Component("http")),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("operations listener started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("listener shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service stop")
	}
	log.Info("stopped")
}
