package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ankercloud/api/server"
	"ankercloud/internal/alerting"
	"ankercloud/internal/archive"
	"ankercloud/internal/config"
	"ankercloud/internal/database"
	"ankercloud/internal/feed"
	"ankercloud/internal/health"
	"ankercloud/internal/ingest"
	"ankercloud/internal/logger"
	"ankercloud/internal/store"

	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "etc/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	// Prefer the config file; fall back to environment variables.
	var cfg *config.Config
	if _, err := os.Stat(*configFile); err == nil {
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Printf("Failed to load config from file: %v\n", err)
			fmt.Println("Falling back to environment variables...")
			cfg = config.Load()
		}
	} else {
		fmt.Println("Config file not found, loading from environment variables...")
		cfg = config.Load()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger.Level, cfg.Logger.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting AnkerCloud monitoring service",
		zap.String("version", version),
		zap.String("config_file", *configFile),
	)

	if err := database.InitDB(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	db := database.GetDB()

	logger.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.DBName),
	)

	archiver, err := archive.NewWriter(cfg.Elasticsearch)
	if err != nil {
		logger.Fatal("Failed to initialize sample archive", zap.Error(err))
	}
	if archiver == nil {
		logger.Info("Sample archive is disabled")
	}

	st := store.New(db, cfg.Ingest.Freshness(), time.Duration(cfg.Retention.RawDays)*24*time.Hour)
	register := health.NewRegister(db)
	hub := feed.NewHub(cfg.Feed.SubscriberBuffer)

	var evaluator ingest.Evaluator
	if cfg.Alert.Enabled {
		evaluator = alerting.NewEvaluator(db, time.Duration(cfg.Alert.NotifyTimeoutSeconds)*time.Second)
	} else {
		logger.Info("Alert evaluation is disabled")
	}

	gateway := ingest.NewGateway(db, st, register, hub, evaluator, archiver)
	incidents := alerting.NewIncidentService(db)

	// Background rollup and retention jobs.
	maintainer := store.NewMaintainer(db, st,
		time.Duration(cfg.Ingest.RollupBucketSeconds)*time.Second,
		time.Duration(cfg.Ingest.RollupIntervalSeconds)*time.Second,
		time.Duration(cfg.Retention.RawDays)*24*time.Hour,
		time.Duration(cfg.Retention.RollupDays)*24*time.Hour,
		time.Duration(cfg.Retention.SweepIntervalSeconds)*time.Second,
	)
	maintCtx, stopMaint := context.WithCancel(context.Background())
	go maintainer.Run(maintCtx)

	httpServer := server.NewServer(cfg, db, st, hub, gateway, incidents)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.Run()
	}()

	logger.Info("AnkerCloud service is running",
		zap.Int("http_port", cfg.Server.HTTPPort))

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down...", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	stopMaint()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", zap.Error(err))
	}

	archiver.Close()

	logger.Info("AnkerCloud service stopped")
}
