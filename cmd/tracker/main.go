package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/igwedaniel/batchwatch/internal/api"
	"github.com/igwedaniel/batchwatch/internal/blockchain/blobscan"
	"github.com/igwedaniel/batchwatch/internal/blockchain/ethereum"
	"github.com/igwedaniel/batchwatch/internal/blockchain/etherscan"
	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/messaging"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/tracker"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type args struct {
	Config string `arg:"--config,env:CONFIG_FILE" help:"path to the yaml configuration file"`
}

func (args) Description() string {
	return "batchwatch tracks rollup batcher transactions and the cost of their posted data"
}

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	var a args
	arg.MustParse(&a)

	// Load configuration
	cfg, err := config.Load(a.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"batchers": cfg.Tracker.BatcherAddresses,
		"chain_id": cfg.Ethereum.ChainID,
		"storage":  cfg.Storage.Backend,
	}).Info("Starting batchwatch tracker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		logger.Fatalf("Failed to connect to storage: %v", err)
	}
	logger.Info("Storage connection established")

	// Initialize messaging
	var publisher messaging.Publisher = &messaging.NoOpPublisher{}
	if cfg.RabbitMQ.URL != "" {
		p, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize messaging: %v", err)
		}
		publisher = p
		logger.Info("Messaging system initialized")
	} else {
		logger.Info("No RabbitMQ URL configured, events are not published")
	}
	defer publisher.Close()

	// Chain-data providers
	eth, err := ethereum.NewClient(&cfg.Ethereum, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize Ethereum client: %v", err)
	}
	defer eth.Close()

	explorer, err := etherscan.NewClient(&cfg.Etherscan, cfg.Ethereum.ChainID, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize Etherscan client: %v", err)
	}

	blobs, err := blobscan.NewClient(&cfg.Blobscan, cfg.Ethereum.ChainID, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize Blobscan client: %v", err)
	}

	analyzer := ethereum.NewAnalyzer(eth, blobs, cfg.Ethereum.MaxBlobFetch, logger)
	clk := clock.Real{}

	retry := tracker.NewRetryQueue(tracker.RetryConfig{
		BaseDelay:    cfg.Retry.BaseDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		PollInterval: cfg.Retry.PollInterval,
		ItemDelay:    cfg.Retry.ItemDelay,
	}, analyzer, store, publisher, clk, logger)

	scanner := tracker.NewScanner(tracker.ScannerConfig{
		Addresses:              cfg.Tracker.BatcherAddresses,
		StartBlock:             cfg.Tracker.StartBlock,
		Interval:               cfg.Tracker.ScanInterval,
		PageSize:               cfg.Tracker.PageSize,
		TruncationPolicy:       cfg.Tracker.TruncationPolicy,
		MaxConsecutiveFailures: cfg.Tracker.MaxConsecutiveFailures,
	}, eth, explorer, analyzer, store, retry, publisher, clk, logger)

	snapshots := tracker.NewSnapshotAggregator(cfg.Snapshot.Interval, cfg.Snapshot.BackfillDays, store, publisher, clk, logger)

	manager := tracker.NewManager(store, clk, logger, scanner, retry, snapshots)
	managerDone := make(chan error, 1)
	go func() {
		managerDone <- manager.Run(ctx)
	}()

	// Start HTTP API server
	apiServer := api.NewServer(&cfg.Server, manager, eth, api.Analysis{
		Analyzer:  analyzer,
		Contracts: explorer,
		Head:      eth,
	}, store, clk, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Errorf("Error stopping API server: %v", err)
	}

	cancel()
	select {
	case err := <-managerDone:
		if err != nil {
			logger.Errorf("Error stopping tracker loops: %v", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("Tracker loops did not stop before the shutdown timeout")
	}

	logger.Info("batchwatch tracker stopped")
}

func setupLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	// Set log level
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Set log format
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	if cfg.File != "" {
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}))
	}

	return logger
}
