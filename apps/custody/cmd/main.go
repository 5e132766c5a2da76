package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"custody/apps/custody/internal/api"
	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/config"
	"custody/apps/custody/internal/contentstore"
	"custody/apps/custody/internal/escrow"
	"custody/apps/custody/internal/event_publisher"
	"custody/apps/custody/internal/location_ingestor"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/proof"
	"custody/apps/custody/internal/repository"
	"custody/apps/custody/internal/tracking"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting application with configuration",
		zap.String("rpc_url", cfg.RpcURL),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("escrow_contract", cfg.EscrowContract),
		zap.String("attestation_contract", cfg.AttestationContract),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("content_store_url", cfg.ContentStoreURL),
		zap.String("waypoint_store", cfg.WaypointStore),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Int("api_port", cfg.APIPort),
	)

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	orderRepository := repository.NewOrderRepository(db, logger)
	escrowLogRepository := repository.NewEscrowLogRepository(db, logger)
	contentRepository := repository.NewContentRepository(db, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	// One RPC connection shared by every chain reader and writer
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 30*time.Second)
	ethClient, err := ethclient.DialContext(dialCtx, cfg.RpcURL)
	dialCancel()
	if err != nil {
		logger.Fatal("Failed to connect to Ethereum client", zap.Error(err))
	}
	defer ethClient.Close()

	var operator *chain.Signer
	if cfg.OperatorKey != "" {
		operator, err = chain.NewSigner("operator", cfg.OperatorKey)
		if err != nil {
			logger.Fatal("Failed to load operator key", zap.Error(err))
		}
		logger.Info("Loaded operator signer", zap.String("address", operator.Address().Hex()))
	} else {
		logger.Warn("OPERATOR_KEY not set, escrow releases will fail")
	}

	keyring, err := chain.NewKeyring(cfg.SignerKeys)
	if err != nil {
		logger.Fatal("Failed to load signer keys", zap.Error(err))
	}

	chainClient, err := chain.NewClient(ethClient, chain.Options{
		EscrowContract:      cfg.EscrowContract,
		AttestationContract: cfg.AttestationContract,
		ChainID:             cfg.ChainID,
		Operator:            operator,
		DisputeIndexEnabled: cfg.DisputeIndexEnabled,
		ReceiptTimeout:      cfg.ReceiptTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create chain client", zap.Error(err))
	}

	// Waypoint ledger
	var waypointStore tracking.Store
	switch cfg.WaypointStore {
	case config.WaypointStoreMemory:
		waypointStore = tracking.NewMemoryStore()
	default:
		waypointStore = repository.NewWaypointRepository(db, logger)
	}
	ledger := tracking.NewLedger(waypointStore, logger)

	// Content store for proof bundles
	var contentStore contentstore.Store
	if cfg.ContentStoreURL != "" {
		contentStore = contentstore.NewIPFSStore(cfg.ContentStoreURL, logger)
	} else {
		contentStore = contentstore.NewDatabaseStore(contentRepository, logger)
	}

	packager := proof.NewPackager(ledger, contentStore, logger)
	submitter := proof.NewSubmitter(packager, orderRepository, chainClient, ledger, escrowLogRepository, keyring, logger)

	calculator := escrow.NewDeliveryWindowCalculator(cfg.BlocksPerDay, cfg.DefaultDeliveryDays)
	reconciler := escrow.NewReconciler(chainClient, orderRepository, escrowLogRepository, calculator, cfg.DryRun, logger)
	reconciler.Start(cfg.ReconcileInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers sync.WaitGroup

	// Start retention janitor in background
	janitor := tracking.NewJanitor(ledger, cfg.RetentionDays, cfg.CleanupInterval, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		janitor.Start(ctx)
	}()

	if cfg.KafkaEnabled() {
		// Create event publisher
		eventPublisher, err := event_publisher.NewEventPublisher(cfg.KafkaBroker, cfg.EscrowEventTopic, logger, escrowLogRepository)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
		defer eventPublisher.Close()

		workers.Add(1)
		go func() {
			defer workers.Done()
			eventPublisher.StartPublishing(ctx)
		}()

		// Create location ingestor
		ingestor, err := location_ingestor.NewLocationIngestor(cfg.KafkaBroker, cfg.LocationTopic, logger, ledger)
		if err != nil {
			logger.Fatal("Failed to create location ingestor", zap.Error(err))
		}
		defer ingestor.Close()

		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := ingestor.Start(ctx); err != nil {
				logger.Fatal("Location ingestor failed", zap.Error(err))
			}
		}()
	} else {
		logger.Info("KAFKA_BROKER not set, event publisher and location ingestor disabled")
	}

	// Create and start API server
	apiServer := api.NewServer(cfg.APIPort, ledger, submitter, reconciler, chainClient, registry, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	// Create a context with timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown API server gracefully
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	// Waits for an in-flight reconciliation run to finish
	reconciler.Stop()

	cancel()
	workers.Wait()

	logger.Info("Application shutdown complete")
}
