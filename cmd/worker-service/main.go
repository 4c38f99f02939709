package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/brandpulse/automation-be/internal/config"
	"github.com/brandpulse/automation-be/internal/engine/domain"
	"github.com/brandpulse/automation-be/internal/engine/notify"
	"github.com/brandpulse/automation-be/internal/engine/provider"
	"github.com/brandpulse/automation-be/internal/engine/quota"
	"github.com/brandpulse/automation-be/internal/engine/storage"
	"github.com/brandpulse/automation-be/internal/engine/verify"
	"github.com/brandpulse/automation-be/internal/engine/worker"
	"github.com/brandpulse/automation-be/shared/logger"
	"github.com/brandpulse/automation-be/shared/postgresql"
	"github.com/brandpulse/automation-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := storage.EnsureSchema(dbClient.GetDB()); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client (publish only, no queue)
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Wire the execution engine
	store := storage.NewStorage(dbClient, appLogger.Logger)
	events := notify.NewPublisher(rabbitClient, appLogger.Logger)
	ledger := quota.NewLedger(store, cfg.Quota.DefaultAllowance, appLogger.Logger)
	gateway := provider.NewGateway(endpointChains(&cfg.Providers), appLogger.Logger)
	verifier := verify.New(verifierConfig(&cfg.Verification), appLogger.Logger)

	// Re-arm units abandoned by a previous crash before claiming new work.
	staleAfter := cfg.Worker.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 10*time.Second)
	recovered, err := store.RecoverStaleUnits(recoverCtx, staleAfter)
	recoverCancel()
	if err != nil {
		return fmt.Errorf("failed to recover stale units: %w", err)
	}
	if recovered > 0 {
		appLogger.Warn("Recovered stale in-progress units",
			slog.Int("count", recovered),
		)
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:       appLogger.Logger,
		Store:        store,
		Gateway:      gateway,
		Ledger:       ledger,
		Verifier:     verifier,
		Events:       events,
		WorkerID:     workerID,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		UnitTimeout:  cfg.Worker.UnitTimeout,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// endpointChains converts configured provider chains to the gateway's form,
// preserving priority order.
func endpointChains(cfg *config.ProvidersConfig) map[domain.Capability][]provider.Endpoint {
	chains := make(map[domain.Capability][]provider.Endpoint)
	add := func(capability domain.Capability, endpoints []config.ProviderEndpointConfig) {
		for _, e := range endpoints {
			chains[capability] = append(chains[capability], provider.Endpoint{
				URL:     e.URL,
				APIKey:  e.APIKey,
				Timeout: e.Timeout,
			})
		}
	}
	add(domain.CapabilityImageGeneration, cfg.ImageGeneration)
	add(domain.CapabilityTextReply, cfg.TextReply)
	add(domain.CapabilitySocialPublish, cfg.SocialPublish)
	return chains
}

// verifierConfig converts verification settings to the verifier's form.
func verifierConfig(cfg *config.VerificationConfig) verify.Config {
	out := verify.Config{
		Defaults: verify.Window{
			PollInterval:   cfg.PollInterval,
			ConfirmTimeout: cfg.ConfirmTimeout,
		},
		RequestTimeout:  cfg.RequestTimeout,
		StatusEndpoints: make(map[domain.Capability]string),
		Overrides:       make(map[domain.Capability]verify.Window),
	}
	for capability, endpoint := range cfg.StatusEndpoints {
		out.StatusEndpoints[domain.Capability(capability)] = endpoint
	}
	for capability, window := range cfg.Overrides {
		out.Overrides[domain.Capability(capability)] = verify.Window{
			PollInterval:   window.PollInterval,
			ConfirmTimeout: window.ConfirmTimeout,
		}
	}
	return out
}
