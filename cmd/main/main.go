package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/crypto"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/dispatch"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/gateway"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/httpapi"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/ingestion"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/lock"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

const (
	shutdownTimeout = 30 * time.Second

	// Sized for a few days of single sends at 1% false positives.
	idempotencyCacheSize = 200_000
	idempotencyCacheFP   = 0.01
)

// dispatchQueue is the enqueue and consume side of the selected queue driver.
type dispatchQueue interface {
	queue.Enqueuer
	queue.Consumer
}

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(cfg.Metrics.Enabled)

	logger.Log.Info("Starting Daisi WA Dispatcher",
		zap.String("environment", cfg.Environment),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.String("zapi_base_url", cfg.ZAPI.BaseURL),
	)

	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	messageRepo := storage.NewMessageRepoAdapter(postgresRepo)
	instanceRepo := storage.NewInstanceRepoAdapter(postgresRepo)
	quoteRepo := storage.NewQuoteRepoAdapter(postgresRepo)
	exhaustedRepo := storage.NewExhaustedDispatchRepoAdapter(postgresRepo)

	cipher, err := initTokenCipher(cfg.Crypto.Key)
	if err != nil {
		logger.Log.Fatal("Failed to initialize token cipher", zap.Error(err))
	}
	gw := gateway.NewClient(cfg.ZAPI, cipher)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	policy := queue.RetryPolicy{MaxAttempts: cfg.Dispatch.MaxAttempts, Backoff: cfg.Dispatch.Backoff}

	var (
		jsClient *jetstream.Client
		locker   lock.Locker
		dq       dispatchQueue
	)
	switch cfg.Queue.Driver {
	case config.QueueDriverJetStream:
		jsClient, err = initJetStreamClient(cfg.NATS.URL)
		if err != nil {
			logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
		}
		kv, err := jsClient.KeyValue(mainCtx, cfg.NATS.LockBucket, cfg.Dispatch.LockTTL)
		if err != nil {
			logger.Log.Fatal("Failed to open send lock bucket", zap.Error(err))
		}
		locker = lock.NewKVLocker(kv)
		dq, err = queue.NewJetStreamQueue(mainCtx, cfg.NATS.Dispatch, cfg.Queue.Workers, policy, jsClient, logger.Log)
		if err != nil {
			logger.Log.Fatal("Failed to set up dispatch queue", zap.Error(err))
		}
	default:
		logger.Log.Warn("Using in-memory dispatch queue; queued jobs are lost on restart")
		locker = lock.NewMemoryLocker(cfg.Dispatch.LockTTL)
		dq, err = queue.NewMemoryQueue(policy, cfg.Queue.Workers, queue.WithMaxDeliver(cfg.NATS.Dispatch.MaxDeliver))
		if err != nil {
			logger.Log.Fatal("Failed to set up dispatch queue", zap.Error(err))
		}
	}

	job := dispatch.NewJob(messageRepo, instanceRepo, exhaustedRepo, gw, locker, cfg.Dispatch)
	seen := cache.NewIdempotencyCache(idempotencyCacheSize, idempotencyCacheFP)

	api := &httpapi.API{
		Send:      usecase.NewSendService(messageRepo, instanceRepo, dq, seen, cfg.ZAPI),
		Broadcast: usecase.NewBroadcastService(quoteRepo, messageRepo, instanceRepo, dq, cfg.ZAPI, cfg.Dispatch.StaggerInterval),
		Queue:     usecase.NewDrainService(messageRepo, job, dq, cfg.Drain),
		Instances: usecase.NewInstanceService(instanceRepo, gw, cipher),
	}
	webhook := &httpapi.Webhook{
		Handler: usecase.NewWebhookService(instanceRepo, messageRepo, ingestion.NewRouter(), cfg.ZAPI.WebhookSecret),
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Log.Warn("auth.jwtSecret is empty; tenant routes will reject every request")
	}
	if cfg.ZAPI.WebhookSecret == "" {
		logger.Log.Warn("zapi.webhookSecret is empty; webhook callbacks are not authenticated")
	}
	apiServer := httpapi.NewServer(strconv.Itoa(cfg.Server.APIPort), httpapi.NewRouter(api, webhook, cfg.Auth.JWTSecret), logger.Log)

	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), logger.Log)
	healthServer.AddCheck("postgres", postgresRepo.Ping)
	if jsClient != nil {
		healthServer.AddCheck("nats", func(context.Context) error {
			if !jsClient.NatsConn().IsConnected() {
				return fmt.Errorf("nats: %s", jsClient.NatsConn().Status())
			}
			return nil
		})
	}
	if cfg.Metrics.Enabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	}
	healthServer.Start()

	logger.Log.Info("Health check endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
	)

	if err := dq.Start(mainCtx, job); err != nil {
		logger.Log.Fatal("Failed to start dispatch consumer", zap.Error(err))
	}
	apiServer.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	// Stop taking requests first so nothing is enqueued into a stopping consumer.
	stopComponent("API server", func() {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping API server", zap.Error(err))
		}
	}).Wait()

	mainCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stopComponent("dispatch consumer", dq.Stop).Wait()
	}()
	go func() {
		defer wg.Done()
		stopComponent("health check server", func() {
			if err := healthServer.Stop(shutdownCtx); err != nil {
				logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
			}
		}).Wait()
	}()

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		stopComponent("connections", func() {
			if err := postgresRepo.Close(shutdownCtx); err != nil {
				logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
			}
			if jsClient != nil {
				jsClient.Close()
			}
		}).Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Daisi WA Dispatcher shutdown complete")
}

// stopComponent runs stop in a recovered goroutine and logs how long it took.
func stopComponent(name string, stop func()) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping " + name)
		start := time.Now()
		stop()
		logger.Log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping "+name,
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
	})
	return &wg
}

// Initialize PostgreSQL repository
func initPostgresRepo(dsn string, autoMigrate bool) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}

func initJetStreamClient(url string) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}
	return client, nil
}

// initTokenCipher encrypts stored gateway tokens when a key is configured.
func initTokenCipher(key string) (crypto.TokenCipher, error) {
	if key == "" {
		logger.Log.Warn("crypto.key is empty; gateway tokens are stored in plaintext")
		return crypto.Plaintext{}, nil
	}
	return crypto.NewXChaCha(key)
}
