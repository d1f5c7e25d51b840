package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

const (
	routeSendText  = "send-text"
	routeBroadcast = "broadcast"

	defaultBatchSize = 20
)

// Target is a tenant and the instance requests are sent through.
type Target struct {
	CompanyID  int64
	InstanceID int64
	Token      string
}

// Task is one request to send.
type Task struct {
	Route  string
	Target Target
}

// BatchTask is a batch of requests handled by one worker.
type BatchTask struct {
	Tasks []Task
}

type loadgen struct {
	apiURL  string
	quoteID int64
	client  *http.Client
	wg      *sync.WaitGroup
}

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	apiURL := flag.String("api-url", fmt.Sprintf("http://localhost:%d", cfg.Server.APIPort), "Dispatcher API base URL")
	targetsStr := flag.String("targets", "", "Comma-separated company:instance pairs, e.g. 3:11,4:12")
	routesStr := flag.String("routes", routeSendText, "Comma-separated routes to exercise (send-text, broadcast)")
	quoteID := flag.Int64("quote-id", 0, "Quote broadcast when the broadcast route is enabled")
	jwtSecret := flag.String("jwt-secret", cfg.Auth.JWTSecret, "HS256 secret used to sign tenant tokens")
	rate := flag.Int("rate", 10, "Target requests per second (total)")
	duration := flag.Duration("duration", time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	batchSize := flag.Int("batch-size", defaultBatchSize, "Number of requests per worker batch")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Dispatcher API Load Generator\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Queues WhatsApp messages through the daisi-wa-dispatcher HTTP API.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *batchSize <= 0 {
		*batchSize = defaultBatchSize
	}
	if *rate <= 0 {
		fmt.Println("rate must be positive")
		os.Exit(1)
	}

	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	targets, err := parseTargets(*targetsStr, *jwtSecret)
	if err != nil {
		logger.Log.Fatal("Invalid targets", zap.Error(err))
	}
	routes := strings.Split(*routesStr, ",")
	for _, r := range routes {
		if r != routeSendText && r != routeBroadcast {
			logger.Log.Fatal("Unsupported route", zap.String("route", r))
		}
		if r == routeBroadcast && *quoteID <= 0 {
			logger.Log.Fatal("The broadcast route needs -quote-id")
		}
	}

	observer.InitMetrics(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}()

	logger.Log.Info("Starting API load generator",
		zap.String("api_url", *apiURL),
		zap.Strings("routes", routes),
		zap.Int("targets", len(targets)),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("batch_size", *batchSize),
	)

	var wg sync.WaitGroup
	lg := &loadgen{
		apiURL:  strings.TrimRight(*apiURL, "/"),
		quoteID: *quoteID,
		client:  &http.Client{Timeout: 30 * time.Second},
		wg:      &wg,
	}
	pool, err := ants.NewPoolWithFunc(*concurrency, lg.runBatch)
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runLoadLoop(ctx, *rate, *duration, *batchSize, routes, targets, pool, &wg)
	}()

	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down...", zap.String("signal", sig.String()))
		cancel()
		<-loopDone
	case <-loopDone:
		logger.Log.Info("Load generation duration finished")
	}

	wg.Wait()
	cancel()
	metricsWg.Wait()
	logger.Log.Info("Load generator shutdown complete")
}

// parseTargets reads company:instance pairs and signs a token per company.
func parseTargets(raw, secret string) ([]Target, error) {
	if secret == "" {
		return nil, fmt.Errorf("a JWT secret is required")
	}
	var targets []Target
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("target %q is not company:instance", pair)
		}
		companyID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", pair, err)
		}
		instanceID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", pair, err)
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"company_id": companyID,
			"sub":        "loadgen",
			"exp":        time.Now().Add(24 * time.Hour).Unix(),
		}).SignedString([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("sign token for company %d: %w", companyID, err)
		}
		targets = append(targets, Target{CompanyID: companyID, InstanceID: instanceID, Token: token})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets provided")
	}
	return targets, nil
}

func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()
	return server
}

// runLoadLoop paces task creation at rate and hands full batches to the pool.
func runLoadLoop(ctx context.Context, rate int, duration time.Duration, batchSize int, routes []string, targets []Target, pool *ants.PoolWithFunc, wg *sync.WaitGroup) {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	durationTimer := time.NewTimer(duration)
	defer durationTimer.Stop()

	counter := 0
	batch := make([]Task, 0, batchSize)

	submit := func(tasks []Task) {
		if len(tasks) == 0 {
			return
		}
		wg.Add(len(tasks))
		if err := pool.Invoke(BatchTask{Tasks: tasks}); err != nil {
			logger.Log.Warn("Failed to invoke worker pool for batch", zap.Int("batch_task_count", len(tasks)), zap.Error(err))
			wg.Add(-len(tasks))
			for _, t := range tasks {
				observer.IncLoadgenErrors(t.Route)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			submit(batch)
			return
		case <-durationTimer.C:
			submit(batch)
			return
		case <-ticker.C:
			task := Task{Route: routes[counter%len(routes)], Target: targets[counter%len(targets)]}
			counter++
			observer.IncLoadgenAttempted(task.Route)

			batch = append(batch, task)
			if len(batch) >= batchSize {
				submit(batch)
				batch = make([]Task, 0, batchSize)
			}
		}
	}
}

func (lg *loadgen) runBatch(data interface{}) {
	batch := data.(BatchTask)
	for _, task := range batch.Tasks {
		func(t Task) {
			defer lg.wg.Done()
			if err := utils.WrapWithRecovery(func() error { return lg.do(t) })(); err != nil {
				logger.Log.Warn("Load request failed", zap.String("route", t.Route), zap.Int64("company_id", t.Target.CompanyID), zap.Error(err))
				observer.IncLoadgenErrors(t.Route)
				return
			}
			observer.IncLoadgenAccepted(t.Route)
		}(task)
	}
}

func (lg *loadgen) do(t Task) error {
	var (
		path string
		body interface{}
	)
	switch t.Route {
	case routeBroadcast:
		path = fmt.Sprintf("/api/v1/quotes/%d/broadcast", lg.quoteID)
		msg := gofakeit.Sentence(10)
		body = usecase.BroadcastRequest{QuoteID: lg.quoteID, InstanceID: t.Target.InstanceID, CustomMessage: &msg}
	default:
		path = "/api/v1/whatsapp/send-text"
		body = usecase.SendRequest{
			InstanceID:     t.Target.InstanceID,
			Phone:          model.FakePhone(),
			Message:        gofakeit.Sentence(12),
			IdempotencyKey: "loadgen-" + uuid.NewString(),
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", t.Route, err)
	}
	req, err := http.NewRequest(http.MethodPost, lg.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.Target.Token)

	resp, err := lg.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, msg)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
