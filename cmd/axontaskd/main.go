// Command axontaskd is the API server: CreateTask, GetTaskStatus,
// StreamTask, ResumeStream, CancelTask, and GetReceipt over HTTP, per
// spec.md §6. Bootstrap follows the teacher's cmd/reproq worker
// subcommand and internal/web/server.go Start (flag parsing over a
// layered config, an http.Server with explicit timeouts, graceful
// shutdown on SIGINT/SIGTERM), generalized from a single metrics-only
// mux to the full task API plus health/metrics.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"axontask/internal/adapter"
	"axontask/internal/adapter/container"
	"axontask/internal/adapter/mock"
	"axontask/internal/adapter/remotedeploy"
	"axontask/internal/adapter/shell"
	"axontask/internal/config"
	"axontask/internal/delivery"
	"axontask/internal/logging"
	"axontask/internal/metrics"
	"axontask/internal/quota"
	"axontask/internal/receipt"
	"axontask/internal/store"
	"axontask/internal/streambuffer"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		log.Printf("axontaskd version %s", Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	configPath, err := config.ResolveConfigPath(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		log.Fatal(err)
	}

	fs := flag.NewFlagSet("axontaskd", flag.ExitOnError)
	fs.String("config", configPath, "path to axontask config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	logger := logging.Init("api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.StoreURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.StreamURL)
	if err != nil {
		logger.Error("parse stream url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	st := store.New(pool)
	buf := streambuffer.New(rdb)
	gate := quota.New(rdb, storeUsageSource{st})
	registry := adapter.NewRegistry(mock.New(), shell.New(), container.New(), remotedeploy.New())

	var signer *receipt.Signer
	if cfg.ReceiptSigningKey != "" {
		if cfg.SigningAlgorithm == "ed25519" {
			logger.Warn("ed25519 receipt signing requires a PEM-decoded private key; configure one out of band and replace this signer before production use")
		} else {
			signer = receipt.NewHMACSigner(cfg.ReceiptKeyID, []byte(cfg.ReceiptSigningKey))
		}
	}

	planFor := func(ctx context.Context, tenantID string) (quota.Plan, error) {
		p, err := st.GetTenantPlan(ctx, tenantID)
		if err != nil {
			return "", err
		}
		return quota.Plan(p), nil
	}

	api := &apiServer{
		store:    st,
		pool:     pool,
		buf:      buf,
		gate:     gate,
		registry: registry,
		signer:   signer,
		planFor:  planFor,
		secret:   cfg.JWTSecret,
		log:      logger,
	}

	streamHandler := delivery.New(st, buf, gate, cfg.JWTSecret, st, planFor, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", api.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{id}", api.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", api.handleCancelTask)
	mux.HandleFunc("GET /v1/tasks/{id}/receipt", api.handleGetReceipt)
	mux.Handle("GET /v1/tasks/{id}/stream", streamHandler)
	mux.Handle("GET /v1/tasks/{id}/resume", streamHandler)
	mux.HandleFunc("GET /healthz", api.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	metrics.StartCollector(ctx, pool, 5*time.Second, logger)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: StreamTask/ResumeStream hold the connection
		// open for the life of the task, sometimes far longer than any
		// fixed deadline would allow.
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
	}()

	logger.Info("axontaskd listening", "addr", cfg.BindAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// storeUsageSource adapts internal/store's wider UsageForPeriod (which
// returns the full UsageCounter row) to quota.UsageSource's narrower
// tasksCreated-only signature.
type storeUsageSource struct {
	st *store.Store
}

func (s storeUsageSource) CountRunningTasks(ctx context.Context, tenantID string) (int, error) {
	return s.st.CountRunningTasks(ctx, tenantID)
}

func (s storeUsageSource) UsageForPeriod(ctx context.Context, tenantID string, at time.Time) (int64, error) {
	uc, err := s.st.UsageForPeriod(ctx, tenantID, at)
	if err != nil {
		return 0, err
	}
	return uc.TasksCreated, nil
}
