// Command axontask-worker runs the reservation poll loop, watchdog, and
// adapter execution pipeline (C5), i.e. the process that actually
// carries out tasks the API server admits. Bootstrap follows the
// teacher's cmd/worker/main.go (load config, connect the pool, build
// the runner, block on Start), generalized to also connect Redis for
// the stream buffer and to register the full adapter set instead of a
// single hardcoded ShellExecutor.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"axontask/internal/adapter"
	"axontask/internal/adapter/container"
	"axontask/internal/adapter/mock"
	"axontask/internal/adapter/remotedeploy"
	"axontask/internal/adapter/shell"
	"axontask/internal/config"
	"axontask/internal/eventpipeline"
	"axontask/internal/lifecycle"
	"axontask/internal/logging"
	"axontask/internal/store"
	"axontask/internal/streambuffer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
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

	fs := flag.NewFlagSet("axontask-worker", flag.ExitOnError)
	fs.String("config", configPath, "path to axontask config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	logger := logging.Init(cfg.WorkerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.StoreURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.StreamURL)
	if err != nil {
		logger.Error("failed to parse stream url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	st := store.New(pool)
	buf := streambuffer.New(rdb)
	pipeline := eventpipeline.New(st, buf, uint64(cfg.DigestEveryNEvents), logger)
	registry := buildRegistry(cfg.AllowedAdapters)

	compactor := eventpipeline.NewCompactor(st, buf, cfg.CompactionThreshold, logger)
	go func() {
		if err := compactor.Start(ctx, compactionSchedule); err != nil {
			logger.Error("compaction scheduler exited with error", "error", err)
		}
	}()

	w := lifecycle.New(cfg.WorkerID, st, buf, pipeline, registry, logger)
	if err := w.Run(ctx); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

// compactionSchedule runs the retention sweep every 5 minutes, the
// cadence spec.md §4.6's compaction paragraph suggests for a threshold
// in the low thousands of events.
const compactionSchedule = "0 */5 * * * *"

// buildRegistry constructs the full adapter set and filters it down to
// allowed, matching spec.md §7's "unknown/disallowed adapter names fail
// at admission" for this deployment.
func buildRegistry(allowed []string) *adapter.Registry {
	all := map[string]adapter.Adapter{
		mock.Name:        mock.New(),
		shell.Name:       shell.New(),
		container.Name:   container.New(),
		remotedeploy.Name: remotedeploy.New(),
	}
	allowSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowSet[name] = struct{}{}
	}
	var enabled []adapter.Adapter
	for name, a := range all {
		if _, ok := allowSet[name]; ok {
			enabled = append(enabled, a)
		}
	}
	return adapter.NewRegistry(enabled...)
}
