// credeval - NCAA credential evaluation for foreign secondary transcripts.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/go4it/credeval/internal/api"
	"github.com/go4it/credeval/internal/bus"
	"github.com/go4it/credeval/internal/cache"
	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/eligibility"
	"github.com/go4it/credeval/internal/engine"
	"github.com/go4it/credeval/internal/lock"
	"github.com/go4it/credeval/internal/metrics"
	"github.com/go4it/credeval/internal/repository"
	"github.com/go4it/credeval/internal/scheduler"
	"github.com/go4it/credeval/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	cfg := domain.DefaultConfig()
	if os.Getenv("CREDEVAL_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}
	cfg.ApplyEnv()

	setupLogger(cfg.Logging)

	slog.Info("starting credeval",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"lock", cfg.Lock.Type,
		"policy", cfg.Policy.Name,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("credeval failed", "error", err)
		os.Exit(1)
	}
	slog.Info("credeval shutdown complete")
}

func setupLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("CREDEVAL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	store, err := loadCatalog(ctx, cfg.Catalog, repo)
	if err != nil {
		return err
	}
	stats := store.Current().Stats()
	slog.Info("catalog initialized",
		"catalog_version", stats.Version,
		"systems", len(stats.Systems),
		"rules", stats.Rules,
	)

	rules, err := eligibility.NewRules(cfg.Policy)
	if err != nil {
		return fmt.Errorf("compile eligibility policy: %w", err)
	}

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	locker, err := lock.New(cfg.Lock)
	if err != nil {
		return fmt.Errorf("initialize lock: %w", err)
	}
	defer locker.Close()

	m := metrics.New()
	svc := engine.NewService(repo, store, eligibility.NewEvaluator(rules), locker, engine.Options{
		Cache:   cacheImpl,
		Bus:     busImpl,
		Metrics: m,
		LockTTL: cfg.Lock.TTL,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Worker.WorkerCount}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	sched := scheduler.New(cfg.Scheduler, svc, svc.Queue())
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Service: svc,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Metrics: m,
		Version: Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("credeval is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	sched.Stop()
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return serveErr
}

// loadCatalog builds the catalog store. Repository data wins over the seed;
// an empty repository is seeded when configured to.
func loadCatalog(ctx context.Context, cfg domain.CatalogConfig, repo domain.Repository) (*catalog.Store, error) {
	seed, err := catalog.DefaultSeed()
	if cfg.SeedPath != "" {
		seed, err = catalog.LoadSeedFile(cfg.SeedPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog seed: %w", err)
	}

	stored, err := repo.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog from repository: %w", err)
	}
	if len(stored.Systems) > 0 {
		slog.Info("using catalog from repository", "systems", len(stored.Systems))
		return catalog.NewStore(stored)
	}

	if cfg.SeedRepository {
		if err := repo.SaveCatalog(ctx, seed); err != nil {
			return nil, fmt.Errorf("seed repository catalog: %w", err)
		}
		slog.Info("repository catalog seeded", "systems", len(seed.Systems))
	}
	return catalog.NewStore(seed)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 CREDEVAL                  |")
	fmt.Println("  |   NCAA Foreign Credential Evaluation      |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Policy:   %s\n", cfg.Policy.Name)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transcripts                        - Submit a transcript")
	fmt.Println("    GET  /transcripts/{id}                   - Get transcript")
	fmt.Println("    POST /transcripts/{id}/evaluate          - Evaluate a transcript")
	fmt.Println("    GET  /transcripts/{id}/evaluations       - Evaluation history")
	fmt.Println("    GET  /transcripts/{id}/evaluations/latest - Latest evaluation")
	fmt.Println("    GET  /evaluations/{id}                   - Get evaluation by ID")
	fmt.Println("    GET  /audit                              - Query the audit trail")
	fmt.Println("    GET  /review                             - List review items")
	fmt.Println("    POST /review/{id}/resolve                - Resolve a review item")
	fmt.Println("    GET  /catalog                            - Reference catalog")
	fmt.Println("    POST /catalog/reload                     - Reload reference catalog")
	fmt.Println("    GET  /health, /ready, /metrics           - Operations")
	fmt.Println()
}
