package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/larder/internal/api"
	"github.com/mattjoyce/larder/internal/auth"
	"github.com/mattjoyce/larder/internal/catalog"
	"github.com/mattjoyce/larder/internal/config"
	"github.com/mattjoyce/larder/internal/dispatch"
	"github.com/mattjoyce/larder/internal/events"
	"github.com/mattjoyce/larder/internal/janitor"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/lock"
	"github.com/mattjoyce/larder/internal/log"
	"github.com/mattjoyce/larder/internal/projector"
	"github.com/mattjoyce/larder/internal/storage"
	"github.com/mattjoyce/larder/internal/tracing"
	"github.com/mattjoyce/larder/internal/upload"
	"github.com/mattjoyce/larder/internal/worker"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("larder starting", "version", version, "config", path)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(cfg.Service.Name, os.Stdout)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
			return 1
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	jobs := jobstore.New(db)
	cat := catalog.New(db)
	uploads, err := upload.NewFSStore(cfg.Uploads.Dir)
	if err != nil {
		logger.Error("failed to initialize upload store", "dir", cfg.Uploads.Dir, "error", err)
		return 1
	}

	hub := events.NewHub(256)
	disp := dispatch.New(jobs, uploads, worker.NewInvoker(), hub, worker.Profiles(cfg), cfg.Service.MaxConcurrentWorkers)

	jan, err := janitor.New(jobs, uploads, disp, janitor.Options{
		Schedule:    cfg.Service.JanitorSchedule,
		OrphanAfter: cfg.MaxWorkerDeadline(),
		Retention:   cfg.Service.UploadRetention,
	})
	if err != nil {
		logger.Error("failed to configure janitor", "error", err)
		return 1
	}

	// The PID lock makes every unresolved job an orphan of a dead process.
	recovered, err := jan.Recover(ctx)
	if err != nil {
		logger.Error("failed to recover abandoned jobs", "error", err)
		return 1
	}
	if recovered > 0 {
		logger.Warn("failed jobs abandoned by a previous run", "count", recovered)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jan.Start(gctx) })

	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen:         cfg.API.Listen,
			Tokens:         tokenConfigs(cfg.API.Tokens),
			AllowedOrigins: cfg.API.AllowedOrigins,
			MaxUploadBytes: cfg.API.MaxUploadBytes,
		}, api.Deps{
			Submitter: disp,
			Jobs:      jobs,
			Inputs:    uploads,
			Catalog:   cat,
			Resolver:  projector.New(cat),
			Events:    hub,
		}, log.WithComponent("api"))
		g.Go(func() error { return server.Start(gctx) })
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("larder running (press Ctrl+C to stop)")
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("component failed", "error", runErr)
	} else {
		logger.Info("received shutdown signal")
	}

	// In-flight jobs get as long as a worker may legitimately take.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.MaxWorkerDeadline())
	defer cancel()
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher interrupted running jobs", "error", err)
	}

	logger.Info("larder stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

func tokenConfigs(tokens []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Subject: t.Subject, Scopes: t.Scopes})
	}
	return out
}

// loadConfig loads the config at path, discovering it when path is empty.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
