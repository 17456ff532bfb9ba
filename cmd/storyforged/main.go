package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"storyforge/internal/assets"
	"storyforge/internal/config"
	"storyforge/internal/graph"
	"storyforge/internal/logging"
	"storyforge/internal/orchestrator"
	"storyforge/internal/scheduler"
	"storyforge/internal/services/embed"
	"storyforge/internal/services/mediagen"
	"storyforge/internal/services/textgen"
	"storyforge/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	st, err := store.Open(cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		return
	}
	defer st.Close()

	gm := graph.NewManager(st.DB(), logger)
	cache := assets.NewCache(st, cfg.Assets.ReuseThreshold, logger)

	orch := orchestrator.New(
		st, gm, cache,
		textgen.NewClient(cfg.TextGen),
		mediagen.NewClient(cfg.MediaGen),
		embed.NewClient(cfg.Embeddings),
		cfg.Tiers,
		logger,
	)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(st, orch, cfg.Scheduler.PollInterval, cfg.Scheduler.DispatchParallel, logger)
		sched.Start(ctx)
		defer sched.Stop()
	}

	logger.Info("storyforged started", "project_root", cfg.Paths.ProjectRoot)
	<-ctx.Done()
	logger.Info("storyforged shutting down")
}
