package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AneKazek/open-gemma-rag/internal/cli"
	"github.com/AneKazek/open-gemma-rag/internal/config"
	"github.com/AneKazek/open-gemma-rag/internal/history"
	"github.com/AneKazek/open-gemma-rag/internal/httpapi"
	"github.com/AneKazek/open-gemma-rag/internal/llm"
	"github.com/AneKazek/open-gemma-rag/internal/memory"
	"github.com/AneKazek/open-gemma-rag/internal/observability"
	"github.com/AneKazek/open-gemma-rag/internal/rag"
	"github.com/AneKazek/open-gemma-rag/internal/search"
)

func main() {
	var (
		mode       = flag.String("mode", "cli", "run mode: cli or api")
		configPath = flag.String("config", "", "optional YAML config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid LOG_LEVEL %q: %v", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store := memory.NewClient(memory.ClientConfig{
		BaseURL:             cfg.MemoryBaseURL(),
		Collection:          cfg.Memory.Collection,
		TopK:                cfg.Memory.TopK,
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		SimilarityMetric:    cfg.Memory.SimilarityMetric,
	})

	searcher := search.NewClient(search.ClientConfig{
		BaseURL:    cfg.SearchBaseURL(),
		MaxResults: cfg.Search.MaxResults,
		Threshold:  cfg.Search.Threshold,
		Timeout:    cfg.Search.Timeout,
	})

	generator := llm.NewClient(llm.ClientConfig{
		BaseURL:     cfg.LLMBaseURL(),
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
	})

	// The memory service may come up after us; retrieval already degrades
	// gracefully, so collection setup is best-effort too.
	setupCtx, setupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.EnsureCollection(setupCtx); err != nil {
		log.WithError(err).Warn("memory collection setup failed, continuing")
	}
	setupCancel()

	sessions := history.NewManager(cfg.HistoryMaxTurns, cfg.HistoryIdleAfter)
	sessions.SetExpireHook(func(_ *history.Session) {
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := rag.New(store, searcher, generator, sessions, metrics, rag.Config{
		SearchEnabled:   cfg.Search.Enabled,
		SearchThreshold: cfg.Search.Threshold,
	})

	switch *mode {
	case "cli":
		runCLI(orchestrator)
	case "api":
		runAPI(cfg, orchestrator, store, searcher, metrics, sessions)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (expected cli or api)\n", *mode)
		os.Exit(2)
	}
}

func runCLI(orchestrator *rag.Orchestrator) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := cli.New(orchestrator, os.Stdin, os.Stdout)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("prompt loop error: %v", err)
	}
}

func runAPI(cfg config.Config, orchestrator *rag.Orchestrator, store memory.Store, searcher search.Searcher, metrics *observability.Metrics, sessions *history.Manager) {
	api := httpapi.New(cfg, orchestrator, store, searcher, metrics)
	httpServer := &http.Server{
		Addr:    cfg.APIBindAddr(),
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, time.Minute)

	go func() {
		log.WithField("addr", cfg.APIBindAddr()).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info("shutdown complete")
}
