// Package main is the entry point for the deckplane service.
// It owns the container runtime, runs the presentation pipeline and serves the gateway API.
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

	"deckplane/internal/auth"
	"deckplane/internal/config"
	"deckplane/internal/gateway"
	"deckplane/internal/logger"
	"deckplane/internal/observability"
	"deckplane/internal/orchestrator"
	"deckplane/internal/pipeline"
	"deckplane/internal/publish"
	"deckplane/internal/runtime"
	"deckplane/internal/store"
	"deckplane/internal/store/memory"
	"deckplane/internal/store/postgres"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: deckplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel)
	slog.SetDefault(logg)

	ctx := context.Background()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "deckplane", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	pipelineMetrics, err := observability.NewPipelineMetrics()
	if err != nil {
		log.Fatalf("Failed to create pipeline metrics: %v", err)
	}

	// Store
	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	if n, err := st.FailActiveRuns(ctx, "interrupted by a service restart"); err != nil {
		logg.Warn("failed to close interrupted runs", "error", err)
	} else if n > 0 {
		logg.Warn("closed runs interrupted by a restart", "count", n)
	}

	// Runtime
	rt, err := openRuntime(cfg, logg)
	if err != nil {
		log.Fatalf("Failed to create %s runtime: %v", cfg.Runtime, err)
	}

	// Stages
	template := pipeline.DefaultTemplate()
	if cfg.StageTemplate != "" {
		if template, err = pipeline.LoadTemplate(cfg.StageTemplate); err != nil {
			log.Fatalf("Failed to load stage template: %v", err)
		}
		logg.Info("using stage template", "path", cfg.StageTemplate, "stages", len(template.Stages))
	}

	orch, err := orchestrator.New(rt, orchestrator.Options{
		DataDir:  cfg.DataDir,
		Template: template,
		Defaults: pipeline.Defaults{
			Timeout:    cfg.StageTimeout,
			Retries:    cfg.StageRetries,
			RetryDelay: cfg.StageRetryDelay,
		},
		LinkPattern:       cfg.LinkPattern,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		Engine:            pipeline.Config{RunTimeout: cfg.RunTimeout},
		LogSink:           store.LogSink{Logs: st},
		Metrics:           pipelineMetrics,
		Logger:            logg,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	if err := orch.EnsureLayout(); err != nil {
		log.Fatalf("Failed to prepare data directory: %v", err)
	}
	if err := observability.RegisterTrackedContainers(orch.Tracker().Len); err != nil {
		logg.Warn("failed to register tracked containers metric", "error", err)
	}

	// Publishing
	var publisher gateway.Publisher
	if cfg.PublishingEnabled() {
		p, err := openPublisher(ctx, cfg, orch.OutputDir(), logg)
		if err != nil {
			log.Fatalf("Failed to set up publishing: %v", err)
		}
		publisher = p
	}

	keys, err := auth.ParseTokens(cfg.APITokens)
	if err != nil {
		log.Fatalf("Invalid api_tokens: %v", err)
	}
	if keys.Len() == 0 {
		logg.Warn("no API tokens configured, every run endpoint will answer 401")
	}

	runner := gateway.NewRunner(orch, st, publisher, logg)

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := gateway.New(st, orch, runner, gateway.Options{
		Addr:           addr,
		Keys:           keys,
		RateLimit:      cfg.RateLimit,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        metricsHandler,
		Logger:         logg,
	})

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	go func() {
		logg.Info("deckplane starting", "addr", addr, "runtime", cfg.Runtime, "data_dir", orch.DataDir())
		if err := srv.Run(serverCtx); err != nil {
			logg.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down deckplane")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server forced to shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logg.Error("orchestrator shutdown incomplete", "error", err)
	}
	if err := runner.Wait(shutdownCtx); err != nil {
		logg.Error("runs still recording at exit", "error", err)
	}
	logg.Info("deckplane exited properly")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Info("no database configured, keeping runs in memory")
		return memory.New(), nil
	}
	return postgres.New(ctx, cfg.DatabaseURL)
}

func openRuntime(cfg *config.Config, logg *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "kubernetes":
		logg.Info("using kubernetes runtime", "namespace", cfg.KubernetesNamespace)
		return runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:          cfg.KubernetesNamespace,
			ServiceAccount:     cfg.KubernetesSA,
			DefaultCPULimit:    cfg.KubernetesCPULimit,
			DefaultMemoryLimit: cfg.KubernetesMemLimit,
		}, logg)
	default:
		logg.Info("using docker runtime")
		return runtime.NewDockerRuntime(runtime.DockerConfig{PullMissingImages: cfg.PullMissingImages}, logg)
	}
}

func openPublisher(ctx context.Context, cfg *config.Config, outputDir string, logg *slog.Logger) (*publish.Publisher, error) {
	objects, err := publish.NewMinioStore(publish.MinioConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := objects.EnsureBucket(bucketCtx); err != nil {
		return nil, err
	}
	logg.Info("publishing outputs", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	return publish.NewPublisher(objects, outputDir, cfg.S3Prefix, cfg.S3URLTTL, logg), nil
}
