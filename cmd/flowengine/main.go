// Package main is the entry point for the flow engine worker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/api"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/archive"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/config"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/agent"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/code"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/llm"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/nodes/tool"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/notifier"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/sandbox"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/secrets"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/tracing"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/validator"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "flowengine-" + uuid.NewString()[:8]
	}

	logger.Info("starting flow engine",
		slog.String("port", cfg.Port),
		slog.String("consumer", cfg.ConsumerName),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("flow engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("flow engine stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "mentatlab-flowengine",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		Enabled:        cfg.OTELEnabled,
		SampleRate:     cfg.OTELSampleRate,
	}, logger)
	if err != nil {
		return err
	}

	// Redis
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}
	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return err
	}
	logger.Info("connected to redis", slog.String("addr", opts.Addr))

	// Execution context store
	storeCfg := &runstore.Config{Prefix: cfg.ContextPrefix, TTL: cfg.ContextTTL}
	var store runstore.Store
	switch cfg.ContextStore {
	case "memory":
		store = runstore.NewMemoryStore(storeCfg)
		logger.Warn("using in-memory context store; runs will not survive restarts")
	default:
		store = runstore.NewRedisStore(client, storeCfg)
	}
	defer store.Close()

	events := notifier.NewRedisNotifier(client, &notifier.Config{
		Prefix:        cfg.EventsPrefix,
		StoreMaxLen:   cfg.EventsMaxLen,
		ResultsMaxLen: cfg.ResultsMaxLen,
	}, logger)
	defer events.Close()

	registry, err := buildRegistry(cfg, client, logger)
	if err != nil {
		return err
	}
	logger.Info("node kinds registered", slog.Any("types", registry.Types()))

	v, err := validator.New()
	if err != nil {
		return err
	}

	execOpts := []scheduler.Option{scheduler.WithValidator(v)}
	var arch *archive.Archive
	if cfg.ArchiveEnabled {
		backend := "s3"
		if cfg.ArchiveEndpoint != "" {
			backend = "minio"
		}
		arch, err = archive.New(ctx, &archive.Config{
			Type:            backend,
			Endpoint:        cfg.ArchiveEndpoint,
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKey,
			SecretAccessKey: cfg.ArchiveSecretKey,
			UseSSL:          cfg.ArchiveUseSSL,
			PathPrefix:      "flowengine",
		}, logger)
		if err != nil {
			return err
		}
		execOpts = append(execOpts, scheduler.WithArchiver(arch))
		logger.Info("archiving finished runs", slog.String("bucket", cfg.ArchiveBucket))
	}

	if cfg.RunLeaseTTL >= cfg.IdleThreshold {
		logger.Warn("RUN_LEASE_TTL should be well below CONSUMER_IDLE_THRESHOLD",
			slog.Duration("lease_ttl", cfg.RunLeaseTTL),
			slog.Duration("idle_threshold", cfg.IdleThreshold),
		)
	}
	executor := scheduler.New(registry, runstore.NewManager(store, logger), events, &scheduler.Config{
		NodeTimeout:    cfg.NodeTimeout,
		MaxParallelism: cfg.MaxParallelism,
		Owner:          cfg.ConsumerName,
		LeaseTTL:       cfg.RunLeaseTTL,
	}, logger, execOpts...)

	consumer := queue.NewConsumer(client, &queue.Config{
		Stream:              cfg.RunStream,
		Group:               cfg.ConsumerGroup,
		Consumer:            cfg.ConsumerName,
		MaxParallelJobs:     cfg.MaxParallelJobs,
		Block:               cfg.ConsumerBlock,
		IdleThreshold:       cfg.IdleThreshold,
		MaintenanceInterval: cfg.MaintenanceInterval,
	}, logger, queue.WithPayloadValidator(func(payload []byte) error {
		return v.ValidateRequestJSON(payload).Err()
	}))
	if err := consumer.Initialize(ctx); err != nil {
		return err
	}

	handlers := api.Options{
		Contexts: store,
		Events:   events,
		Checks: map[string]api.CheckFunc{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		},
	}
	if arch != nil {
		handlers.Archive = arch
	}
	server := api.NewServer(api.NewHandlers(handlers, logger), &api.ServerConfig{
		RateLimit: &api.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			SkipPaths:         []string{"/health", "/healthz", "/ready", "/metrics"},
		},
		Tracing: cfg.OTELEnabled,
	})
	defer server.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		err := consumer.Consume(ctx, func(ctx context.Context, req *types.RunRequest) error {
			_, err := executor.Execute(ctx, req)
			if errors.Is(err, runstore.ErrRunOwned) {
				// another worker is still driving the run
				return nil
			}
			return err
		})
		if err != nil {
			logger.Error("consumer stopped", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	// In-flight runs are not migrated; their contexts stay resumable.
	consumer.Close()
	events.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	select {
	case <-consumeDone:
	case <-shutdownCtx.Done():
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
	return nil
}

func buildRegistry(cfg *config.Config, client redis.UniversalClient, logger *slog.Logger) (*nodes.Registry, error) {
	registry := nodes.NewRegistry()
	nodes.RegisterBuiltins(registry)

	decrypter, err := secrets.NewAESGCM(cfg.SecretsKey)
	if err != nil {
		return nil, err
	}
	if cfg.SecretsKey == "" {
		logger.Warn("SECRETS_KEY is not set; nodes with encrypted API keys will fail")
	}

	providers := llm.NewProviders(cfg.LLMRateLimitRPS, cfg.LLMRateLimitBurst)
	if cfg.Environment == "development" {
		providers.Register("static", &llm.StaticProvider{Chunks: []string{"ok"}})
	}

	pipeline := &llm.Pipeline{
		Providers: providers,
		Decrypter: decrypter,
		Memory:    llm.NewRedisMemory(client, "workflow:memory", cfg.MemoryMaxTurns, cfg.MemoryTTL),
		Logger:    logger,
	}
	tools := tool.NewRegistry(tool.NewHTTPRequest(30 * time.Second))

	llm.Register(registry, pipeline)
	agent.Register(registry, pipeline, tools)
	tool.Register(registry, tools)

	isolation := sandbox.IsolationNsjail
	if cfg.SandboxIsolation == string(sandbox.IsolationNone) {
		isolation = sandbox.IsolationNone
		logger.Warn("sandbox isolation disabled; code nodes run as the worker user")
	}
	code.Register(registry, sandbox.New(&sandbox.Config{
		BaseDir:        cfg.SandboxDir,
		Isolation:      isolation,
		NsjailPath:     cfg.SandboxNsjailPath,
		InstallCmd:     []string{cfg.SandboxNpmPath, "install", "--no-audit", "--no-fund", "--silent"},
		CompileCmd:     []string{cfg.SandboxTscPath, "-p", "tsconfig.json"},
		RunCmd:         []string{cfg.SandboxNodePath, "dist/index.js"},
		InstallTimeout: cfg.SandboxInstallLimit,
		CompileTimeout: cfg.SandboxCompileLimit,
		RunTimeout:     cfg.SandboxRunLimit,
		Env:            cfg.SandboxEnv,
	}, logger))

	return registry, nil
}
