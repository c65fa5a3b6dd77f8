// Package main provides the runner application entry point.
// The runner drives the Job Engine, Retry Executor, and Rerun Coordinator
// against a single Postgres-backed store, exposing the whitelisted RPC
// surface and a minimal loopback HTTP surface (health, metrics, debug).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/ascensum/gen-image-runner/internal/adapter/ai/real"
	"github.com/ascensum/gen-image-runner/internal/adapter/credstore"
	"github.com/ascensum/gen-image-runner/internal/adapter/imaging"
	"github.com/ascensum/gen-image-runner/internal/adapter/lock"
	"github.com/ascensum/gen-image-runner/internal/adapter/observability"
	asynqadp "github.com/ascensum/gen-image-runner/internal/adapter/queue/asynq"
	"github.com/ascensum/gen-image-runner/internal/adapter/queue/redpanda"
	"github.com/ascensum/gen-image-runner/internal/adapter/repo/postgres"
	"github.com/ascensum/gen-image-runner/internal/adapter/rpc"
	"github.com/ascensum/gen-image-runner/internal/adapter/settingsstore"
	"github.com/ascensum/gen-image-runner/internal/app"
	"github.com/ascensum/gen-image-runner/internal/classify"
	"github.com/ascensum/gen-image-runner/internal/config"
	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/engine"
	"github.com/ascensum/gen-image-runner/internal/paramgen"
	"github.com/ascensum/gen-image-runner/internal/rerun"
	"github.com/ascensum/gen-image-runner/internal/retryexec"
	"github.com/ascensum/gen-image-runner/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if cfg.FailurePolicyFile != "" {
		table, perr := classify.LoadPolicyTable(cfg.FailurePolicyFile)
		if perr != nil {
			slog.Error("failure policy file load failed, using built-in defaults", slog.Any("error", perr))
		} else {
			classify.SetActivePolicyTable(table)
		}
	}

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting runner", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.ApplySchema(ctx, pool); err != nil {
		slog.Error("schema apply failed", slog.Any("error", err))
		os.Exit(1)
	}

	facade := postgres.NewFacade(pool)

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpt)
	defer func() { _ = redisClient.Close() }()

	// RedisLuaLimiter keys buckets by "image:<model>"/"vision:<model>"; a
	// JobConfiguration's model is only known once a job starts, so buckets
	// starts empty and any model falls open (no entry => unlimited, per
	// RedisLuaLimiter.Allow) until an operator configures model-specific
	// limits for the models this installation actually runs.
	buckets := map[string]ratelimiter.BucketConfig{}
	if cfg.ImageProviderRPM > 0 {
		buckets["image:"+cfg.DefaultRunwareModel] = ratelimiter.NewBucketConfigFromPerMinute(cfg.ImageProviderRPM)
	}
	if cfg.VisionProviderRPM > 0 {
		buckets["vision:"+cfg.DefaultOpenAIModel] = ratelimiter.NewBucketConfigFromPerMinute(cfg.VisionProviderRPM)
	}
	limiter := ratelimiter.NewRedisLuaLimiter(redisClient, pool, buckets)

	imageClient := real.NewImageClient(cfg, limiter)
	visionClient := real.NewVisionClient(cfg, limiter)
	bgRemover := real.NewBackgroundRemoverClient(cfg)
	processor := imaging.New(cfg.TempDirectory)
	paramGen := paramgen.New(visionClient)

	publisher, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "gen-image-runner-engine-producer")
	if err != nil {
		slog.Error("event publisher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if cerr := publisher.Close(); cerr != nil {
			slog.Error("failed to close event publisher", slog.Any("error", cerr))
		}
	}()

	eng := engine.New(facade, imageClient, visionClient, bgRemover, processor, publisher, paramGen)
	// Cross-process guard on top of the engine's in-memory single-job check
	// (§5), so running more than one runner replica against the same store
	// still cannot start two jobs at once.
	eng.Lock = lock.New(redisClient, "gen-image-runner:job-lock")

	retryQueue, err := asynqadp.New(cfg.RedisURL)
	if err != nil {
		slog.Error("retry queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = retryQueue.Close() }()

	defaultJobConfig := func() domain.JobConfiguration {
		return domain.JobConfiguration{
			ProcessMode:              domain.ProcessModeSingle,
			OutputDirectory:          cfg.OutputDirectory,
			TempDirectory:            cfg.TempDirectory,
			ParamRetryMax:            cfg.ParamRetryMax,
			GenerationRetryBackoffMs: 0,
			RemoveBgFailureMode:      domain.RemoveBgFailSoft,
		}
	}

	retryExecutor := retryexec.New(facade, visionClient, processor, bgRemover, publisher, retryQueue, defaultJobConfig)

	retryWorker, err := asynqadp.NewWorker(cfg.RedisURL, retryExecutor.ProcessSingleImage)
	if err != nil {
		slog.Error("retry worker init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := retryWorker.Start(ctx); err != nil {
			slog.Error("retry worker error", slog.Any("error", err))
		}
	}()
	defer retryWorker.Stop()

	rerunCoordinator := rerun.New(eng, facade)

	kv := postgres.NewKVRepo(pool)
	credentials := credstore.NewStore(kv, cfg.CredentialCipherKey)

	defaultSettingsJSON := "{}"
	if cfg.DefaultSettingsFile != "" {
		if loaded, lerr := settingsstore.LoadDefaultSettingsYAML(cfg.DefaultSettingsFile); lerr != nil {
			slog.Error("default settings file load failed, using empty defaults", slog.Any("error", lerr))
		} else {
			defaultSettingsJSON = loaded
		}
	}
	settings := settingsstore.NewStore(kv, defaultSettingsJSON)

	adapter := rpc.New(eng, retryExecutor, rerunCoordinator, facade, credentials, settings)
	_ = adapter // the RPC Adapter's channels are driven by an external transport (§6); this runner exposes readiness/metrics only.

	dbCheck, imageCheck, visionCheck := app.BuildReadinessChecks(cfg, pool)
	checks := app.ReadinessChecks{DB: dbCheck, Image: imageCheck, Vision: visionCheck}

	debugStatus := func(_ context.Context) []app.DebugJobStatus {
		status := eng.GetJobStatus()
		if !status.HasJob {
			return nil
		}
		progress := eng.GetJobProgress()
		return []app.DebugJobStatus{{
			JobExecutionID: status.JobExecutionID,
			Status:         string(status.Status),
			Produced:       progress.Produced,
			Failed:         progress.Failed,
			Requested:      progress.Requested,
		}}
	}

	router := app.BuildRouter(cfg, checks, debugStatus)
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("error", err))
		}
	}()

	sweeper := app.NewStuckImageSweeper(facade, cfg.StuckImageMaxAge, cfg.SweeperInterval)
	go sweeper.Run(ctx)

	slog.Info("runner started successfully, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", slog.Any("error", err))
	}
	if err := eng.ForceStopAll(); err != nil {
		slog.Error("engine force-stop error", slog.Any("error", err))
	}
	slog.Info("runner stopped")
}
