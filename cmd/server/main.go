package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/api"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/audit"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/config"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/domain/jobs"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/middleware"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/chunker"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/degradation"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/dependency"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/health"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/streaming"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/whisper"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/queue"
	"github.com/houzhh15/transcribe-pipeline/pkg/logger"
)

// streamingFailThreshold 连续失败多少次后降级为通用后端
const streamingFailThreshold = 3

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	env := cfg.Server.Env
	if cfg.Log.Format == "json" {
		env = "prod"
	}
	logInstance, err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Environment: env,
		WithSource:  !cfg.IsProduction(),
		FilePath:    cfg.Log.FilePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	appLogger := logInstance.With("component", "transcribe-server")

	if err := config.ValidateConfig(cfg); err != nil {
		appLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	appLogger.Info("configuration loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)
	appLogger.Debug(cfg.PrintConfig())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	store, err := jobs.NewFileStore(cfg.Data.MetadataDir, logInstance)
	if err != nil {
		appLogger.Error("job store init failed", "error", err)
		os.Exit(1)
	}

	auditLogger, err := audit.NewFileAuditLogger(cfg.Data.AuditLogPath)
	if err != nil {
		appLogger.Error("audit logger init failed", "error", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	converter := dependency.NewClient(dependency.ExecutorConfig{
		WorkRoot:         cfg.Data.TempDir,
		LocalBinaryPaths: map[string]string{"ffmpeg": cfg.FFmpeg.BinaryPath},
		DefaultTimeout:   cfg.FFmpeg.Timeout,
		AllowedCommands:  []string{"ffmpeg"},
	}, logInstance)

	generic := whisper.NewOpenAIClient(whisper.ClientConfig{
		BaseURL:         cfg.OpenAI.BaseURL,
		APIKey:          genericKey(cfg),
		Model:           cfg.OpenAI.Model,
		Azure:           cfg.AzureOpenAI.Enabled,
		AzureEndpoint:   cfg.AzureOpenAI.Endpoint,
		AzureDeployment: cfg.AzureOpenAI.Deployment,
		AzureAPIVersion: cfg.AzureOpenAI.APIVersion,
		Retries:         retriesOf(cfg.Pipeline.APIRetries),
		BaseDelay:       cfg.Pipeline.APIBaseDelay,
	}, logInstance)
	if !generic.Configured() {
		appLogger.Warn("generic transcription backend is not configured; jobs will fail until an API key is set")
	}

	var (
		degradationCtrl *degradation.DegradationController
		healthChecker   *health.HealthChecker
		router          orchestrator.BackendRouter
	)
	if recognizer, err := newRecognizer(ctx, cfg, logInstance); err != nil {
		appLogger.Error("streaming recognizer init failed", "provider", cfg.Streaming.Provider, "error", err)
		os.Exit(1)
	} else if recognizer != nil {
		primary := streaming.NewTranscriber(converter, recognizer, generic, streaming.Config{
			Session: streaming.SessionConfig{
				MaxSpeakers:       cfg.Streaming.MaxSpeakers,
				Language:          cfg.Streaming.Language,
				EnableDiarization: true,
			},
			StallTimeout: cfg.Streaming.StallTimeout,
			StallCheck:   cfg.Streaming.StallCheck,
		}, logInstance)
		healthChecker = health.NewHealthChecker(primary, cfg.Streaming.HealthInterval, streamingFailThreshold, logInstance)
		degradationCtrl = degradation.NewDegradationController(primary, generic, healthChecker, logInstance)
		router = degradationCtrl
		go healthChecker.Start(ctx)
		appLogger.Info("streaming recognizer ready", "provider", recognizer.Name())
	} else {
		appLogger.Info("streaming recognizer not configured; speaker identification uses heuristics")
	}

	orch := orchestrator.New(orchestrator.Config{
		BatchSize:        cfg.Pipeline.BatchSize,
		BatchThreshold:   cfg.Pipeline.BatchThreshold,
		ChunkConcurrency: cfg.Pipeline.ChunkConcurrency,
		MaxRetries:       cfg.Pipeline.MaxRetries,
		RetryDelay:       orchestrator.DefaultConfig().RetryDelay,
		MinFreeBytes:     orchestrator.DefaultConfig().MinFreeBytes,
		Language:         languageOf(cfg.Streaming.Language),
	}, orchestrator.Dependencies{
		Store:     store,
		Converter: converter,
		Chunker:   chunker.New(cfg.Pipeline.ChunkSize, logInstance),
		Generic:   generic,
		Streaming: router,
		Audit:     auditLogger,
		Logger:    logInstance,
	})

	if status := orch.CheckEnvironment(ctx, false); !status.Ready {
		appLogger.Warn("environment not ready", "issues", status.Issues)
	}

	governor := queue.NewGovernor(cfg.Pipeline.MaxConcurrentJobs, logInstance)
	resumePending(store, orch, governor, appLogger)

	sweeper := jobs.NewSweeper(store, orch.Expirer(), cfg.Data.TempDir, cfg.Pipeline.Retention, cfg.Pipeline.SweepInterval, logInstance)
	go sweeper.Run(ctx)

	var verifier *middleware.TokenVerifier
	if cfg.Security.AuthEnabled {
		verifier, err = middleware.NewTokenVerifier([]byte(cfg.Security.JWTSecret))
		if err != nil {
			appLogger.Error("token verifier init failed", "error", err)
			os.Exit(1)
		}
	}

	handler := api.NewJobHandler(orch, store, governor, api.JobHandlerConfig{
		UploadDir:     cfg.Data.UploadDir,
		MaxUploadSize: cfg.Pipeline.MaxUploadSize,
		Retention:     cfg.Pipeline.Retention,
	}, logInstance)

	r := api.NewRouter(api.RouterDeps{
		Jobs:         handler,
		Orchestrator: orch,
		Degradation:  degradationCtrl,
		Health:       healthChecker,
		Verifier:     verifier,
		Logger:       logInstance,
	})

	srv := &http.Server{
		Addr:              cfg.GetServerAddr(),
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		appLogger.Info("server starting", "addr", srv.Addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutdown signal received, shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("server forced to shutdown", "error", err)
	}
	if healthChecker != nil {
		healthChecker.Stop()
	}

	done := make(chan struct{})
	go func() {
		governor.Wait()
		close(done)
	}()
	select {
	case <-done:
		appLogger.Info("all jobs drained")
	case <-shutdownCtx.Done():
		appLogger.Warn("shutdown timed out with jobs still running", "stats", governor.Stats())
	}
	appLogger.Info("server shutdown complete")
}

// newRecognizer 按 provider 创建流式识别器，未配置时返回 nil
func newRecognizer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (streaming.Recognizer, error) {
	switch cfg.Streaming.Provider {
	case "websocket":
		return streaming.NewWebSocketRecognizer(cfg.Streaming.URL, cfg.Streaming.APIKey, logger), nil
	case "aws":
		region := cfg.Streaming.Region
		if region == "" {
			region = cfg.AWS.Region
		}
		return streaming.NewAWSRecognizer(ctx, region, cfg.AWS.Bucket, logger)
	default:
		return nil, nil
	}
}

// resumePending 重启后重新排队未结束的任务；处理中的任务从头开始
func resumePending(store jobs.Store, orch *orchestrator.Orchestrator, governor *queue.Governor, logger *slog.Logger) {
	all, err := store.List()
	if err != nil {
		logger.Warn("failed to list jobs for resume", "error", err)
		return
	}
	resumed := 0
	for _, j := range all {
		if j.Status.Terminal() {
			continue
		}
		governor.SubmitAsync(orch.Job(j.ID), nil)
		resumed++
	}
	if resumed > 0 {
		logger.Info("resumed unfinished jobs", "count", resumed)
	}
}

func genericKey(cfg *config.Config) string {
	if cfg.AzureOpenAI.Enabled {
		return cfg.AzureOpenAI.APIKey
	}
	return cfg.OpenAI.APIKey
}

// retriesOf 配置中的 0 表示不重试，客户端约定负数为不重试
func retriesOf(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// languageOf 将 en-US 形式的区域代码转为通用后端使用的语言代码
func languageOf(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	return strings.ToLower(lang)
}
