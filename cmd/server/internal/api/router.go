package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/middleware"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/degradation"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/health"
)

// RouterDeps 路由依赖；Verifier 为 nil 时不启用认证，Degradation/Health 为 nil 时未配置流式识别
type RouterDeps struct {
	Jobs         *JobHandler
	Orchestrator *orchestrator.Orchestrator
	Degradation  *degradation.DegradationController
	Health       *health.HealthChecker
	Verifier     *middleware.TokenVerifier
	Logger       *slog.Logger
}

// NewRouter 注册全部路由
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(d.Logger))

	r.GET("/health", HandleHealth())
	r.GET("/health/streaming", HandleStreamingHealth(d.Degradation, d.Health))
	r.GET("/readiness", HandleReadiness(d.Orchestrator))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if d.Verifier != nil {
		v1.Use(middleware.BearerAuth(d.Verifier, d.Logger))
	}

	read := middleware.RequireScope(middleware.ScopeRead)
	write := middleware.RequireScope(middleware.ScopeWrite)

	v1.POST("/jobs", write, d.Jobs.Create)
	v1.GET("/jobs", read, d.Jobs.List)
	v1.GET("/jobs/:id", read, d.Jobs.Get)
	v1.POST("/jobs/:id/cancel", write, d.Jobs.Cancel)
	v1.DELETE("/jobs/:id", write, d.Jobs.Delete)
	v1.GET("/jobs/:id/transcript", read, d.Jobs.Transcript)
	v1.GET("/queue", read, d.Jobs.Queue)

	return r
}
