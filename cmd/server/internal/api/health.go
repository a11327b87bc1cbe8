package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/degradation"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/health"
)

// HandleHealth 存活探针
// GET /health
func HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleReadiness 就绪探针：环境未就绪时返回 503
// GET /readiness?deep=1
func HandleReadiness(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := orch.CheckEnvironment(c.Request.Context(), c.Query("deep") == "1")
		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// HandleStreamingHealth 返回流式识别服务健康与降级状态
// GET /health/streaming
//
// 响应格式:
//
//	{
//	  "success": true,
//	  "data": {
//	    "implementation": "streaming-websocket",
//	    "is_healthy": true,
//	    "is_degraded": false,
//	    "last_check_time": "2025-10-11T02:20:00Z",
//	    "consecutive_fails": 0,
//	    "error_message": ""
//	  }
//	}
func HandleStreamingHealth(
	degradationCtrl *degradation.DegradationController,
	healthChecker *health.HealthChecker,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		if degradationCtrl == nil || healthChecker == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "streaming provider not configured",
			})
			return
		}

		status := healthChecker.GetStatus()
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"implementation":    degradationCtrl.GetTranscriber().Name(),
				"is_healthy":        status.IsHealthy,
				"is_degraded":       degradationCtrl.IsDegraded(),
				"last_check_time":   status.LastCheckTime,
				"consecutive_fails": status.ConsecutiveFails,
				"error_message":     status.ErrorMessage,
			},
		})
	}
}
