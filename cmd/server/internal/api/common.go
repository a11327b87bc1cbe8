package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/middleware"
)

// currentUser 获取当前用户，未启用认证时返回 anonymous
func currentUser(c *gin.Context) string {
	if u := middleware.CurrentUser(c); u != "" {
		return u
	}
	return "anonymous"
}

// errorResponse 返回错误响应
func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"error": message,
	})
}

// notFoundResponse 返回 404 响应
func notFoundResponse(c *gin.Context, resource string) {
	errorResponse(c, http.StatusNotFound, resource+" not found")
}

// badRequestResponse 返回 400 响应
func badRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, message)
}

// internalErrorResponse 返回 500 响应，细节只写日志
func internalErrorResponse(c *gin.Context) {
	errorResponse(c, http.StatusInternalServerError, "internal server error")
}
