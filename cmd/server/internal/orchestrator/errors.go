package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 表示转写流水线错误类型代码
type ErrorCode string

const (
	// ENV_NOT_READY 环境未就绪（ffmpeg 缺失、后端未配置等）
	ENV_NOT_READY ErrorCode = "ENV_NOT_READY"

	// FFMPEG_FAILED 媒体转换失败（音频提取、格式规范化、WAV 转换）
	FFMPEG_FAILED ErrorCode = "FFMPEG_FAILED"

	// CHUNK_FAILED 切片创建失败
	CHUNK_FAILED ErrorCode = "CHUNK_FAILED"

	// TRANSCRIPTION_UNAVAILABLE 转写后端不可达（网络错误、服务未启动）
	TRANSCRIPTION_UNAVAILABLE ErrorCode = "TRANSCRIPTION_UNAVAILABLE"

	// TRANSCRIPTION_HTTP_ERROR 转写后端返回非 200 响应
	TRANSCRIPTION_HTTP_ERROR ErrorCode = "TRANSCRIPTION_HTTP_ERROR"

	// RATE_LIMITED 转写后端限流（HTTP 429）且重试耗尽
	RATE_LIMITED ErrorCode = "RATE_LIMITED"

	// STREAMING_FAILED 流式识别会话失败且回退不可用
	STREAMING_FAILED ErrorCode = "STREAMING_FAILED"

	// MERGE_FAILED 片段重组失败
	MERGE_FAILED ErrorCode = "MERGE_FAILED"

	// DISK_FULL 磁盘空间不足
	DISK_FULL ErrorCode = "DISK_FULL"

	// STORE_FAILED 任务状态持久化失败
	STORE_FAILED ErrorCode = "STORE_FAILED"
)

// OrchError 表示 Orchestrator 流水线错误
type OrchError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error 实现 error 接口
func (e *OrchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现错误链支持
func (e *OrchError) Unwrap() error {
	return e.Cause
}

// UserMessage 返回写入任务状态的可读错误信息（不含错误码和底层原因）
func (e *OrchError) UserMessage() string {
	return e.Message
}

// NewOrchError 创建新的 Orchestrator 错误
func NewOrchError(code ErrorCode, message string, cause error) *OrchError {
	return &OrchError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewEnvNotReadyError 创建环境未就绪错误
func NewEnvNotReadyError(message string) *OrchError {
	return NewOrchError(ENV_NOT_READY, message, nil)
}

// NewFFmpegError 创建媒体转换错误
func NewFFmpegError(stage string, cause error) *OrchError {
	return NewOrchError(FFMPEG_FAILED, fmt.Sprintf("Media conversion failed during %s", stage), cause)
}

// NewChunkError 创建切片错误
func NewChunkError(cause error) *OrchError {
	return NewOrchError(CHUNK_FAILED, "Failed to split media into chunks", cause)
}

// NewStreamingError 创建流式识别错误
func NewStreamingError(cause error) *OrchError {
	return NewOrchError(STREAMING_FAILED, "Speech service session failed", cause)
}

// NewMergeError 创建片段重组错误
func NewMergeError(cause error) *OrchError {
	return NewOrchError(MERGE_FAILED, "Failed to merge chunk transcripts", cause)
}

// NewDiskFullError 创建磁盘空间不足错误
func NewDiskFullError(path string) *OrchError {
	msg := fmt.Sprintf("Not enough disk space in %s", path)
	return NewOrchError(DISK_FULL, msg, nil)
}

// NewStoreError 创建状态持久化错误
func NewStoreError(cause error) *OrchError {
	return NewOrchError(STORE_FAILED, "Failed to persist job status", cause)
}

// CodeOf 返回错误链中第一个 OrchError 的错误码，没有则为空
func CodeOf(err error) ErrorCode {
	var oe *OrchError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// userMessage 返回写入任务的错误信息
func userMessage(err error) string {
	var oe *OrchError
	if errors.As(err, &oe) {
		return oe.UserMessage()
	}
	return err.Error()
}
