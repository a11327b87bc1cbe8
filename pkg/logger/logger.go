package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 定义日志初始化配置
// Level 支持 debug/info/warn/error，Environment 为 prod 时输出 JSON
// WithSource 控制是否记录源码位置
// FilePath 非空时同时写入滚动日志文件（lumberjack）
type Config struct {
	Level       string
	Environment string
	WithSource  bool
	FilePath    string
}

var (
	global *slog.Logger
	once   sync.Once
)

func levelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + level)
	}
}

// fileWriter 返回滚动日志文件 writer
func fileWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}

// New 根据配置创建新的 slog.Logger，不设置全局实例
func New(cfg Config) (*slog.Logger, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if cfg.FilePath != "" {
		out = io.MultiWriter(os.Stdout, fileWriter(cfg.FilePath))
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource}
	var handler slog.Handler
	if strings.ToLower(cfg.Environment) == "prod" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler), nil
}

// Init 初始化全局日志实例，重复调用将返回首次创建的 logger
func Init(cfg Config) (*slog.Logger, error) {
	var initErr error
	once.Do(func() {
		global, initErr = New(cfg)
	})
	return global, initErr
}

// L 返回已初始化的全局 logger，未初始化时 panic
func L() *slog.Logger {
	if global == nil {
		panic("logger.Init must be called before logger.L")
	}
	return global
}

// Discard 返回丢弃所有输出的 logger，供测试与可选依赖使用
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// LogChunkTranscription 记录单个音频切片转写事件的结构化日志
// component: whisper/streaming/fallback
// action: start/success/error/retry
// chunkIndex: 切片序号（从 1 开始）
// durationMs: 处理耗时（毫秒）
// errorCode: 错误代码（可选）
func LogChunkTranscription(logger *slog.Logger, component, action, jobID string, chunkIndex int, durationMs int64, errorCode string) {
	attrs := []slog.Attr{
		slog.String("component", component),
		slog.String("action", action),
		slog.String("job_id", jobID),
		slog.Int("chunk", chunkIndex),
		slog.Int64("duration_ms", durationMs),
	}

	if errorCode != "" {
		attrs = append(attrs, slog.String("error_code", errorCode))
		logger.LogAttrs(context.Background(), slog.LevelError, "chunk transcription error", attrs...)
	} else {
		logger.LogAttrs(context.Background(), slog.LevelInfo, "chunk transcription event", attrs...)
	}
}
