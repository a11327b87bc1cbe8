package dependency

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// streamingFilter is the enhancement chain applied before streaming recognition:
// cut rumble and hiss, boost, then normalize loudness dynamically.
const streamingFilter = "highpass=f=50,lowpass=f=15000,volume=2.5,dynaudnorm=f=150:g=20:p=0.75:m=20,aresample=44100"

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true, ".mkv": true, ".avi": true, ".webm": true,
}

// DependencyClient is the media converter facade used by the orchestrator.
// It builds FFmpeg invocations, validates them and runs them through the
// configured executor. Any non-zero exit is returned as an error; stderr is
// only logged.
type DependencyClient struct {
	executor    DependencyExecutor
	config      ExecutorConfig
	pathManager *PathManager
	logger      *slog.Logger
}

// NewClient creates a DependencyClient running commands locally.
func NewClient(config ExecutorConfig, logger *slog.Logger) *DependencyClient {
	return NewClientWithExecutor(NewLocalExecutor(config), config, logger)
}

// NewClientWithExecutor creates a DependencyClient on top of an arbitrary executor.
func NewClientWithExecutor(executor DependencyExecutor, config ExecutorConfig, logger *slog.Logger) *DependencyClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &DependencyClient{
		executor:    executor,
		config:      config,
		pathManager: NewPathManager(config.WorkRoot),
		logger:      logger.With("component", "converter"),
	}
}

// IsVideo reports whether path or contentType denotes a video container.
func IsVideo(path, contentType string) bool {
	if strings.HasPrefix(contentType, "video/") {
		return true
	}
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// ExtractAudio extracts the audio track of a video as 16 kHz mono PCM WAV.
func (c *DependencyClient) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	return c.run(ctx, "extract", inputPath, outputPath,
		"-i", inputPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y", outputPath,
	)
}

// ConvertToAudio converts any media file to 44.1 kHz stereo mp3.
func (c *DependencyClient) ConvertToAudio(ctx context.Context, inputPath, outputPath string) error {
	return c.run(ctx, "to_audio", inputPath, outputPath,
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", "44100",
		"-ac", "2",
		"-q:a", "4",
		"-y", outputPath,
	)
}

// ConvertForChunking normalizes audio to 16 kHz mono 32 kbit/s mp3, the
// format chunks are cut from and uploaded in.
func (c *DependencyClient) ConvertForChunking(ctx context.Context, inputPath, outputPath string) error {
	return c.run(ctx, "normalize", inputPath, outputPath,
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", "16000",
		"-ac", "1",
		"-b:a", "32k",
		"-y", outputPath,
	)
}

// ConvertForStreaming produces the filtered 44.1 kHz stereo WAV expected by
// streaming recognizers.
func (c *DependencyClient) ConvertForStreaming(ctx context.Context, inputPath, outputPath string) error {
	return c.run(ctx, "streaming_wav", inputPath, outputPath,
		"-i", inputPath,
		"-acodec", "pcm_s16le",
		"-ar", "44100",
		"-ac", "2",
		"-f", "wav",
		"-af", streamingFilter,
		"-y", outputPath,
	)
}

func (c *DependencyClient) run(ctx context.Context, purpose, inputPath, outputPath string, args ...string) error {
	req := CommandRequest{
		Command: "ffmpeg",
		Args:    args,
		Timeout: c.config.DefaultTimeout,
		Purpose: purpose,
	}

	if err := ValidateCommandRequest(req, c.config); err != nil {
		return fmt.Errorf("command validation failed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	c.logger.Debug("running ffmpeg", "purpose", purpose, "input", inputPath, "output", outputPath)
	resp, err := c.executor.ExecuteCommand(ctx, req)
	if err != nil {
		c.logger.Error("ffmpeg execution failed",
			"purpose", purpose,
			"input", inputPath,
			"exit_code", resp.ExitCode,
			"stderr", tail(resp.Stderr, 2000),
			"error", err.Error(),
		)
		return fmt.Errorf("%s conversion failed: %w", purpose, err)
	}

	if !resp.Success || resp.ExitCode != 0 {
		c.logger.Error("ffmpeg exited with error",
			"purpose", purpose,
			"input", inputPath,
			"exit_code", resp.ExitCode,
			"stderr", tail(resp.Stderr, 2000),
		)
		return fmt.Errorf("%s conversion failed (exit code %d)", purpose, resp.ExitCode)
	}

	c.logger.Debug("ffmpeg completed", "purpose", purpose, "duration_ms", resp.Duration.Milliseconds())
	return nil
}

// HealthCheck verifies that the underlying executor is ready to handle requests.
func (c *DependencyClient) HealthCheck(ctx context.Context) error {
	return c.executor.HealthCheck(ctx)
}

// PathManager returns the path manager for workspace paths.
func (c *DependencyClient) PathManager() *PathManager {
	return c.pathManager
}

// Config returns the executor configuration.
func (c *DependencyClient) Config() ExecutorConfig {
	return c.config
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
