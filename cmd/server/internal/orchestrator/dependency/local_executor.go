package dependency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	pkgmetrics "github.com/houzhh15/transcribe-pipeline/pkg/metrics"
)

// LocalExecutor executes commands directly on the local system using exec.Command.
type LocalExecutor struct {
	config ExecutorConfig
}

// NewLocalExecutor creates a new LocalExecutor with the given configuration.
func NewLocalExecutor(config ExecutorConfig) *LocalExecutor {
	return &LocalExecutor{config: config}
}

// ExecuteCommand executes a command locally and returns the result.
// A non-zero exit is reported through both resp.ExitCode and the returned error.
func (e *LocalExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	binaryPath, err := e.resolveBinaryPath(req.Command)
	if err != nil {
		pkgmetrics.RecordCommandExecution(req.Command, req.Purpose, "not_found")
		return CommandResponse{}, fmt.Errorf("failed to resolve binary path for %s: %w", req.Command, err)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.config.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, binaryPath, req.Args...)
	cmd.Env = append(os.Environ(), e.buildEnvSlice(req.Env)...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	// own process group so a timeout kills ffmpeg's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	resp := CommandResponse{
		Success:  err == nil,
		ExitCode: exitCode(err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
	pkgmetrics.RecordCommandDuration(req.Command, req.Purpose, duration.Seconds())

	if ctx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		pkgmetrics.RecordCommandExecution(req.Command, req.Purpose, "timeout")
		return resp, fmt.Errorf("command execution timeout (%v): %s", timeout, req.Command)
	}

	if err != nil {
		pkgmetrics.RecordCommandExecution(req.Command, req.Purpose, "error")
		return resp, err
	}
	pkgmetrics.RecordCommandExecution(req.Command, req.Purpose, "success")
	return resp, nil
}

// HealthCheck verifies that all configured local binaries are available.
func (e *LocalExecutor) HealthCheck(ctx context.Context) error {
	for cmd, path := range e.config.LocalBinaryPaths {
		if _, err := exec.LookPath(path); err != nil {
			return fmt.Errorf("local command %s not available at %s: %w", cmd, path, err)
		}
	}
	return nil
}

// resolveBinaryPath resolves the binary path from config or PATH.
func (e *LocalExecutor) resolveBinaryPath(command string) (string, error) {
	if path, ok := e.config.LocalBinaryPaths[command]; ok {
		return path, nil
	}
	return exec.LookPath(command)
}

func (e *LocalExecutor) buildEnvSlice(envMap map[string]string) []string {
	var result []string
	for k, v := range envMap {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
