// Package health probes transcription backends on an interval and tracks
// consecutive failures so callers can route around an unhealthy service.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/whisper"
)

// ServiceStatus is the latest health state of a backend. Safe to expose as JSON.
type ServiceStatus struct {
	// Backend is the monitored backend's name.
	Backend string `json:"backend"`

	// IsHealthy is false once ConsecutiveFails reached the threshold.
	IsHealthy bool `json:"is_healthy"`

	LastCheckTime time.Time `json:"last_check_time"`

	// ConsecutiveFails is reset to 0 by a passing check.
	ConsecutiveFails int `json:"consecutive_fails"`

	// ErrorMessage holds the last failure, empty when the last check passed.
	ErrorMessage string `json:"error_message"`
}

// HealthChecker periodically calls HealthCheck on a WhisperTranscriber.
//
// Thread-safety: All public methods are thread-safe.
type HealthChecker struct {
	transcriber   whisper.WhisperTranscriber
	status        *ServiceStatus // protected by mu
	mu            sync.RWMutex
	checkInterval time.Duration
	checkTimeout  time.Duration
	failThreshold int
	stopChan      chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// NewHealthChecker creates a HealthChecker that starts out healthy.
//
// Parameters:
//   - transcriber: the backend to monitor
//   - checkInterval: time between probes
//   - failThreshold: consecutive failures before the backend is marked unhealthy
//
// Call Start to begin probing.
func NewHealthChecker(transcriber whisper.WhisperTranscriber, checkInterval time.Duration, failThreshold int, logger *slog.Logger) *HealthChecker {
	if failThreshold < 1 {
		failThreshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		transcriber:   transcriber,
		checkInterval: checkInterval,
		checkTimeout:  10 * time.Second,
		failThreshold: failThreshold,
		stopChan:      make(chan struct{}),
		logger:        logger.With("component", "health", "backend", transcriber.Name()),
		status: &ServiceStatus{
			Backend:       transcriber.Name(),
			IsHealthy:     true,
			LastCheckTime: time.Now(),
		},
	}
}

// Start probes immediately and then on every interval. It blocks until Stop
// is called or ctx is cancelled; run it in its own goroutine.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.Check(ctx)

	for {
		select {
		case <-ticker.C:
			hc.Check(ctx)
		case <-hc.stopChan:
			hc.logger.Info("health checker stopped")
			return
		case <-ctx.Done():
			hc.logger.Info("health checker context cancelled")
			return
		}
	}
}

// Check runs one probe, updates the status and returns it.
func (hc *HealthChecker) Check(ctx context.Context) ServiceStatus {
	checkCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	defer cancel()

	isHealthy, err := hc.transcriber.HealthCheck(checkCtx)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.LastCheckTime = time.Now()

	if isHealthy {
		if !hc.status.IsHealthy {
			hc.logger.Info("backend recovered")
		}
		hc.status.IsHealthy = true
		hc.status.ConsecutiveFails = 0
		hc.status.ErrorMessage = ""
		hc.logger.Debug("health check passed")
		return *hc.status
	}

	hc.status.ConsecutiveFails++
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	hc.status.ErrorMessage = fmt.Sprintf("Health check failed: %s", errMsg)

	if hc.status.ConsecutiveFails >= hc.failThreshold {
		hc.status.IsHealthy = false
		hc.logger.Error("backend marked unhealthy", "consecutive_fails", hc.status.ConsecutiveFails, "error", errMsg)
	} else {
		hc.logger.Warn("health check failed",
			"consecutive_fails", hc.status.ConsecutiveFails,
			"threshold", hc.failThreshold,
			"error", errMsg,
		)
	}
	return *hc.status
}

// GetStatus returns a copy of the current status.
func (hc *HealthChecker) GetStatus() ServiceStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return *hc.status
}

// Stop terminates Start. Safe to call more than once.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}
