// Package degradation switches between the streaming diarization backend and
// the generic backend according to the streaming service's health.
package degradation

import (
	"log/slog"
	"sync"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/health"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/whisper"
	pkgmetrics "github.com/houzhh15/transcribe-pipeline/pkg/metrics"
)

// DegradationController hands out the primary transcriber while its health
// checker reports it healthy and the fallback otherwise. Jobs routed to the
// fallback get speakers from the heuristic diarizer instead.
//
// Thread-safety: All public methods are thread-safe.
type DegradationController struct {
	primaryTranscriber  whisper.WhisperTranscriber
	fallbackTranscriber whisper.WhisperTranscriber
	healthChecker       *health.HealthChecker
	currentTranscriber  whisper.WhisperTranscriber // protected by mu
	mu                  sync.RWMutex
	isDegraded          bool // protected by mu
	logger              *slog.Logger
}

// NewDegradationController creates a controller that starts on the primary.
// None of the arguments may be nil except logger.
func NewDegradationController(
	primary whisper.WhisperTranscriber,
	fallback whisper.WhisperTranscriber,
	hc *health.HealthChecker,
	logger *slog.Logger,
) *DegradationController {
	if logger == nil {
		logger = slog.Default()
	}
	return &DegradationController{
		primaryTranscriber:  primary,
		fallbackTranscriber: fallback,
		healthChecker:       hc,
		currentTranscriber:  primary,
		logger:              logger.With("component", "degradation"),
	}
}

// GetTranscriber returns the transcriber to use now, switching to the
// fallback when the primary turned unhealthy and back once it recovered.
func (dc *DegradationController) GetTranscriber() whisper.WhisperTranscriber {
	status := dc.healthChecker.GetStatus()

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if !status.IsHealthy && !dc.isDegraded {
		dc.logger.Warn("degrading to fallback transcriber",
			"fallback", dc.fallbackTranscriber.Name(),
			"primary", dc.primaryTranscriber.Name(),
			"reason", status.ErrorMessage,
		)
		pkgmetrics.RecordDegradationEvent(dc.primaryTranscriber.Name(), dc.fallbackTranscriber.Name())
		dc.currentTranscriber = dc.fallbackTranscriber
		dc.isDegraded = true
	}

	if status.IsHealthy && dc.isDegraded {
		dc.logger.Info("recovering to primary transcriber", "primary", dc.primaryTranscriber.Name())
		pkgmetrics.RecordDegradationEvent(dc.fallbackTranscriber.Name(), dc.primaryTranscriber.Name())
		dc.currentTranscriber = dc.primaryTranscriber
		dc.isDegraded = false
	}

	return dc.currentTranscriber
}

// IsDegraded reports whether the fallback is in use.
func (dc *DegradationController) IsDegraded() bool {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.isDegraded
}

// Status returns the health of the primary transcriber.
func (dc *DegradationController) Status() health.ServiceStatus {
	return dc.healthChecker.GetStatus()
}
