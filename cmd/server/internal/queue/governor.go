// Package queue bounds how many transcription jobs run at once.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/metrics"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
)

// DefaultCeiling is the default number of concurrently processing jobs.
const DefaultCeiling = 100

// Job is one unit of work admitted by the Governor.
type Job func(ctx context.Context) (*models.Result, error)

// Stats is a point-in-time view of the governor.
type Stats struct {
	Active  int `json:"active"`
	Queued  int `json:"queued"`
	Ceiling int `json:"ceiling"`
}

// Governor admits jobs in FIFO order while at most ceiling of them are
// active. The backlog is unbounded. A failing job only affects its own
// submitter.
type Governor struct {
	sem     *semaphore.Weighted
	ceiling int
	logger  *slog.Logger

	mu     sync.Mutex
	active int
	queued int
	wg     sync.WaitGroup
}

// NewGovernor creates a Governor. A non-positive ceiling uses DefaultCeiling.
func NewGovernor(ceiling int, logger *slog.Logger) *Governor {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		sem:     semaphore.NewWeighted(int64(ceiling)),
		ceiling: ceiling,
		logger:  logger.With("component", "queue"),
	}
}

// Submit waits for admission, runs job and returns its outcome. If ctx ends
// while the job is still queued, the job never runs.
func (g *Governor) Submit(ctx context.Context, job Job) (*models.Result, error) {
	g.wg.Add(1)
	defer g.wg.Done()

	g.update(0, 1)
	// semaphore.Weighted serves waiters in arrival order
	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.update(0, -1)
		return nil, fmt.Errorf("job not admitted: %w", err)
	}
	g.update(1, -1)
	defer func() {
		g.update(-1, 0)
		g.sem.Release(1)
	}()

	return g.run(ctx, job)
}

// run shields the governor from a panicking job.
func (g *Governor) run(ctx context.Context, job Job) (res *models.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("job panicked", "panic", r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}

// SubmitAsync queues job in the background and reports its outcome to
// callback, which may be nil.
func (g *Governor) SubmitAsync(job Job, callback func(*models.Result, error)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		res, err := g.Submit(context.Background(), job)
		if err != nil {
			g.logger.Warn("queued job failed", "error", err)
		}
		if callback != nil {
			callback(res, err)
		}
	}()
}

// Stats returns the current active and queued counts.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Active: g.active, Queued: g.queued, Ceiling: g.ceiling}
}

// Wait blocks until every submitted job has finished.
func (g *Governor) Wait() {
	g.wg.Wait()
}

func (g *Governor) update(activeDelta, queuedDelta int) {
	g.mu.Lock()
	g.active += activeDelta
	g.queued += queuedDelta
	active, queued := g.active, g.queued
	g.mu.Unlock()
	metrics.SetQueue(active, queued)
}
