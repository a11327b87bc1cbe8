package jobs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Sweeper periodically removes expired jobs and orphaned temp folders.
type Sweeper struct {
	store     Store
	cleaner   Cleaner
	tempDir   string
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. cleaner removes a job's files and record.
func NewSweeper(store Store, cleaner Cleaner, tempDir string, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		cleaner:   cleaner,
		tempDir:   tempDir,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("sweep completed", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Expired reports whether job should be removed at now.
func (s *Sweeper) Expired(job *Job, now time.Time) bool {
	if !job.DeleteAt.IsZero() && now.After(job.DeleteAt) {
		return true
	}
	return now.Sub(job.CreatedAt) > s.retention
}

// Sweep removes expired jobs and orphan temp folders and returns how many
// entries were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	list, err := s.store.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	known := make(map[string]bool, len(list))
	for _, job := range list {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !s.Expired(job, now) {
			known[job.ID] = true
			continue
		}
		if err := s.cleaner.CleanupAll(ctx, job.ID); err != nil {
			s.logger.Warn("failed to remove expired job", "job_id", job.ID, "error", err)
			known[job.ID] = true
			continue
		}
		s.logger.Info("expired job removed", "job_id", job.ID, "created_at", job.CreatedAt)
		removed++
	}

	removed += s.sweepOrphans(known, now)
	return removed, nil
}

func (s *Sweeper) sweepOrphans(known map[string]bool, now time.Time) int {
	if s.tempDir == "" {
		return 0
	}
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("cannot read temp dir", "dir", s.tempDir, "error", err)
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= s.retention {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.tempDir, e.Name())); err != nil {
			s.logger.Warn("failed to remove orphan temp folder", "dir", e.Name(), "error", err)
			continue
		}
		s.logger.Info("orphan temp folder removed", "dir", e.Name())
		removed++
	}
	return removed
}
