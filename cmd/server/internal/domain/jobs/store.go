package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/metrics"
	"github.com/houzhh15/transcribe-pipeline/pkg/retry"
)

// FileStore keeps one JSON document per job in {dir}/{id}.json. Writes go
// through a temp file and a rename and are retried under the store policy.
type FileStore struct {
	dir    string
	policy retry.Policy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger

	mu sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the metadata directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:    dir,
		policy: retry.Default,
		logger: logger.With("component", "job_store"),
	}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// Get loads a job. Unknown ids return (nil, nil).
func (s *FileStore) Get(id string) (*Job, error) {
	if !validID(id) {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(s.path(id))
}

func (s *FileStore) read(path string) (*Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", filepath.Base(path), err)
	}
	return &job, nil
}

// Save writes job, stamping UpdatedAt.
func (s *FileStore) Save(job *Job) error {
	if job == nil || !validID(job.ID) {
		return fmt.Errorf("invalid job id")
	}
	job.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return retry.Do(context.Background(), s.policy, func(ctx context.Context) error {
		return s.write(s.path(job.ID), b)
	}, retry.Options{
		Sleep: s.sleep,
		OnRetry: func(a retry.Attempt) {
			metrics.RecordRetry("store")
			s.logger.Warn("job write failed, retrying", "job_id", job.ID, "attempt", a.Number, "wait", a.Wait.String(), "error", a.Err)
		},
	})
}

func (s *FileStore) write(path string, b []byte) error {
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename tmp file: %w", err)
	}
	return nil
}

// List returns every job, newest first. Unreadable documents are skipped.
func (s *FileStore) List() ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	list := make([]*Job, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		job, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable job document", "file", e.Name(), "error", err)
			continue
		}
		if job != nil {
			list = append(list, job)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// Delete removes the job document. Unknown ids are not an error.
func (s *FileStore) Delete(id string) error {
	if !validID(id) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
