// Package orchestrator drives one transcription job through extraction,
// normalization, chunking, per-chunk transcription, reassembly and
// speaker attribution, and records the outcome on the job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/audit"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/domain/jobs"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/metrics"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/chunker"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/dependency"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/diarize"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/reassemble"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/whisper"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/queue"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/simhash"
	"github.com/houzhh15/transcribe-pipeline/pkg/logger"
	"github.com/houzhh15/transcribe-pipeline/pkg/retry"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when a terminal job is cancelled.
	ErrJobFinished = errors.New("job already finished")
)

// Config holds runtime adjustable parameters.
type Config struct {
	// BatchSize is the number of chunks per batch once batching kicks in.
	BatchSize int
	// BatchThreshold enables batching when a job has more chunks than this
	// and runs on the generic backend.
	BatchThreshold int
	// ChunkConcurrency bounds in-batch parallel chunk transcription.
	ChunkConcurrency int
	// MaxRetries is the number of retries after the first chunk attempt.
	MaxRetries int
	// RetryDelay is the wait before the first chunk retry; it doubles each time.
	RetryDelay time.Duration
	// LargeFileThreshold routes bigger uploads to the streaming backend with
	// speaker identification when one is configured.
	LargeFileThreshold int64
	// MinFreeBytes must remain free in the workspace on top of the job's needs.
	MinFreeBytes uint64
	// Language is sent to the backends.
	Language string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          10,
		BatchThreshold:     20,
		ChunkConcurrency:   1,
		MaxRetries:         3,
		RetryDelay:         2 * time.Second,
		LargeFileThreshold: 500 * 1024 * 1024,
		MinFreeBytes:       100 * 1024 * 1024,
		Language:           "en",
	}
}

// MediaConverter is the subset of dependency.DependencyClient the pipeline needs.
type MediaConverter interface {
	ExtractAudio(ctx context.Context, inputPath, outputPath string) error
	ConvertForChunking(ctx context.Context, inputPath, outputPath string) error
	HealthCheck(ctx context.Context) error
	PathManager() *dependency.PathManager
}

// BackendRouter hands out the diarizing backend, or the generic one while the
// diarizing service is degraded. degradation.DegradationController implements it.
type BackendRouter interface {
	GetTranscriber() whisper.WhisperTranscriber
	IsDegraded() bool
}

// Dependencies are the collaborators of an Orchestrator. Streaming and Audit
// are optional.
type Dependencies struct {
	Store     jobs.Store
	Converter MediaConverter
	Chunker   *chunker.Chunker
	Generic   whisper.WhisperTranscriber
	Streaming BackendRouter
	Audit     audit.AuditLogger
	Logger    *slog.Logger
}

// Orchestrator runs jobs. It is safe for concurrent use; each job is driven by
// exactly one goroutine.
type Orchestrator struct {
	cfg       Config
	store     jobs.Store
	converter MediaConverter
	chunker   *chunker.Chunker
	generic   whisper.WhisperTranscriber
	streaming BackendRouter
	audit     audit.AuditLogger
	logger    *slog.Logger

	// sleep replaces the retry wait in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(cfg Config, deps Dependencies) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = def.BatchThreshold
	}
	if cfg.ChunkConcurrency <= 0 {
		cfg.ChunkConcurrency = def.ChunkConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopAuditLogger{}
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New(0, deps.Logger)
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		converter: deps.Converter,
		chunker:   deps.Chunker,
		generic:   deps.Generic,
		streaming: deps.Streaming,
		audit:     deps.Audit,
		logger:    deps.Logger.With("component", "orchestrator"),
	}
}

// route is the backend chosen for one job.
type route struct {
	transcriber whisper.WhisperTranscriber
	// generic is true when chunks go to the generic backend, which needs a
	// per-chunk re-encode and is eligible for batching.
	generic bool
}

// Accept persists a new pending job and records its submission.
func (o *Orchestrator) Accept(job *jobs.Job, operator string) error {
	job.Status = jobs.StatusPending
	if err := o.store.Save(job); err != nil {
		return NewStoreError(err)
	}
	o.recordAudit(operator, audit.ActionSubmit, job.ID, job.FileName)
	o.logger.Info("job accepted",
		"job_id", job.ID,
		"file", job.FileName,
		"size", job.FileSize,
		"backend", job.DiarizationBackend,
		"speaker_identification", job.SpeakerIdentification,
	)
	return nil
}

// Job adapts Run to the governor's job signature.
func (o *Orchestrator) Job(jobID string) queue.Job {
	return func(ctx context.Context) (*models.Result, error) {
		return o.Run(ctx, jobID)
	}
}

// Run processes one job to a terminal state. The returned error is also
// recorded on the job; a job that is already terminal is skipped.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*models.Result, error) {
	job, err := o.store.Get(jobID)
	if err != nil {
		return nil, NewStoreError(err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		o.logger.Info("skipping finished job", "job_id", jobID, "status", job.Status)
		return job.Result(), nil
	}

	start := time.Now()
	job.Status = jobs.StatusProcessing
	job.Progress = "Processing"
	if err := o.store.Save(job); err != nil {
		return nil, NewStoreError(err)
	}

	ws, err := o.acquireWorkspace(job.ID, job.FileSize)
	if err != nil {
		return nil, o.fail(job, "workspace", err)
	}
	defer ws.Release()

	result, stage, err := o.process(ctx, job, ws)
	if err != nil {
		return nil, o.fail(job, stage, err)
	}

	job.Status = jobs.StatusCompleted
	job.Progress = ""
	job.ErrorMessage = ""
	job.Transcription = result.Text
	job.Segments = result.Segments
	if err := o.store.Save(job); err != nil {
		o.logger.Error("failed to persist completed job", "job_id", job.ID, "error", err)
		return nil, NewStoreError(err)
	}

	metrics.RecordJob(string(jobs.StatusCompleted))
	metrics.RecordStage("total", time.Since(start).Seconds())
	o.recordAudit(audit.SystemOperator, audit.ActionComplete, job.ID, "")
	o.logger.Info("job completed",
		"job_id", job.ID,
		"segments", len(result.Segments),
		"chars", len(result.Text),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

// process runs the pipeline stages and returns the failing stage on error.
func (o *Orchestrator) process(ctx context.Context, job *jobs.Job, ws *Workspace) (*models.Result, string, error) {
	paths := pathsFor(o.converter.PathManager(), ws.JobID)

	rt, err := o.selectRoute(job)
	if err != nil {
		return nil, "route", err
	}

	input := job.SourcePath
	if job.MediaKind == jobs.MediaVideo || dependency.IsVideo(job.SourcePath, job.ContentType) {
		err := o.timed("extract", func() error {
			return o.converter.ExtractAudio(ctx, input, paths.extracted)
		})
		if err != nil {
			return nil, "extract", NewFFmpegError("audio extraction", err)
		}
		input = paths.extracted
	}

	err = o.timed("normalize", func() error {
		return o.converter.ConvertForChunking(ctx, input, paths.normalized)
	})
	if err != nil {
		return nil, "normalize", NewFFmpegError("format normalization", err)
	}
	if input == paths.extracted {
		_ = os.Remove(paths.extracted)
	}

	var chunks []chunker.Chunk
	err = o.timed("chunk", func() error {
		var cerr error
		chunks, cerr = o.chunker.CreateChunks(ctx, paths.normalized, paths.chunkDir)
		return cerr
	})
	if err != nil {
		return nil, "chunk", NewChunkError(err)
	}

	o.progress(job, fmt.Sprintf("Preparing to transcribe %d chunks...", len(chunks)))

	var fragments []models.Fragment
	err = o.timed("transcribe", func() error {
		var terr error
		fragments, terr = o.transcribeAll(ctx, job, rt, chunks)
		return terr
	})
	if err != nil {
		return nil, "transcribe", err
	}

	o.warnDuplicates(job, fragments)

	result := reassemble.Merge(fragments)
	if job.SpeakerIdentification && !result.HasSpeakers() && strings.TrimSpace(result.Text) != "" {
		o.logger.Debug("attributing speakers heuristically", "job_id", job.ID)
		result = diarize.AssignSpeakers(result.Text)
	}
	return result, "", nil
}

// selectRoute picks the backend for a job. Diarized jobs and very large
// files prefer the streaming backend; without one they use the generic
// backend and get heuristic speakers.
func (o *Orchestrator) selectRoute(job *jobs.Job) (route, error) {
	external := job.DiarizationBackend == jobs.BackendExternal
	if !external && o.streaming != nil && job.FileSize > o.cfg.LargeFileThreshold {
		o.logger.Info("large file, forcing streaming backend", "job_id", job.ID, "size", job.FileSize)
		external = true
	}

	if external {
		job.SpeakerIdentification = true
		if o.streaming != nil {
			t := o.streaming.GetTranscriber()
			return route{transcriber: t, generic: t == o.generic}, nil
		}
		o.logger.Warn("no streaming provider configured, using generic backend", "job_id", job.ID)
		metrics.RecordFallback("not_configured")
	}

	if o.generic == nil || !configured(o.generic) {
		return route{}, NewOrchError(TRANSCRIPTION_UNAVAILABLE, "Transcription service is not configured", nil)
	}
	return route{transcriber: o.generic, generic: true}, nil
}

// transcribeAll transcribes every chunk and returns index-aligned fragments.
// Generic-backend jobs above the batch threshold go in batches with progress
// updates between them.
func (o *Orchestrator) transcribeAll(ctx context.Context, job *jobs.Job, rt route, chunks []chunker.Chunk) ([]models.Fragment, error) {
	fragments := make([]models.Fragment, len(chunks))
	if len(chunks) == 0 {
		return fragments, nil
	}

	batchSize := len(chunks)
	batched := rt.generic && len(chunks) > o.cfg.BatchThreshold
	if batched {
		batchSize = o.cfg.BatchSize
	}
	total := (len(chunks) + batchSize - 1) / batchSize

	for b := 0; b < total; b++ {
		if batched {
			pct := int(math.Round(float64(b+1) / float64(total) * 100))
			o.progress(job, fmt.Sprintf("Transcribing batch %d/%d (%d%% complete)", b+1, total, pct))
		}

		lo, hi := b*batchSize, min((b+1)*batchSize, len(chunks))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.ChunkConcurrency)
		for i := lo; i < hi; i++ {
			i := i
			g.Go(func() error {
				fragments[i] = o.transcribeChunk(gctx, job, rt, chunks[i])
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, NewOrchError(TRANSCRIPTION_UNAVAILABLE, "Transcription was interrupted", err)
		}
	}
	return fragments, nil
}

// transcribeChunk runs one chunk through the outer retry loop. Exhausted
// chunks yield an error marker so the rest of the job still completes.
func (o *Orchestrator) transcribeChunk(ctx context.Context, job *jobs.Job, rt route, ch chunker.Chunk) models.Fragment {
	start := time.Now()
	opts := &whisper.TranscribeOptions{
		Language:              o.cfg.Language,
		SpeakerIdentification: job.SpeakerIdentification,
	}
	policy := retry.Policy{MaxAttempts: o.cfg.MaxRetries + 1, Delay: o.cfg.RetryDelay, Multiplier: 2}

	var res *models.Result
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		r, err := o.transcribeOnce(ctx, rt, ch, opts)
		if err != nil {
			return err
		}
		res = r
		return nil
	}, retry.Options{
		OnRetry: func(a retry.Attempt) {
			metrics.RecordRetry("chunk")
			o.logger.Warn("chunk transcription failed, retrying",
				"job_id", job.ID,
				"chunk", ch.Index+1,
				"attempt", a.Number,
				"wait", a.Wait,
				"error", a.Err,
			)
		},
		Sleep: o.sleep,
	})

	backend := rt.transcriber.Name()
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		code := chunkErrorCode(err)
		metrics.RecordChunk(backend, false)
		metrics.RecordError("chunk", string(code))
		logger.LogChunkTranscription(o.logger, backend, "error", job.ID, ch.Index+1, elapsed, string(code))
		return models.Fragment{ChunkIndex: ch.Index, Text: fmt.Sprintf("[Error transcribing part %d]", ch.Index+1)}
	}

	metrics.RecordChunk(backend, true)
	logger.LogChunkTranscription(o.logger, backend, "success", job.ID, ch.Index+1, elapsed, "")
	return models.Fragment{ChunkIndex: ch.Index, Text: res.Text, Segments: res.Segments}
}

// transcribeOnce is one attempt: re-encode the byte-cut chunk for the
// generic backend, then call the backend.
func (o *Orchestrator) transcribeOnce(ctx context.Context, rt route, ch chunker.Chunk, opts *whisper.TranscribeOptions) (*models.Result, error) {
	if !rt.generic {
		return rt.transcriber.Transcribe(ctx, ch.Path, opts)
	}

	upload := o.converter.PathManager().GetUploadPath(ch.Path)
	defer os.Remove(upload)
	if err := o.converter.ConvertForChunking(ctx, ch.Path, upload); err != nil {
		return nil, NewFFmpegError("chunk conversion", err)
	}
	return rt.transcriber.Transcribe(ctx, upload, opts)
}

// warnDuplicates flags consecutive chunks whose transcripts are near
// duplicates, usually a backend looping on silence.
func (o *Orchestrator) warnDuplicates(job *jobs.Job, fragments []models.Fragment) {
	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Text
	}
	for _, i := range simhash.ConsecutiveDuplicates(texts) {
		metrics.RecordDuplicateFragment()
		o.logger.Warn("consecutive chunks produced near-duplicate text",
			"job_id", job.ID,
			"chunk", fragments[i].ChunkIndex+1,
			"previous", fragments[i-1].ChunkIndex+1,
		)
	}
}

// fail records err on the job. It returns err for the caller.
func (o *Orchestrator) fail(job *jobs.Job, stage string, err error) error {
	code := CodeOf(err)
	if code == "" {
		code = "UNKNOWN"
	}
	o.logger.Error("job failed", "job_id", job.ID, "stage", stage, "code", code, "error", err)

	job.Status = jobs.StatusError
	job.Progress = ""
	job.ErrorMessage = userMessage(err)
	if serr := o.store.Save(job); serr != nil {
		o.logger.Error("failed to persist job error", "job_id", job.ID, "error", serr)
	}

	metrics.RecordJob(string(jobs.StatusError))
	metrics.RecordError(stage, string(code))
	o.recordAudit(audit.SystemOperator, audit.ActionFail, job.ID, job.ErrorMessage)
	return err
}

// progress updates the job's progress message. Failures are logged only.
func (o *Orchestrator) progress(job *jobs.Job, msg string) {
	job.Progress = msg
	if err := o.store.Save(job); err != nil {
		o.logger.Warn("failed to persist progress", "job_id", job.ID, "error", err)
		return
	}
	o.logger.Info("job progress", "job_id", job.ID, "progress", msg)
}

// timed runs fn and records its duration under stage.
func (o *Orchestrator) timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStage(stage, time.Since(start).Seconds())
	return err
}

// Cancel marks a pending or processing job as failed with CancelledMessage.
// Work already running is not interrupted; its final write wins.
func (o *Orchestrator) Cancel(jobID, operator string) error {
	job, err := o.store.Get(jobID)
	if err != nil {
		return NewStoreError(err)
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobFinished
	}

	job.Status = jobs.StatusError
	job.Progress = ""
	job.ErrorMessage = jobs.CancelledMessage
	if err := o.store.Save(job); err != nil {
		return NewStoreError(err)
	}
	metrics.RecordJob("cancelled")
	o.recordAudit(operator, audit.ActionCancel, jobID, "")
	o.logger.Info("job cancelled", "job_id", jobID)
	return nil
}

// Delete removes a job and everything it owns.
func (o *Orchestrator) Delete(ctx context.Context, jobID, operator string) error {
	job, err := o.store.Get(jobID)
	if err != nil {
		return NewStoreError(err)
	}
	if job == nil {
		return ErrJobNotFound
	}
	if err := o.CleanupAll(ctx, jobID); err != nil {
		return err
	}
	o.recordAudit(operator, audit.ActionDelete, jobID, job.FileName)
	return nil
}

// CleanupAll removes the job's temp folder, its original upload and its
// metadata. Missing pieces are not an error.
func (o *Orchestrator) CleanupAll(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.CleanupTemp(jobID)

	job, err := o.store.Get(jobID)
	if err != nil {
		return NewStoreError(err)
	}
	var errs []error
	if job != nil && job.SourcePath != "" {
		if err := os.Remove(job.SourcePath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove upload: %w", err))
		}
	}
	if err := o.store.Delete(jobID); err != nil {
		errs = append(errs, fmt.Errorf("delete metadata: %w", err))
	}
	return errors.Join(errs...)
}

// Expirer returns the jobs.Cleaner used by the retention sweeper. It removes
// the job like CleanupAll and records an expire audit entry.
func (o *Orchestrator) Expirer() jobs.Cleaner {
	return expirer{o}
}

type expirer struct{ o *Orchestrator }

func (e expirer) CleanupAll(ctx context.Context, jobID string) error {
	if err := e.o.CleanupAll(ctx, jobID); err != nil {
		return err
	}
	e.o.recordAudit(audit.SystemOperator, audit.ActionExpire, jobID, "retention elapsed")
	return nil
}

func (o *Orchestrator) recordAudit(operator string, action audit.AuditAction, jobID, details string) {
	if err := o.audit.LogAction(operator, action, jobID, details); err != nil {
		o.logger.Warn("failed to write audit entry", "job_id", jobID, "action", action, "error", err)
	}
}

// configured reports whether t has the credentials it needs. Backends
// without a Configured method are assumed ready.
func configured(t whisper.WhisperTranscriber) bool {
	c, ok := t.(interface{ Configured() bool })
	return !ok || c.Configured()
}

// chunkErrorCode classifies the last error of an exhausted chunk.
func chunkErrorCode(err error) ErrorCode {
	if code := CodeOf(err); code != "" {
		return code
	}
	var httpErr *whisper.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.RateLimited() {
			return RATE_LIMITED
		}
		return TRANSCRIPTION_HTTP_ERROR
	}
	return TRANSCRIPTION_UNAVAILABLE
}
