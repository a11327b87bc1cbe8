package api

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/domain/jobs"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/export"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/queue"
)

// supportedTypes 允许上传的媒体类型
var supportedTypes = map[string]bool{
	"audio/mpeg":      true,
	"audio/mp3":       true,
	"audio/wav":       true,
	"audio/wave":      true,
	"audio/x-wav":     true,
	"audio/x-m4a":     true,
	"video/mp4":       true,
	"video/quicktime": true,
}

// JobHandler 处理转写任务的 HTTP 接口
type JobHandler struct {
	orch      *orchestrator.Orchestrator
	store     jobs.Store
	governor  *queue.Governor
	uploadDir string
	maxUpload int64
	retention time.Duration
	logger    *slog.Logger
}

// JobHandlerConfig 配置 JobHandler
type JobHandlerConfig struct {
	UploadDir     string
	MaxUploadSize int64
	Retention     time.Duration
}

// NewJobHandler 创建任务处理器
func NewJobHandler(orch *orchestrator.Orchestrator, store jobs.Store, governor *queue.Governor, cfg JobHandlerConfig, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		orch:      orch,
		store:     store,
		governor:  governor,
		uploadDir: cfg.UploadDir,
		maxUpload: cfg.MaxUploadSize,
		retention: cfg.Retention,
		logger:    logger.With("component", "api"),
	}
}

// JobResponse 对外暴露的任务视图（不含服务器路径）
type JobResponse struct {
	ID                    string           `json:"id"`
	FileName              string           `json:"file_name"`
	FileSize              int64            `json:"file_size"`
	ContentType           string           `json:"content_type"`
	SpeakerIdentification bool             `json:"speaker_identification"`
	DiarizationBackend    jobs.Backend     `json:"diarization_backend"`
	Status                jobs.Status      `json:"status"`
	Progress              string           `json:"progress,omitempty"`
	Transcription         string           `json:"transcription,omitempty"`
	Segments              []models.Segment `json:"segments,omitempty"`
	ErrorMessage          string           `json:"error_message,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	DeleteAt              time.Time        `json:"delete_at"`
}

func toResponse(j *jobs.Job, withTranscript bool) JobResponse {
	r := JobResponse{
		ID:                    j.ID,
		FileName:              j.FileName,
		FileSize:              j.FileSize,
		ContentType:           j.ContentType,
		SpeakerIdentification: j.SpeakerIdentification,
		DiarizationBackend:    j.DiarizationBackend,
		Status:                j.Status,
		Progress:              j.Progress,
		ErrorMessage:          j.ErrorMessage,
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
		DeleteAt:              j.DeleteAt,
	}
	if withTranscript {
		r.Transcription = j.Transcription
		r.Segments = j.Segments
	}
	return r
}

// Create 上传媒体文件并排队转写
// POST /api/v1/jobs  (multipart: file, speaker_identification, diarization_backend)
func (h *JobHandler) Create(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorResponse(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		badRequestResponse(c, "missing file")
		return
	}

	name := filepath.Base(fh.Filename)
	contentType := mediaType(fh.Header.Get("Content-Type"), name)
	if !supportedTypes[contentType] {
		badRequestResponse(c, fmt.Sprintf("unsupported media type %q", contentType))
		return
	}

	speakerID, _ := strconv.ParseBool(c.PostForm("speaker_identification"))
	backend := jobs.ParseBackend(c.PostForm("diarization_backend"))

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		h.logger.Error("failed to create upload dir", "error", err)
		internalErrorResponse(c)
		return
	}
	dst := filepath.Join(h.uploadDir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), name))
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		h.logger.Error("failed to save upload", "file", name, "error", err)
		internalErrorResponse(c)
		return
	}

	kind := jobs.MediaAudio
	if strings.HasPrefix(contentType, "video/") {
		kind = jobs.MediaVideo
	}
	job := jobs.NewJob(name, dst, contentType, fh.Size, kind, speakerID, backend, h.retention)
	if err := h.orch.Accept(job, currentUser(c)); err != nil {
		_ = os.Remove(dst)
		h.logger.Error("failed to accept job", "error", err)
		internalErrorResponse(c)
		return
	}

	jobID := job.ID
	h.governor.SubmitAsync(h.orch.Job(jobID), func(_ *models.Result, err error) {
		if err != nil {
			h.logger.Warn("job finished with error", "job_id", jobID, "error", err)
		}
	})

	c.JSON(http.StatusAccepted, toResponse(job, false))
}

// extensionTypes 客户端未给出类型时按扩展名推断
var extensionTypes = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".m4a": "audio/x-m4a",
	".mp4": "video/mp4",
	".mov": "video/quicktime",
}

// mediaType 归一化上传的 Content-Type，缺失或为 octet-stream 时按扩展名推断
func mediaType(header, name string) string {
	t, _, err := mime.ParseMediaType(header)
	if err == nil && t != "" && t != "application/octet-stream" {
		return strings.ToLower(t)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	t, _, _ = mime.ParseMediaType(mime.TypeByExtension(ext))
	return strings.ToLower(t)
}

// List 列出所有任务（不含转写文本）
// GET /api/v1/jobs
func (h *JobHandler) List(c *gin.Context) {
	all, err := h.store.List()
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		internalErrorResponse(c)
		return
	}
	out := make([]JobResponse, 0, len(all))
	for _, j := range all {
		out = append(out, toResponse(j, false))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// Get 返回任务状态与转写结果
// GET /api/v1/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	job, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toResponse(job, true))
}

// Cancel 取消未结束的任务
// POST /api/v1/jobs/:id/cancel
func (h *JobHandler) Cancel(c *gin.Context) {
	err := h.orch.Cancel(c.Param("id"), currentUser(c))
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		notFoundResponse(c, "job")
	case errors.Is(err, orchestrator.ErrJobFinished):
		errorResponse(c, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("failed to cancel job", "job_id", c.Param("id"), "error", err)
		internalErrorResponse(c)
	default:
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": jobs.StatusError, "error_message": jobs.CancelledMessage})
	}
}

// Delete 删除任务及其上传文件、临时文件和元数据
// DELETE /api/v1/jobs/:id
func (h *JobHandler) Delete(c *gin.Context) {
	err := h.orch.Delete(c.Request.Context(), c.Param("id"), currentUser(c))
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		notFoundResponse(c, "job")
	case err != nil:
		h.logger.Error("failed to delete job", "job_id", c.Param("id"), "error", err)
		internalErrorResponse(c)
	default:
		c.Status(http.StatusNoContent)
	}
}

// Transcript 下载已完成任务的转写结果
// GET /api/v1/jobs/:id/transcript?format=txt|srt|vtt|json
func (h *JobHandler) Transcript(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		badRequestResponse(c, err.Error())
		return
	}
	job, ok := h.load(c)
	if !ok {
		return
	}
	if job.Status != jobs.StatusCompleted {
		errorResponse(c, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}

	body, err := export.Render(format, job.Result(), job.SpeakerIdentification)
	if err != nil {
		h.logger.Error("failed to render transcript", "job_id", job.ID, "format", format, "error", err)
		internalErrorResponse(c)
		return
	}
	filename := export.FileName(job.FileName, format, job.SpeakerIdentification && job.Result().HasSpeakers())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, format.ContentType(), body)
}

// Queue 返回并发调度器状态
// GET /api/v1/queue
func (h *JobHandler) Queue(c *gin.Context) {
	c.JSON(http.StatusOK, h.governor.Stats())
}

func (h *JobHandler) load(c *gin.Context) (*jobs.Job, bool) {
	job, err := h.store.Get(c.Param("id"))
	if err != nil {
		h.logger.Error("failed to load job", "job_id", c.Param("id"), "error", err)
		internalErrorResponse(c)
		return nil, false
	}
	if job == nil {
		notFoundResponse(c, "job")
		return nil, false
	}
	return job, true
}
