package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// MediaKind distinguishes uploads that need audio extraction.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Backend selects how speakers are attributed.
type Backend string

const (
	// BackendHeuristic uses the generic backend and infers speakers from text.
	BackendHeuristic Backend = "heuristic"
	// BackendExternal uses the streaming diarization service.
	BackendExternal Backend = "external"
)

// ParseBackend maps request values to a Backend, defaulting to heuristic.
func ParseBackend(s string) Backend {
	if Backend(s) == BackendExternal {
		return BackendExternal
	}
	return BackendHeuristic
}

// CancelledMessage is stored on jobs cancelled by their owner.
const CancelledMessage = "Cancelled by user"

// Job is the persisted record of one transcription request.
type Job struct {
	ID                    string           `json:"id"`
	FileName              string           `json:"file_name"`
	SourcePath            string           `json:"source_path"`
	FileSize              int64            `json:"file_size"`
	ContentType           string           `json:"content_type"`
	MediaKind             MediaKind        `json:"media_kind"`
	SpeakerIdentification bool             `json:"speaker_identification"`
	DiarizationBackend    Backend          `json:"diarization_backend"`
	Status                Status           `json:"status"`
	Progress              string           `json:"progress,omitempty"`
	Transcription         string           `json:"transcription,omitempty"`
	Segments              []models.Segment `json:"segments,omitempty"`
	ErrorMessage          string           `json:"error_message,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	DeleteAt              time.Time        `json:"delete_at"`
}

// NewJob creates a pending job that expires after retention.
func NewJob(fileName, sourcePath, contentType string, size int64, kind MediaKind, speakerID bool, backend Backend, retention time.Duration) *Job {
	now := time.Now().UTC()
	if backend == BackendExternal {
		speakerID = true
	}
	return &Job{
		ID:                    uuid.NewString(),
		FileName:              fileName,
		SourcePath:            sourcePath,
		FileSize:              size,
		ContentType:           contentType,
		MediaKind:             kind,
		SpeakerIdentification: speakerID,
		DiarizationBackend:    backend,
		Status:                StatusPending,
		CreatedAt:             now,
		UpdatedAt:             now,
		DeleteAt:              now.Add(retention),
	}
}

// Result returns the transcript of a completed job.
func (j *Job) Result() *models.Result {
	return &models.Result{Text: j.Transcription, Segments: j.Segments}
}

// Store persists job records. Get returns (nil, nil) for unknown ids.
type Store interface {
	Get(id string) (*Job, error)
	Save(job *Job) error
	List() ([]*Job, error)
	Delete(id string) error
}

// Cleaner removes everything a job owns on disk.
type Cleaner interface {
	CleanupAll(ctx context.Context, jobID string) error
}
