package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrchError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := NewFFmpegError("audio extraction", cause)

	assert.Equal(t, FFMPEG_FAILED, err.Code)
	assert.Equal(t, "[FFMPEG_FAILED] Media conversion failed during audio extraction: exit status 1", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Media conversion failed during audio extraction", err.UserMessage())
	assert.False(t, err.Timestamp.IsZero())
}

func TestCodeOfAndUserMessage(t *testing.T) {
	wrapped := fmt.Errorf("stage chunking: %w", NewChunkError(errors.New("short write")))

	assert.Equal(t, CHUNK_FAILED, CodeOf(wrapped))
	assert.Equal(t, "Failed to split media into chunks", userMessage(wrapped))

	plain := errors.New("plain failure")
	assert.Equal(t, ErrorCode(""), CodeOf(plain))
	assert.Equal(t, "plain failure", userMessage(plain))
}

func TestNewDiskFullError(t *testing.T) {
	err := NewDiskFullError("/tmp/jobs")
	assert.Equal(t, DISK_FULL, err.Code)
	assert.Contains(t, err.Error(), "/tmp/jobs")
	assert.Nil(t, err.Unwrap())
}
