package dependency

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathManager builds and validates paths inside the job workspace root.
//
// Every job owns one flat directory: {root}/{job_id}/
//   - extracted audio:    extracted.wav
//   - normalized audio:   normalized.mp3
//   - chunks:             chunk_0000.mp3, chunk_0001.mp3, ...
//   - streaming input:    chunk_0000_stream.wav, ...
//   - backend input:      chunk_0000_upload.mp3, ...
type PathManager struct {
	baseDir string
}

// NewPathManager creates a new PathManager instance.
func NewPathManager(baseDir string) *PathManager {
	return &PathManager{baseDir: baseDir}
}

// BaseDir returns the workspace root.
func (pm *PathManager) BaseDir() string {
	return pm.baseDir
}

// GetJobDir returns the workspace directory of a job.
func (pm *PathManager) GetJobDir(jobID string) string {
	return filepath.Join(pm.baseDir, jobID)
}

// GetExtractedPath returns the path of the audio track extracted from a video.
func (pm *PathManager) GetExtractedPath(jobID string) string {
	return filepath.Join(pm.GetJobDir(jobID), "extracted.wav")
}

// GetNormalizedPath returns the path of the normalized (chunkable) mp3.
func (pm *PathManager) GetNormalizedPath(jobID string) string {
	return filepath.Join(pm.GetJobDir(jobID), "normalized.mp3")
}

// GetChunkBasename generates the base name for chunk-related files.
// Example: GetChunkBasename(15) -> "chunk_0015"
func (pm *PathManager) GetChunkBasename(chunkIndex int) string {
	return fmt.Sprintf("chunk_%04d", chunkIndex)
}

// GetStreamingPath returns the WAV file fed to a streaming recognition session.
func (pm *PathManager) GetStreamingPath(chunkPath string) string {
	return strings.TrimSuffix(chunkPath, filepath.Ext(chunkPath)) + "_stream.wav"
}

// GetUploadPath returns the per-attempt mp3 sent to the generic backend.
func (pm *PathManager) GetUploadPath(chunkPath string) string {
	return strings.TrimSuffix(chunkPath, filepath.Ext(chunkPath)) + "_upload.mp3"
}

// ValidatePath checks that path is inside the workspace root and is not a symlink.
func (pm *PathManager) ValidatePath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	absBaseDir, err := filepath.Abs(pm.baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}

	rel, err := filepath.Rel(absBaseDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside workspace root (%s)", path, pm.baseDir)
	}

	if hasTraversal(path) {
		return fmt.Errorf("path contains '..' element")
	}

	for _, prefix := range forbiddenPrefixes {
		if absPath == prefix || strings.HasPrefix(absPath, prefix+"/") {
			return fmt.Errorf("access to system directory %s is forbidden", prefix)
		}
	}

	info, err := os.Lstat(path)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symbolic links are not allowed")
	}

	return nil
}

// EnsureJobDir creates the job directory if it doesn't exist.
func (pm *PathManager) EnsureJobDir(jobID string) (string, error) {
	dir := pm.GetJobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}
