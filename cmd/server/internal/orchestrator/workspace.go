package orchestrator

import (
	"errors"
	"os"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/dependency"
)

// Workspace 是单个任务的临时目录 {tempDir}/{jobID}/，Release 后整个目录被删除
type Workspace struct {
	JobID string
	Dir   string

	release func()
}

// Release 清理工作区，可重复调用
func (w *Workspace) Release() {
	if w.release != nil {
		w.release()
		w.release = nil
	}
}

// acquireWorkspace 创建任务工作区并检查剩余磁盘空间。
// 需要的空间按源文件大小的两倍（规范化音频 + 切片）加上 MinFreeBytes 估算。
func (o *Orchestrator) acquireWorkspace(jobID string, sourceSize int64) (*Workspace, error) {
	pm := o.converter.PathManager()
	dir, err := pm.EnsureJobDir(jobID)
	if err != nil {
		return nil, NewOrchError(ENV_NOT_READY, "Failed to prepare job workspace", err)
	}

	need := o.cfg.MinFreeBytes + uint64(2*max(sourceSize, 0))
	free, err := freeBytes(dir)
	switch {
	case errors.Is(err, errors.ErrUnsupported):
	case err != nil:
		o.logger.Warn("disk space check failed", "dir", dir, "error", err)
	case free < need:
		o.CleanupTemp(jobID)
		return nil, NewDiskFullError(pm.BaseDir())
	}

	return &Workspace{
		JobID:   jobID,
		Dir:     dir,
		release: func() { o.CleanupTemp(jobID) },
	}, nil
}

// CleanupTemp 删除任务的临时目录（切片、转换中间文件），任务结束后总会调用
func (o *Orchestrator) CleanupTemp(jobID string) {
	dir := o.converter.PathManager().GetJobDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Warn("failed to remove job workspace", "job_id", jobID, "dir", dir, "error", err)
	}
}

// workspacePaths 汇总任务工作区里各阶段的文件路径
type workspacePaths struct {
	extracted  string
	normalized string
	chunkDir   string
}

func pathsFor(pm *dependency.PathManager, jobID string) workspacePaths {
	return workspacePaths{
		extracted:  pm.GetExtractedPath(jobID),
		normalized: pm.GetNormalizedPath(jobID),
		chunkDir:   pm.GetJobDir(jobID),
	}
}
