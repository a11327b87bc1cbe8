package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// envCheckTimeout 单项检查的超时
const envCheckTimeout = 5 * time.Second

// EnvironmentStatus 表示整体环境状态
type EnvironmentStatus struct {
	Ready    bool               `json:"ready"`
	Issues   []string           `json:"issues"`
	Warnings []string           `json:"warnings"`
	Details  EnvironmentDetails `json:"details"`
}

// EnvironmentDetails 包含各组件的详细状态
type EnvironmentDetails struct {
	FFmpeg         ToolStatus      `json:"ffmpeg"`
	GenericBackend ServiceStatus   `json:"generic_backend"`
	Streaming      ServiceStatus   `json:"streaming"`
	Workspace      WorkspaceStatus `json:"workspace"`
}

// ServiceStatus 表示转写后端状态
type ServiceStatus struct {
	Configured bool   `json:"configured"`
	Reachable  bool   `json:"reachable"`
	Name       string `json:"name,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
	Latency    string `json:"latency,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ToolStatus 表示命令行工具状态
type ToolStatus struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// WorkspaceStatus 表示临时工作区状态
type WorkspaceStatus struct {
	Path      string `json:"path"`
	FreeBytes uint64 `json:"free_bytes,omitempty"`
	UsedBytes int64  `json:"used_bytes"`
}

// CheckEnvironment 执行环境检查。deep 为 true 时实际探测通用后端（会产生一次外部请求）。
// 没有可用的转写后端、ffmpeg 不可用或磁盘空间不足时 Ready 为 false。
func (o *Orchestrator) CheckEnvironment(ctx context.Context, deep bool) *EnvironmentStatus {
	status := &EnvironmentStatus{
		Ready:    true,
		Issues:   []string{},
		Warnings: []string{},
	}

	// 1. 检查 FFmpeg
	status.Details.FFmpeg = o.checkFFmpeg(ctx)
	if !status.Details.FFmpeg.Available {
		status.Ready = false
		status.Issues = append(status.Issues, fmt.Sprintf("FFmpeg 不可用: %s", status.Details.FFmpeg.Error))
	}

	// 2. 检查通用转写后端
	status.Details.GenericBackend = o.checkGeneric(ctx, deep)
	generic := status.Details.GenericBackend
	if !generic.Configured {
		status.Issues = append(status.Issues, "通用转写后端未配置（缺少 API Key）")
		status.Ready = false
	} else if deep && !generic.Reachable {
		status.Warnings = append(status.Warnings, fmt.Sprintf("通用转写后端不可达: %s", generic.Error))
	}

	// 3. 检查流式说话人识别后端
	status.Details.Streaming = o.checkStreaming()
	if status.Details.Streaming.Degraded {
		status.Warnings = append(status.Warnings, "流式识别服务不可用，说话人识别已降级为启发式")
	}

	// 4. 检查工作区磁盘空间
	status.Details.Workspace = o.checkWorkspace()
	ws := status.Details.Workspace
	if ws.FreeBytes > 0 && ws.FreeBytes < o.cfg.MinFreeBytes {
		status.Ready = false
		status.Issues = append(status.Issues, fmt.Sprintf("工作区磁盘空间不足: %s 剩余 %.2f MB", ws.Path, float64(ws.FreeBytes)/(1024*1024)))
	}

	return status
}

// checkFFmpeg 通过转换器的执行器检查 FFmpeg 可用性
func (o *Orchestrator) checkFFmpeg(ctx context.Context) ToolStatus {
	ctx, cancel := context.WithTimeout(ctx, envCheckTimeout)
	defer cancel()
	if err := o.converter.HealthCheck(ctx); err != nil {
		return ToolStatus{Available: false, Error: err.Error()}
	}
	return ToolStatus{Available: true}
}

// checkGeneric 检查通用后端配置，deep 时调用其 HealthCheck
func (o *Orchestrator) checkGeneric(ctx context.Context, deep bool) ServiceStatus {
	if o.generic == nil {
		return ServiceStatus{}
	}
	s := ServiceStatus{Name: o.generic.Name(), Configured: configured(o.generic)}
	if !s.Configured || !deep {
		return s
	}

	ctx, cancel := context.WithTimeout(ctx, envCheckTimeout)
	defer cancel()
	start := time.Now()
	ok, err := o.generic.HealthCheck(ctx)
	s.Latency = fmt.Sprintf("%dms", time.Since(start).Milliseconds())
	s.Reachable = ok && err == nil
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// checkStreaming 读取降级控制器的当前状态，不触发额外探测
func (o *Orchestrator) checkStreaming() ServiceStatus {
	if o.streaming == nil {
		return ServiceStatus{}
	}
	degraded := o.streaming.IsDegraded()
	return ServiceStatus{
		Configured: true,
		Reachable:  !degraded,
		Degraded:   degraded,
	}
}

// checkWorkspace 统计工作区已用与剩余空间
func (o *Orchestrator) checkWorkspace() WorkspaceStatus {
	root := o.converter.PathManager().BaseDir()
	ws := WorkspaceStatus{Path: root, UsedBytes: dirSize(root)}
	if err := os.MkdirAll(root, 0755); err != nil {
		return ws
	}
	if free, err := freeBytes(root); err == nil {
		ws.FreeBytes = free
	}
	return ws
}

// dirSize 计算目录大小（递归）
func dirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
