package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal 任务终态计数器
	// Labels: status (completed/error/cancelled)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcribe_jobs_total",
			Help: "Total number of transcription jobs by final status",
		},
		[]string{"status"},
	)

	// ChunksTotal 切片转写计数器
	// Labels: backend (generic/streaming), status (success/error)
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcribe_chunks_total",
			Help: "Total number of chunks transcribed by backend",
		},
		[]string{"backend", "status"},
	)

	// ErrorsTotal 流水线错误计数器
	// Labels: component (converter/chunker/generic/streaming/store), error_code
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcribe_errors_total",
			Help: "Total number of pipeline errors by component and error code",
		},
		[]string{"component", "error_code"},
	)

	// StageDuration 流水线阶段耗时直方图（秒）
	// Labels: stage (extract/normalize/chunk/transcribe/merge/diarize)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcribe_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"stage"},
	)

	// QueueActive 正在处理的任务数
	QueueActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcribe_queue_active",
			Help: "Number of jobs currently processing",
		},
	)

	// QueueQueued 等待准入的任务数
	QueueQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcribe_queue_queued",
			Help: "Number of jobs waiting for admission",
		},
	)

	// RetriesTotal 重试次数
	// Labels: layer (api/chunk/store)
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcribe_retries_total",
			Help: "Total number of retries by layer",
		},
		[]string{"layer"},
	)

	// FallbacksTotal 回退到通用后端 + 启发式说话人分离的次数
	// Labels: reason (stalled/cancelled/empty/unhealthy)
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcribe_fallbacks_total",
			Help: "Total number of fallbacks to the generic backend with heuristic diarization",
		},
		[]string{"reason"},
	)

	// DuplicateFragmentsTotal 相邻切片文本近似重复次数
	DuplicateFragmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcribe_duplicate_fragments_total",
			Help: "Total number of consecutive chunk transcripts detected as near duplicates",
		},
	)
)

// RecordJob 记录任务终态
func RecordJob(status string) {
	JobsTotal.WithLabelValues(status).Inc()
}

// RecordChunk 记录切片转写结果
func RecordChunk(backend string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ChunksTotal.WithLabelValues(backend, status).Inc()
}

// RecordError 记录流水线错误
func RecordError(component, errorCode string) {
	ErrorsTotal.WithLabelValues(component, errorCode).Inc()
}

// RecordStage 记录阶段耗时（秒）
func RecordStage(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// SetQueue 更新队列量规
func SetQueue(active, queued int) {
	QueueActive.Set(float64(active))
	QueueQueued.Set(float64(queued))
}

// RecordRetry 记录一次重试
func RecordRetry(layer string) {
	RetriesTotal.WithLabelValues(layer).Inc()
}

// RecordFallback 记录一次回退
func RecordFallback(reason string) {
	FallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordDuplicateFragment 记录一次近似重复片段
func RecordDuplicateFragment() {
	DuplicateFragmentsTotal.Inc()
}
