package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditAction 任务审计操作类型
type AuditAction string

const (
	ActionSubmit   AuditAction = "submit"
	ActionComplete AuditAction = "complete"
	ActionFail     AuditAction = "error"
	ActionCancel   AuditAction = "cancel"
	ActionDelete   AuditAction = "delete"
	ActionExpire   AuditAction = "expire"
)

// AuditEntry 审计日志条目
type AuditEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Operator  string      `json:"operator"`          // 操作者（请求用户或 system）
	Action    AuditAction `json:"action"`            // 操作类型
	JobID     string      `json:"job_id"`            // 任务 ID
	Details   string      `json:"details,omitempty"` // 额外详情
}

// SystemOperator 后台流程（流水线、清理器）记录时使用的操作者
const SystemOperator = "system"

// AuditLogger 审计日志记录器接口
type AuditLogger interface {
	// LogAction 记录一条任务审计日志
	LogAction(operator string, action AuditAction, jobID string, details string) error
}

// FileAuditLogger 基于 JSONL 文件的审计日志实现，由 lumberjack 负责滚动
type FileAuditLogger struct {
	path string
	out  io.WriteCloser
	mu   sync.Mutex
}

// NewFileAuditLogger 创建文件审计日志记录器
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &FileAuditLogger{
		path: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MB
			MaxBackups: 10,
			MaxAge:     90, // days
			Compress:   true,
		},
	}, nil
}

// LogAction 追加一条 JSONL 记录
func (f *FileAuditLogger) LogAction(operator string, action AuditAction, jobID string, details string) error {
	if operator == "" {
		operator = SystemOperator
	}
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		Operator:  operator,
		Action:    action,
		JobID:     jobID,
		Details:   details,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Entries 读取当前审计文件中某个任务的全部记录，jobID 为空时返回全部
func (f *FileAuditLogger) Entries(jobID string) ([]AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry at line %d: %w", line, err)
		}
		if jobID == "" || entry.JobID == jobID {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}

// Close 关闭底层文件
func (f *FileAuditLogger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}

// NopAuditLogger 丢弃所有记录，用于未配置审计路径的场景和测试
type NopAuditLogger struct{}

// LogAction 不做任何事
func (NopAuditLogger) LogAction(string, AuditAction, string, string) error { return nil }
