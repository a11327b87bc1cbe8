package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 统一配置结构
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Data        DataConfig        `yaml:"data"`
	Log         LogConfig         `yaml:"log"`
	Security    SecurityConfig    `yaml:"security"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	AzureOpenAI AzureOpenAIConfig `yaml:"azure_openai"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	AWS         AWSConfig         `yaml:"aws"`
	FFmpeg      FFmpegConfig      `yaml:"ffmpeg"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Env  string `yaml:"env"` // dev, staging, production
	Port string `yaml:"port"`
}

// DataConfig 数据目录配置
type DataConfig struct {
	UploadDir    string `yaml:"upload_dir"`
	MetadataDir  string `yaml:"metadata_dir"`
	TempDir      string `yaml:"temp_dir"`
	AuditLogPath string `yaml:"audit_log_path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `yaml:"level"`  // debug, info, warn, error
	Format   string `yaml:"format"` // console, json
	FilePath string `yaml:"file_path"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	AuthEnabled bool   `yaml:"auth_enabled"`
	JWTSecret   string `yaml:"jwt_secret"`
}

// PipelineConfig 转写流水线配置
type PipelineConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	ChunkSize         int64         `yaml:"chunk_size"`
	BatchSize         int           `yaml:"batch_size"`
	BatchThreshold    int           `yaml:"batch_threshold"`
	ChunkConcurrency  int           `yaml:"chunk_concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	APIRetries        int           `yaml:"api_retries"`
	APIBaseDelay      time.Duration `yaml:"api_base_delay"`
	Retention         time.Duration `yaml:"retention"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	MaxUploadSize     int64         `yaml:"max_upload_size"`
}

// OpenAIConfig 通用转写后端（OpenAI 兼容接口）配置
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AzureOpenAIConfig Azure OpenAI 部署配置
type AzureOpenAIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	APIVersion string `yaml:"api_version"`
	Deployment string `yaml:"deployment"`
}

// StreamingConfig 流式说话人识别后端配置
type StreamingConfig struct {
	Provider       string        `yaml:"provider"` // websocket, aws, none
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	Region         string        `yaml:"region"`
	Language       string        `yaml:"language"`
	MaxSpeakers    int           `yaml:"max_speakers"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	StallCheck     time.Duration `yaml:"stall_check"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// AWSConfig AWS Transcribe 配置
type AWSConfig struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
}

// FFmpegConfig 媒体转换工具配置
type FFmpegConfig struct {
	BinaryPath string        `yaml:"binary_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

// GlobalConfig 全局配置实例
var GlobalConfig *Config

// LoadConfig 从环境变量加载配置，CONFIG_FILE 指定的 YAML 文件覆盖其中已设置的字段
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Env:  getEnv("ENV", "dev"),
			Port: getEnv("PORT", "8000"),
		},
		Data: DataConfig{
			UploadDir:    getEnv("UPLOAD_DIR", "./data/uploads"),
			MetadataDir:  getEnv("METADATA_DIR", "./data/metadata"),
			TempDir:      getEnv("TEMP_DIR", "./data/temp"),
			AuditLogPath: getEnv("AUDIT_LOG_PATH", "./data/audit/jobs.log"),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "console"),
			FilePath: getEnv("LOG_FILE", ""),
		},
		Security: SecurityConfig{
			AuthEnabled: getEnvBool("AUTH_ENABLED", false),
			JWTSecret:   getEnv("JWT_SECRET", ""),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 100),
			ChunkSize:         int64(getEnvInt("CHUNK_SIZE", 5*1024*1024)),
			BatchSize:         getEnvInt("BATCH_SIZE", 10),
			BatchThreshold:    getEnvInt("BATCH_THRESHOLD", 20),
			ChunkConcurrency:  getEnvInt("CHUNK_CONCURRENCY", 1),
			MaxRetries:        getEnvInt("MAX_RETRIES", 3),
			APIRetries:        getEnvInt("API_RETRIES", 3),
			APIBaseDelay:      getEnvDuration("API_BASE_DELAY", time.Second),
			Retention:         getEnvDuration("RETENTION", 24*time.Hour),
			SweepInterval:     getEnvDuration("SWEEP_INTERVAL", time.Hour),
			MaxUploadSize:     int64(getEnvInt("MAX_UPLOAD_SIZE", 2*1024*1024*1024)),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnv("OPENAI_MODEL", "whisper-1"),
		},
		AzureOpenAI: AzureOpenAIConfig{
			Enabled:    getEnvBool("USE_AZURE_OPENAI", false),
			Endpoint:   getEnv("AZURE_OPENAI_ENDPOINT", ""),
			APIKey:     getEnv("AZURE_OPENAI_API_KEY", ""),
			APIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
			Deployment: getEnv("AZURE_OPENAI_DEPLOYMENT", "whisper"),
		},
		Streaming: StreamingConfig{
			Provider:       getEnv("STREAMING_PROVIDER", "none"),
			URL:            getEnv("STREAMING_URL", ""),
			APIKey:         getEnv("STREAMING_API_KEY", ""),
			Region:         getEnv("STREAMING_REGION", ""),
			Language:       getEnv("STREAMING_LANGUAGE", "en-US"),
			MaxSpeakers:    getEnvInt("STREAMING_MAX_SPEAKERS", 10),
			StallTimeout:   getEnvDuration("STREAMING_STALL_TIMEOUT", 30*time.Second),
			StallCheck:     getEnvDuration("STREAMING_STALL_CHECK", 10*time.Second),
			HealthInterval: getEnvDuration("STREAMING_HEALTH_INTERVAL", 30*time.Second),
		},
		AWS: AWSConfig{
			Region: getEnv("AWS_REGION", "us-east-1"),
			Bucket: getEnv("AWS_TRANSCRIBE_BUCKET", ""),
		},
		FFmpeg: FFmpegConfig{
			BinaryPath: getEnv("FFMPEG_PATH", "ffmpeg"),
			Timeout:    getEnvDuration("FFMPEG_TIMEOUT", 30*time.Minute),
		},
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	GlobalConfig = cfg
	return cfg, nil
}

// loadFile 用 YAML 文件覆盖配置；文件中未出现的字段保持原值
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ValidateConfig 验证配置的有效性
func ValidateConfig(cfg *Config) error {
	var errors []string

	// 1. JWT Secret 验证（仅启用认证时）
	if cfg.Security.AuthEnabled {
		if cfg.Security.JWTSecret == "" {
			errors = append(errors, "JWT_SECRET is required when AUTH_ENABLED=true")
		} else if len(cfg.Security.JWTSecret) < 32 {
			errors = append(errors, "JWT_SECRET must be at least 32 characters long")
		}
	}

	// 2. 生产环境必须启用认证
	if cfg.Server.Env == "production" && !cfg.Security.AuthEnabled {
		errors = append(errors, "AUTH_ENABLED must be true in production environment")
	}

	// 3. 端口验证
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid PORT value: %s (must be 1-65535)", cfg.Server.Port))
	}

	// 4. 日志级别验证
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Log.Level] {
		errors = append(errors, fmt.Sprintf("invalid LOG_LEVEL: %s (must be: debug, info, warn, error)", cfg.Log.Level))
	}

	// 5. 日志格式验证
	validLogFormats := map[string]bool{"console": true, "json": true}
	if !validLogFormats[cfg.Log.Format] {
		errors = append(errors, fmt.Sprintf("invalid LOG_FORMAT: %s (must be: console, json)", cfg.Log.Format))
	}

	// 6. 环境验证
	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "production": true}
	if !validEnvs[cfg.Server.Env] {
		errors = append(errors, fmt.Sprintf("invalid ENV: %s (must be: dev, development, staging, production)", cfg.Server.Env))
	}

	// 7. 流水线参数
	p := cfg.Pipeline
	if p.MaxConcurrentJobs < 1 {
		errors = append(errors, "MAX_CONCURRENT_JOBS must be at least 1")
	}
	if p.ChunkSize < 1024 {
		errors = append(errors, "CHUNK_SIZE must be at least 1024 bytes")
	}
	if p.BatchSize < 1 || p.ChunkConcurrency < 1 {
		errors = append(errors, "BATCH_SIZE and CHUNK_CONCURRENCY must be at least 1")
	}
	if p.MaxRetries < 0 || p.APIRetries < 0 {
		errors = append(errors, "MAX_RETRIES and API_RETRIES cannot be negative")
	}

	// 8. 通用转写后端
	if cfg.AzureOpenAI.Enabled {
		if cfg.AzureOpenAI.Endpoint == "" || cfg.AzureOpenAI.APIKey == "" {
			errors = append(errors, "AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY are required when USE_AZURE_OPENAI=true")
		}
	}

	// 9. 流式后端
	switch cfg.Streaming.Provider {
	case "none", "":
	case "websocket":
		if cfg.Streaming.URL == "" {
			errors = append(errors, "STREAMING_URL is required for the websocket provider")
		}
	case "aws":
		if cfg.AWS.Bucket == "" {
			errors = append(errors, "AWS_TRANSCRIBE_BUCKET is required for the aws provider")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid STREAMING_PROVIDER: %s (must be: websocket, aws, none)", cfg.Streaming.Provider))
	}
	if cfg.Streaming.MaxSpeakers < 1 {
		errors = append(errors, "STREAMING_MAX_SPEAKERS must be at least 1")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// IsProduction 判断是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// IsDevelopment 判断是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "dev" || c.Server.Env == "development"
}

// GetServerAddr 获取服务器监听地址
func (c *Config) GetServerAddr() string {
	return ":" + c.Server.Port
}

// StreamingEnabled 是否配置了流式说话人识别后端
func (c *Config) StreamingEnabled() bool {
	return c.Streaming.Provider == "websocket" || c.Streaming.Provider == "aws"
}

// PrintConfig 打印配置（脱敏）
func (c *Config) PrintConfig() string {
	return fmt.Sprintf(`Configuration Loaded:
  Environment: %s
  Server Port: %s
  Data Directories:
    - Uploads: %s
    - Metadata: %s
    - Temp: %s
    - Audit Log: %s
  Logging:
    - Level: %s
    - Format: %s
  Security:
    - Auth Enabled: %t
    - JWT Secret: %s
  Pipeline:
    - Max Concurrent Jobs: %d
    - Chunk Size: %d
    - Chunk Concurrency: %d
  Generic Backend:
    - Azure: %t
    - OpenAI Key: %s
    - Azure Key: %s
  Streaming:
    - Provider: %s
    - API Key: %s`,
		c.Server.Env,
		c.Server.Port,
		c.Data.UploadDir,
		c.Data.MetadataDir,
		c.Data.TempDir,
		c.Data.AuditLogPath,
		c.Log.Level,
		c.Log.Format,
		c.Security.AuthEnabled,
		maskSecret(c.Security.JWTSecret),
		c.Pipeline.MaxConcurrentJobs,
		c.Pipeline.ChunkSize,
		c.Pipeline.ChunkConcurrency,
		c.AzureOpenAI.Enabled,
		maskSecret(c.OpenAI.APIKey),
		maskSecret(c.AzureOpenAI.APIKey),
		c.Streaming.Provider,
		maskSecret(c.Streaming.APIKey),
	)
}

// 辅助函数

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 获取整数环境变量，解析失败时返回默认值
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBool 获取布尔环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration 获取时长环境变量（如 30s、24h）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// maskSecret 对敏感信息进行脱敏
func maskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}
