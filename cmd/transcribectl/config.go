package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config 保存 CLI 全局配置
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	Output    string `yaml:"-"`
}

// LoadConfig 从命令行标志、环境变量、配置文件加载配置（优先级从高到低）
func LoadConfig(cmd *cobra.Command) *Config {
	cfg := &Config{}

	loadConfigFile(cfg)

	if v := os.Getenv("TRANSCRIBE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("TRANSCRIBE_TOKEN"); v != "" {
		cfg.Token = v
	}

	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		cfg.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	}
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		cfg.Output = v
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8000"
	}
	if cfg.Output == "" {
		cfg.Output = "text"
	}
	return cfg
}

// loadConfigFile 从 ~/.transcribe/config.yaml 读取配置
func loadConfigFile(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(home, ".transcribe", "config.yaml"))
	if err != nil {
		return
	}
	_ = yaml.Unmarshal(data, cfg)
}

// addGlobalFlags 为 root 命令添加全局标志
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server-url", "", "服务器地址 (env: TRANSCRIBE_SERVER_URL, 默认: http://localhost:8000)")
	cmd.PersistentFlags().String("token", "", "认证令牌 (env: TRANSCRIBE_TOKEN)")
	cmd.PersistentFlags().StringP("output", "o", "", "输出格式: json / text (默认: text)")
}
