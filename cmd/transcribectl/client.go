package main

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// APIClient 封装 HTTP 客户端
type APIClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewAPIClient 创建新的 API 客户端
func NewAPIClient(cfg *Config) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		Token:      cfg.Token,
		HTTPClient: &http.Client{Timeout: 30 * time.Minute},
	}
}

// Get 发送 GET 请求
func (c *APIClient) Get(path string) ([]byte, error) {
	data, _, err := c.doRequest(http.MethodGet, path, nil, "")
	return data, err
}

// Request 发送无请求体的请求 (POST/DELETE)
func (c *APIClient) Request(method, path string) ([]byte, error) {
	data, _, err := c.doRequest(method, path, nil, "")
	return data, err
}

// Download 下载文件，返回内容与服务器建议的文件名
func (c *APIClient) Download(path string) ([]byte, string, error) {
	data, header, err := c.doRequest(http.MethodGet, path, nil, "")
	if err != nil {
		return nil, "", err
	}
	name := ""
	if _, params, err := mime.ParseMediaType(header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	return data, name, nil
}

// Upload 以 multipart 表单上传文件
func (c *APIClient) Upload(path, filePath string, fields map[string]string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	data, _, err := c.doRequest(http.MethodPost, path, &body, mw.FormDataContentType())
	return data, err
}

// doRequest 执行 HTTP 请求
func (c *APIClient) doRequest(method, path string, body io.Reader, contentType string) ([]byte, http.Header, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed (check TRANSCRIBE_SERVER_URL=%s): %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, nil, fmt.Errorf("authentication failed (401): check TRANSCRIBE_TOKEN")
	}
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, resp.Header, nil
}
