package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/metrics"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
	"github.com/houzhh15/transcribe-pipeline/pkg/retry"
)

// HTTPError is returned for any non-200 response from the transcription API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("transcription API returned status %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the backend asked the client to slow down.
func (e *HTTPError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ClientConfig configures an OpenAIClient.
type ClientConfig struct {
	// BaseURL of an OpenAI-compatible API, e.g. "https://api.openai.com/v1".
	BaseURL string
	APIKey  string
	Model   string

	// Azure switches to the Azure OpenAI deployment URL and api-key header.
	Azure           bool
	AzureEndpoint   string
	AzureDeployment string
	AzureAPIVersion string

	// Retries is the number of retries after the first request. Zero means
	// the default of 3; a negative value disables retries.
	Retries int
	// BaseDelay is the wait before the first retry, doubled each time (default 1s).
	BaseDelay time.Duration

	HTTPClient *http.Client
}

// OpenAIClient implements WhisperTranscriber for the OpenAI /audio/transcriptions
// API and its Azure OpenAI deployment variant.
type OpenAIClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg ClientConfig, logger *slog.Logger) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: httpClient,
		policy:     retry.Policy{MaxAttempts: cfg.Retries + 1, Delay: cfg.BaseDelay, Multiplier: 2},
		logger:     logger.With("component", "generic-backend"),
	}
}

// Name returns "azure-openai" or "openai".
func (c *OpenAIClient) Name() string {
	if c.cfg.Azure {
		return "azure-openai"
	}
	return "openai"
}

// Configured reports whether the client has the credentials it needs.
func (c *OpenAIClient) Configured() bool {
	if c.cfg.Azure {
		return c.cfg.AzureEndpoint != "" && c.cfg.APIKey != "" && c.cfg.AzureDeployment != ""
	}
	return c.cfg.APIKey != ""
}

func (c *OpenAIClient) endpoint() string {
	if c.cfg.Azure {
		return fmt.Sprintf("%s/openai/deployments/%s/audio/transcriptions?api-version=%s",
			strings.TrimSuffix(c.cfg.AzureEndpoint, "/"),
			url.PathEscape(c.cfg.AzureDeployment),
			url.QueryEscape(c.cfg.AzureAPIVersion))
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/audio/transcriptions"
}

func (c *OpenAIClient) authorize(req *http.Request) {
	if c.cfg.Azure {
		req.Header.Set("api-key", c.cfg.APIKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}

// Transcribe uploads audioPath and returns the normalized result. Rate-limit
// responses and transport errors are retried with exponential backoff; any
// other HTTP error fails immediately.
func (c *OpenAIClient) Transcribe(ctx context.Context, audioPath string, options *TranscribeOptions) (*models.Result, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s backend is not configured", c.Name())
	}
	if options == nil {
		options = &TranscribeOptions{}
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}

	var result *models.Result
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		r, err := c.send(ctx, audioPath, audio, options)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, retry.Options{
		Retryable: func(err error) bool {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				return httpErr.RateLimited()
			}
			return ctx.Err() == nil
		},
		OnRetry: func(a retry.Attempt) {
			metrics.RecordRetry("api")
			c.logger.Warn("transcription request failed, retrying",
				"file", filepath.Base(audioPath),
				"attempt", a.Number,
				"wait", a.Wait.String(),
				"error", a.Err.Error(),
			)
		},
		Sleep: c.sleep,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *OpenAIClient) send(ctx context.Context, audioPath string, audio []byte, options *TranscribeOptions) (*models.Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to copy file data: %w", err)
	}

	model := c.cfg.Model
	if options.Model != "" {
		model = options.Model
	}
	language := "en"
	if options.Language != "" {
		language = options.Language
	}
	fields := [][2]string{{"model", model}, {"language", language}}
	if options.SpeakerIdentification {
		fields = append(fields,
			[2]string{"response_format", "verbose_json"},
			[2]string{"timestamp_granularities[]", "segment"},
			[2]string{"timestamp_granularities[]", "word"},
		)
	} else {
		fields = append(fields, [2]string{"response_format", "json"})
	}
	if options.Prompt != "" {
		fields = append(fields, [2]string{"prompt", options.Prompt})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: apiErrorMessage(raw)}
	}

	var wire TranscriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return wire.ToResult(), nil
}

// HealthCheck lists models on the OpenAI API. For Azure it only verifies the
// configuration, since deployments expose no cheap read endpoint.
func (c *OpenAIClient) HealthCheck(ctx context.Context) (bool, error) {
	if !c.Configured() {
		return false, fmt.Errorf("%s backend is not configured", c.Name())
	}
	if c.cfg.Azure {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/models", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create health check request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	return false, fmt.Errorf("health check failed: status %d", resp.StatusCode)
}

// apiErrorMessage extracts error.message or message from a JSON error body.
func apiErrorMessage(raw []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if len(raw) == 0 {
		return "API error"
	}
	return string(raw)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
