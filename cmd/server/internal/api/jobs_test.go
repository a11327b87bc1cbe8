package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/domain/jobs"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/middleware"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/dependency"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/whisper"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/queue"
	"github.com/houzhh15/transcribe-pipeline/pkg/logger"
)

// copyConverter stands in for ffmpeg.
type copyConverter struct{ pm *dependency.PathManager }

func (c copyConverter) ExtractAudio(ctx context.Context, in, out string) error {
	return copyFile(in, out)
}
func (c copyConverter) ConvertForChunking(ctx context.Context, in, out string) error {
	return copyFile(in, out)
}
func (c copyConverter) HealthCheck(ctx context.Context) error { return nil }
func (c copyConverter) PathManager() *dependency.PathManager  { return c.pm }

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}

type testServer struct {
	router    *gin.Engine
	orch      *orchestrator.Orchestrator
	governor  *queue.Governor
	store     *jobs.FileStore
	uploadDir string
}

func newTestServer(t *testing.T, verifier *middleware.TokenVerifier) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	root := t.TempDir()

	store, err := jobs.NewFileStore(filepath.Join(root, "metadata"), logger.Discard())
	require.NoError(t, err)

	generic := whisper.NewMockTranscriber().
		Script("chunk_0000_upload.mp3", whisper.MockResponse{Result: &models.Result{Text: "Hello there. How are you?"}})

	cfg := orchestrator.DefaultConfig()
	cfg.MinFreeBytes = 0
	orch := orchestrator.New(cfg, orchestrator.Dependencies{
		Store:     store,
		Converter: copyConverter{pm: dependency.NewPathManager(filepath.Join(root, "temp"))},
		Generic:   generic,
		Logger:    logger.Discard(),
	})
	gov := queue.NewGovernor(2, logger.Discard())
	uploadDir := filepath.Join(root, "uploads")

	h := NewJobHandler(orch, store, gov, JobHandlerConfig{
		UploadDir:     uploadDir,
		MaxUploadSize: 1 << 20,
		Retention:     time.Hour,
	}, logger.Discard())

	return &testServer{
		router: NewRouter(RouterDeps{
			Jobs:         h,
			Orchestrator: orch,
			Verifier:     verifier,
			Logger:       logger.Discard(),
		}),
		orch:      orch,
		governor:  gov,
		store:     store,
		uploadDir: uploadDir,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, name, contentType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if name != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

func TestJobLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, uploadRequest(t, "standup.mp3", "application/octet-stream", []byte("ID3 audio"), map[string]string{
		"speaker_identification": "false",
	}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decode[JobResponse](t, w.Body)
	assert.Equal(t, "standup.mp3", created.FileName)
	assert.Equal(t, "audio/mpeg", created.ContentType)
	assert.Equal(t, jobs.StatusPending, created.Status)

	s.governor.Wait()

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[JobResponse](t, w.Body)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, "Hello there. How are you?", got.Transcription)

	stored, err := s.store.Get(created.ID)
	require.NoError(t, err)
	assert.Regexp(t, `^\d+-standup\.mp3$`, filepath.Base(stored.SourcePath))

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID+"/transcript?format=srt", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="standup_transcription.srt"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:01,000\nHello there.\n\n2\n00:00:01,000 --> 00:00:02,000\nHow are you?\n\n", w.Body.String())

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Jobs []JobResponse `json:"jobs"`
	}](t, w.Body)
	require.Len(t, list.Jobs, 1)
	assert.Empty(t, list.Jobs[0].Transcription)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+created.ID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, err = os.Stat(stored.SourcePath)
	assert.True(t, os.IsNotExist(err))

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreate_Validation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"unsupported type", uploadRequest(t, "notes.txt", "text/plain", []byte("hi"), nil), http.StatusBadRequest},
		{"missing file", uploadRequest(t, "", "", nil, map[string]string{"speaker_identification": "true"}), http.StatusBadRequest},
		{"too large", uploadRequest(t, "big.wav", "audio/wav", make([]byte, 2<<20), nil), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	entries, _ := os.ReadDir(s.uploadDir)
	assert.Empty(t, entries, "rejected uploads are not stored")
}

func TestCancelAndTranscriptOfPendingJob(t *testing.T) {
	s := newTestServer(t, nil)
	job := jobs.NewJob("call.wav", filepath.Join(t.TempDir(), "call.wav"), "audio/wav", 10, jobs.MediaAudio, false, jobs.BackendHeuristic, time.Hour)
	require.NoError(t, s.orch.Accept(job, "tester"))

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/transcript", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/transcript?format=docx", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil))
	got := decode[JobResponse](t, w.Body)
	assert.Equal(t, jobs.StatusError, got.Status)
	assert.Equal(t, jobs.CancelledMessage, got.ErrorMessage)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/unknown/cancel", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ready := decode[orchestrator.EnvironmentStatus](t, w.Body)
	assert.True(t, ready.Ready)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/health/streaming", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil))
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[queue.Stats](t, w.Body)
	assert.Equal(t, 2, stats.Ceiling)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthEnabled(t *testing.T) {
	v, err := middleware.NewTokenVerifier([]byte("test-secret"))
	require.NoError(t, err)
	s := newTestServer(t, v)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code, "probes stay public")

	token, err := v.Issue("alice", []string{middleware.ScopeRead}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = s.do(t, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = uploadRequest(t, "a.mp3", "audio/mpeg", []byte("x"), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = s.do(t, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
