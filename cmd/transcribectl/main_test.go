package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TRANSCRIBE_SERVER_URL", "")
	t.Setenv("TRANSCRIBE_TOKEN", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeMedia(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "standup.mp3")
	require.NoError(t, os.WriteFile(p, []byte("ID3 audio"), 0644))
	return p
}

func TestSubmitAndWait(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs":
			f, fh, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				return
			}
			defer f.Close()
			assert.Equal(t, "standup.mp3", fh.Filename)
			assert.Equal(t, "true", r.FormValue("speaker_identification"))
			assert.Equal(t, "external", r.FormValue("diarization_backend"))
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"id":"j1","status":"pending"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/jobs/j1":
			if polls.Add(1) < 3 {
				w.Write([]byte(`{"id":"j1","status":"processing","progress":"Transcribing"}`))
				return
			}
			w.Write([]byte(`{"id":"j1","status":"completed","progress":"Done"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "--server-url", srv.URL, "--token", "secret-token",
		"job", "submit", writeMedia(t), "--speakers", "--backend", "external", "--wait", "--interval", "1ms")
	require.NoError(t, err)
	assert.Equal(t, "processing: Transcribing\ncompleted: Done\n", out)
	assert.Equal(t, int32(3), polls.Load())
}

func TestSubmitWaitReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"id":"j2","status":"pending"}`))
			return
		}
		w.Write([]byte(`{"id":"j2","status":"error","error_message":"Transcription service is not configured"}`))
	}))
	defer srv.Close()

	_, err := run(t, "--server-url", srv.URL, "job", "submit", writeMedia(t), "--wait", "--interval", "1ms")
	require.Error(t, err)
	assert.Equal(t, "Transcription service is not configured", err.Error())
}

func TestSubmitWithoutWaitPrintsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.FormValue("speaker_identification"))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"id":"j3","status":"pending"}`))
	}))
	defer srv.Close()

	out, err := run(t, "--server-url", srv.URL, "-o", "json", "job", "submit", writeMedia(t))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"id\": \"j3\",\n  \"status\": \"pending\"\n}\n", out)
}

func TestListAndQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs":
			w.Write([]byte(`{"jobs":[{"id":"a","status":"completed","file_name":"a.mp3"},{"id":"b","status":"pending","file_name":"b.wav"}]}`))
		case "/api/v1/queue":
			w.Write([]byte(`{"active":1,"queued":0,"ceiling":100}`))
		}
	}))
	defer srv.Close()

	out, err := run(t, "--server-url", srv.URL, "job", "list")
	require.NoError(t, err)
	assert.Equal(t, "a\tcompleted\ta.mp3\nb\tpending\tb.wav\n", out)

	out, err = run(t, "--server-url", srv.URL, "queue")
	require.NoError(t, err)
	assert.Equal(t, `{"active":1,"queued":0,"ceiling":100}`+"\n", out)
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/j1/transcript", r.URL.Path)
		assert.Equal(t, "srt", r.URL.Query().Get("format"))
		w.Header().Set("Content-Disposition", `attachment; filename="standup_transcription.srt"`)
		w.Write([]byte("1\n00:00:00,000 --> 00:00:01,000\nHello.\n\n"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.srt")
	out, err := run(t, "--server-url", srv.URL, "job", "download", "j1", "--format", "srt", "--out", dest)
	require.NoError(t, err)
	assert.Equal(t, "saved "+dest+" (40 bytes)\n", out)
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "1\n00:00:00,000"))

	out, err = run(t, "--server-url", srv.URL, "job", "download", "j1", "--format", "srt", "--out", "-")
	require.NoError(t, err)
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:01,000\nHello.\n\n", out)
}

func TestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/locked":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"job already finished"}`))
		}
	}))
	defer srv.Close()

	_, err := run(t, "--server-url", srv.URL, "job", "status", "locked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")

	_, err = run(t, "--server-url", srv.URL, "job", "cancel", "done")
	require.Error(t, err)
	assert.Equal(t, `HTTP 409: {"error":"job already finished"}`, err.Error())

	_, err = run(t, "job", "status")
	assert.Error(t, err, "id argument is required")
}

func TestDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := run(t, "--server-url", srv.URL, "job", "delete", "j1")
	require.NoError(t, err)
	assert.Equal(t, "deleted j1\n", out)
}

func TestIssueToken(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	token, err := issueToken([]byte("shared-secret"), "alice", []string{"jobs.read"}, time.Hour, now)
	require.NoError(t, err)

	claims := &tokenClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("shared-secret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"jobs.read"}, claims.Scopes)
	assert.Equal(t, now.Add(time.Hour), claims.ExpiresAt.Time.UTC())

	_, err = issueToken(nil, "alice", nil, 0, now)
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("TRANSCRIBE_JWT_SECRET", "env-secret")
	out, err := run(t, "token", "--user", "bob", "--ttl", "0")
	require.NoError(t, err)

	claims := &tokenClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (interface{}, error) {
		return []byte("env-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Username)
	assert.Equal(t, []string{"jobs.read", "jobs.write"}, claims.Scopes)
	assert.Nil(t, claims.ExpiresAt)
}
