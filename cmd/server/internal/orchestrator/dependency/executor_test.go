package dependency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/houzhh15/transcribe-pipeline/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Doubles (Fakes)
// ============================================================================

// FakeExecutor is a test double that records commands instead of running them.
type FakeExecutor struct {
	// ResponseToReturn is the preset response returned by ExecuteCommand.
	ResponseToReturn CommandResponse

	// ErrorToReturn is the preset error returned by ExecuteCommand and HealthCheck.
	ErrorToReturn error

	// ExecutedCommands records all commands that were executed.
	ExecutedCommands []CommandRequest

	// HealthCheckCalled tracks whether HealthCheck was called.
	HealthCheckCalled bool
}

func (f *FakeExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	f.ExecutedCommands = append(f.ExecutedCommands, req)
	return f.ResponseToReturn, f.ErrorToReturn
}

func (f *FakeExecutor) HealthCheck(ctx context.Context) error {
	f.HealthCheckCalled = true
	return f.ErrorToReturn
}

func newTestClient(t *testing.T, fake *FakeExecutor) (*DependencyClient, string) {
	t.Helper()
	root := t.TempDir()
	config := ExecutorConfig{
		WorkRoot:        root,
		DefaultTimeout:  5 * time.Minute,
		AllowedCommands: []string{"ffmpeg"},
	}
	return NewClientWithExecutor(fake, config, logger.Discard()), root
}

func okExecutor() *FakeExecutor {
	return &FakeExecutor{ResponseToReturn: CommandResponse{Success: true, Duration: 500 * time.Millisecond}}
}

// ============================================================================
// DependencyClient Tests
// ============================================================================

func TestDependencyClient_Conversions(t *testing.T) {
	tests := []struct {
		name     string
		convert  func(c *DependencyClient, ctx context.Context, in, out string) error
		purpose  string
		wantArgs []string
	}{
		{
			name:     "extract audio from video",
			convert:  (*DependencyClient).ExtractAudio,
			purpose:  "extract",
			wantArgs: []string{"-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", "-y"},
		},
		{
			name:     "convert to audio",
			convert:  (*DependencyClient).ConvertToAudio,
			purpose:  "to_audio",
			wantArgs: []string{"-vn", "-acodec", "libmp3lame", "-ar", "44100", "-ac", "2", "-q:a", "4", "-y"},
		},
		{
			name:     "normalize for chunking",
			convert:  (*DependencyClient).ConvertForChunking,
			purpose:  "normalize",
			wantArgs: []string{"-vn", "-acodec", "libmp3lame", "-ar", "16000", "-ac", "1", "-b:a", "32k", "-y"},
		},
		{
			name:     "streaming wav",
			convert:  (*DependencyClient).ConvertForStreaming,
			purpose:  "streaming_wav",
			wantArgs: []string{"-acodec", "pcm_s16le", "-ar", "44100", "-ac", "2", "-f", "wav", "-af", streamingFilter, "-y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := okExecutor()
			client, root := newTestClient(t, fake)
			in := filepath.Join(root, "job-1", "input.mp4")
			out := filepath.Join(root, "job-1", "out.bin")

			require.NoError(t, tt.convert(client, context.Background(), in, out))
			require.Len(t, fake.ExecutedCommands, 1)

			cmd := fake.ExecutedCommands[0]
			assert.Equal(t, "ffmpeg", cmd.Command)
			assert.Equal(t, tt.purpose, cmd.Purpose)
			assert.Equal(t, []string{"-i", in}, cmd.Args[:2])
			assert.Equal(t, tt.wantArgs, cmd.Args[2:len(cmd.Args)-1])
			assert.Equal(t, out, cmd.Args[len(cmd.Args)-1])
			assert.DirExists(t, filepath.Dir(out))
		})
	}
}

func TestDependencyClient_NonZeroExit(t *testing.T) {
	fake := &FakeExecutor{
		ResponseToReturn: CommandResponse{
			Success:  false,
			ExitCode: 1,
			Stderr:   "Invalid data found when processing input",
		},
	}
	client, root := newTestClient(t, fake)

	err := client.ConvertForChunking(context.Background(), filepath.Join(root, "in.mp3"), filepath.Join(root, "out.mp3"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 1")
	assert.NotContains(t, err.Error(), "Invalid data", "stderr stays in the logs")
}

func TestDependencyClient_ExecutorError(t *testing.T) {
	fake := &FakeExecutor{ErrorToReturn: errors.New("executable file not found")}
	client, root := newTestClient(t, fake)

	err := client.ExtractAudio(context.Background(), filepath.Join(root, "in.mp4"), filepath.Join(root, "out.wav"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract conversion failed")
}

func TestDependencyClient_RejectsTraversal(t *testing.T) {
	fake := okExecutor()
	client, root := newTestClient(t, fake)

	err := client.ExtractAudio(context.Background(), "../../secret.mp4", filepath.Join(root, "out.wav"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "command validation failed")
	assert.Empty(t, fake.ExecutedCommands)
}

func TestDependencyClient_HealthCheck(t *testing.T) {
	fake := &FakeExecutor{}
	client, _ := newTestClient(t, fake)

	assert.NoError(t, client.HealthCheck(context.Background()))
	assert.True(t, fake.HealthCheckCalled)

	fake.ErrorToReturn = errors.New("ffmpeg missing")
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestIsVideo(t *testing.T) {
	tests := []struct {
		path        string
		contentType string
		want        bool
	}{
		{"talk.mp4", "", true},
		{"talk.MOV", "", true},
		{"talk.bin", "video/quicktime", true},
		{"talk.mp3", "audio/mpeg", false},
		{"talk.wav", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path+"|"+tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVideo(tt.path, tt.contentType))
		})
	}
}

// ============================================================================
// LocalExecutor Tests
// ============================================================================

func TestLocalExecutor_ExecuteCommand(t *testing.T) {
	tests := []struct {
		name         string
		req          CommandRequest
		wantErr      bool
		wantExitCode int
		wantTimeout  bool
	}{
		{
			name: "成功执行 echo 命令",
			req: CommandRequest{
				Command: "echo",
				Args:    []string{"hello", "world"},
				Timeout: 5 * time.Second,
			},
			wantExitCode: 0,
		},
		{
			name: "命令不存在",
			req: CommandRequest{
				Command: "nonexistent_command_12345_xyz",
				Timeout: 5 * time.Second,
			},
			wantErr: true,
		},
		{
			name: "非零退出码",
			req: CommandRequest{
				Command: "false",
				Timeout: 5 * time.Second,
			},
			wantErr:      true,
			wantExitCode: 1,
		},
		{
			name: "命令超时",
			req: CommandRequest{
				Command: "sleep",
				Args:    []string{"3"},
				Timeout: 100 * time.Millisecond,
			},
			wantErr:     true,
			wantTimeout: true,
		},
	}

	executor := NewLocalExecutor(ExecutorConfig{WorkRoot: t.TempDir(), DefaultTimeout: 5 * time.Second})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := executor.ExecuteCommand(context.Background(), tt.req)

			if tt.wantErr {
				require.Error(t, err)
				if tt.wantTimeout {
					assert.Contains(t, err.Error(), "timeout")
				}
				if tt.wantExitCode != 0 {
					assert.Equal(t, tt.wantExitCode, resp.ExitCode)
					assert.False(t, resp.Success)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExitCode, resp.ExitCode)
			assert.True(t, resp.Success, "成功的命令应该返回 Success=true")
			assert.Equal(t, "hello world\n", resp.Stdout)
		})
	}
}

func TestLocalExecutor_HealthCheck(t *testing.T) {
	ok := NewLocalExecutor(ExecutorConfig{LocalBinaryPaths: map[string]string{"echo": "echo"}})
	assert.NoError(t, ok.HealthCheck(context.Background()))

	missing := NewLocalExecutor(ExecutorConfig{LocalBinaryPaths: map[string]string{"ffmpeg": "/path/to/nonexistent/ffmpeg"}})
	err := missing.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

// ============================================================================
// PathManager Tests
// ============================================================================

func TestPathManager_Layout(t *testing.T) {
	pm := NewPathManager("/data/temp")

	assert.Equal(t, "/data/temp/job-1", pm.GetJobDir("job-1"))
	assert.Equal(t, "/data/temp/job-1/extracted.wav", pm.GetExtractedPath("job-1"))
	assert.Equal(t, "/data/temp/job-1/normalized.mp3", pm.GetNormalizedPath("job-1"))
	assert.Equal(t, "chunk_0015", pm.GetChunkBasename(15))
	assert.Equal(t, "/data/temp/job-1/chunk_0003_stream.wav", pm.GetStreamingPath("/data/temp/job-1/chunk_0003.mp3"))
	assert.Equal(t, "/data/temp/job-1/chunk_0003_upload.mp3", pm.GetUploadPath("/data/temp/job-1/chunk_0003.mp3"))
}

func TestPathManager_ValidatePath(t *testing.T) {
	root := t.TempDir()
	pm := NewPathManager(root)

	assert.NoError(t, pm.ValidatePath(filepath.Join(root, "job-1")))
	assert.NoError(t, pm.ValidatePath(root))
	assert.Error(t, pm.ValidatePath(filepath.Dir(root)))
	assert.Error(t, pm.ValidatePath(root+"-sibling"))

	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(os.TempDir(), link))
	err := pm.ValidatePath(link)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbolic links")
}

func TestPathManager_EnsureJobDir(t *testing.T) {
	pm := NewPathManager(t.TempDir())

	dir, err := pm.EnsureJobDir("job-7")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.True(t, strings.HasSuffix(dir, "job-7"))
}

// ============================================================================
// Validator Tests
// ============================================================================

func TestValidateCommandRequest(t *testing.T) {
	root := t.TempDir()
	config := ExecutorConfig{WorkRoot: root, AllowedCommands: []string{"ffmpeg"}}

	tests := []struct {
		name    string
		req     CommandRequest
		wantErr string
	}{
		{"allowed", CommandRequest{Command: "ffmpeg", Args: []string{"-i", "in.mp3", "out.wav"}}, ""},
		{"double dot inside a name", CommandRequest{Command: "ffmpeg", Args: []string{"-i", "take..2.mp3"}}, ""},
		{"not whitelisted", CommandRequest{Command: "python"}, "not in whitelist"},
		{"traversal", CommandRequest{Command: "ffmpeg", Args: []string{"-i", "../etc/passwd"}}, "path traversal"},
		{"system dir", CommandRequest{Command: "ffmpeg", Args: []string{"-i", "/proc/self/environ"}}, "forbidden system directory"},
		{"working dir inside root", CommandRequest{Command: "ffmpeg", WorkingDir: filepath.Join(root, "job")}, ""},
		{"working dir outside root", CommandRequest{Command: "ffmpeg", WorkingDir: os.TempDir()}, "invalid working directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommandRequest(tt.req, config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
