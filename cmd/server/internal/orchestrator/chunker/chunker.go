// Package chunker splits a media file into bounded, index-ordered byte-range chunks.
package chunker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// DefaultChunkSize is used for files up to LargeFileThreshold.
	DefaultChunkSize int64 = 5 * 1024 * 1024
	// LargeFileThreshold switches to LargeChunkSize.
	LargeFileThreshold int64 = 200 * 1024 * 1024
	// LargeChunkSize is the chunk size for files above LargeFileThreshold.
	LargeChunkSize int64 = 3 * 1024 * 1024
	// HugeFileThreshold switches to HugeChunkSize.
	HugeFileThreshold int64 = 500 * 1024 * 1024
	// HugeChunkSize is the chunk size for files above HugeFileThreshold.
	HugeChunkSize int64 = 2 * 1024 * 1024
)

// Chunk is one contiguous byte range of the source file. Start and End are
// inclusive offsets.
type Chunk struct {
	Index int
	Start int64
	End   int64
	Path  string
}

// Size returns the number of bytes in the chunk.
func (c Chunk) Size() int64 {
	return c.End - c.Start + 1
}

// Chunker cuts media files into chunk_NNNN files.
type Chunker struct {
	baseSize int64
	logger   *slog.Logger
}

// New returns a Chunker whose base chunk size is baseSize (DefaultChunkSize when <= 0).
func New(baseSize int64, logger *slog.Logger) *Chunker {
	if baseSize <= 0 {
		baseSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{baseSize: baseSize, logger: logger.With("component", "chunker")}
}

// EffectiveSize returns the chunk size used for a file of fileSize bytes.
// Large files get smaller chunks; the tier never exceeds the base size.
func (c *Chunker) EffectiveSize(fileSize int64) int64 {
	size := c.baseSize
	switch {
	case fileSize > HugeFileThreshold:
		size = min(size, HugeChunkSize)
	case fileSize > LargeFileThreshold:
		size = min(size, LargeChunkSize)
	}
	return size
}

// Plan computes the chunk ranges for a file of fileSize bytes without touching disk.
func (c *Chunker) Plan(fileSize int64) []Chunk {
	if fileSize <= 0 {
		return nil
	}
	size := c.EffectiveSize(fileSize)
	count := int((fileSize + size - 1) / size)
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * size
		end := min(start+size-1, fileSize-1)
		chunks = append(chunks, Chunk{Index: i, Start: start, End: end})
	}
	return chunks
}

// CreateChunks writes every chunk of mediaPath into outDir, sequentially and in
// index order, named chunk_%04d plus the source extension. An empty file yields
// no chunks.
func (c *Chunker) CreateChunks(ctx context.Context, mediaPath, outDir string) ([]Chunk, error) {
	src, err := os.Open(mediaPath)
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat media: %w", err)
	}

	chunks := c.Plan(info.Size())
	if len(chunks) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	c.logger.Info("creating chunks",
		"source", mediaPath,
		"file_size", info.Size(),
		"chunk_size", c.EffectiveSize(info.Size()),
		"count", len(chunks),
	)

	ext := filepath.Ext(mediaPath)
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunks[i].Path = filepath.Join(outDir, fmt.Sprintf("chunk_%04d%s", chunks[i].Index, ext))
		if err := writeRange(src, chunks[i]); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", chunks[i].Index, err)
		}
		if len(chunks) > 10 && (i+1)%5 == 0 {
			c.logger.Debug("chunk progress", "created", i+1, "total", len(chunks))
		}
	}
	return chunks, nil
}

func writeRange(src io.ReaderAt, ch Chunk) error {
	dst, err := os.Create(ch.Path)
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, io.NewSectionReader(src, ch.Start, ch.Size()))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n != ch.Size() {
		return fmt.Errorf("short write: %d of %d bytes", n, ch.Size())
	}
	return nil
}
