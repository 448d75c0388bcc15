package digest

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestComputeHash_Empty(t *testing.T) {
	h, err := ComputeHash(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, emptySHA256, h)
}

func TestComputeHash_ChunkBoundaries(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox "), 4096)

	want, err := ComputeHash(bytes.NewReader(data))
	require.NoError(t, err)

	readers := map[string]io.Reader{
		"one byte": iotest.OneByteReader(bytes.NewReader(data)),
		"half":     iotest.HalfReader(bytes.NewReader(data)),
		"data err": iotest.DataErrReader(bytes.NewReader(data)),
	}

	for name, r := range readers {
		t.Run(name, func(t *testing.T) {
			got, err := ComputeHash(r)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestComputeHash_ReadError(t *testing.T) {
	_, err := ComputeHash(iotest.ErrReader(errors.New("disk gone")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIO)
}

func TestCompress_RoundTrip(t *testing.T) {
	src := strings.Repeat("aaaaaaaaaabbbbbbbbbb", 1000)

	var dst bytes.Buffer
	read, written, err := Compress(&dst, strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), read)
	assert.Equal(t, int64(dst.Len()), written)
	assert.Less(t, written, read)

	zr, err := gzip.NewReader(&dst)
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, src, string(out))
}

func TestCompress_EmptyInputHasFormatOverhead(t *testing.T) {
	var dst bytes.Buffer
	read, written, err := Compress(&dst, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, read)
	assert.GreaterOrEqual(t, written, int64(20))
}

func TestCompress_ReadError(t *testing.T) {
	_, _, err := Compress(io.Discard, iotest.ErrReader(errors.New("boom")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIO)
	assert.True(t, errs.Retryable(err))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("no space left") }

func TestCompress_WriteError(t *testing.T) {
	_, _, err := Compress(failingWriter{}, strings.NewReader("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIO)
}

func TestCompressedKey(t *testing.T) {
	assert.Equal(t, "uploads/a/report.pdf.gz", CompressedKey("uploads/a/report.pdf"))
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"report.pdf", "application/pdf"},
		{"REPORT.PDF", "application/pdf"},
		{"photo.JPeG", "image/jpeg"},
		{"archive.tar.gz", "application/gzip"},
		{"data.csv", "text/csv"},
		{"unknown.xyz123", DefaultMimeType},
		{"noextension", DefaultMimeType},
		{"", DefaultMimeType},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectMimeType(tt.filename), tt.filename)
	}
}

func TestCompressionRatio(t *testing.T) {
	assert.Equal(t, 0.0, CompressionRatio(0, 23))
	assert.Equal(t, 50.0, CompressionRatio(200, 100))
	assert.Equal(t, 66.67, CompressionRatio(3, 1))
	assert.Equal(t, -100.0, CompressionRatio(10, 20))
}

func TestCompressionRatio_RandomBytesMayBeNegative(t *testing.T) {
	data := make([]byte, 1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	var dst bytes.Buffer
	read, written, err := Compress(&dst, bytes.NewReader(data))
	require.NoError(t, err)

	ratio := CompressionRatio(read, written)
	assert.Less(t, ratio, 100.0)
}

func TestComposeMetadata_EmptyFile(t *testing.T) {
	now := time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)

	md := ComposeMetadata(MetadataInput{
		Hash:           emptySHA256,
		OriginalSize:   0,
		CompressedSize: 23,
		Filename:       "empty.txt",
		LastModified:   now.Add(-time.Hour),
		CompressedKey:  "uploads/empty.txt.gz",
		Now:            now,
	})

	assert.Equal(t, "text/plain", md.MimeType)
	assert.Equal(t, ".txt", md.FileExtension)
	assert.Equal(t, "uploads/empty.txt.gz", md.CompressedPath)
	assert.Equal(t, now, md.ProcessedAt)

	b, err := json.Marshal(md)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	size := raw["size"].(map[string]any)
	assert.Equal(t, float64(0), size["original"])
	assert.Equal(t, float64(23), size["compressed"])
	assert.Equal(t, "0.00%", size["compressionRatio"])
}
