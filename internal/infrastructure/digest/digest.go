// Package digest holds the pure content functions of the pipeline: hashing,
// gzip compression, MIME detection and metadata composition. Nothing here
// touches the database or knows where bytes come from.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/klauspost/compress/gzip"
)

const CompressedSuffix = ".gz"

// ComputeHash streams r through SHA-256 and returns the hex digest.
func ComputeHash(r io.Reader) (string, error) {
	h := sha256.New()

	_, err := io.Copy(h, r)
	if err != nil {
		return "", fmt.Errorf("digest - ComputeHash - io.Copy: %w: %w", errs.ErrIO, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Compress gzips src into dst and returns the number of bytes read from src
// and written to dst.
func Compress(dst io.Writer, src io.Reader) (int64, int64, error) {
	cw := &countingWriter{w: dst}
	tr := &trackingReader{r: src}

	zw := gzip.NewWriter(cw)

	read, err := io.Copy(zw, tr)
	if err != nil {
		return read, cw.n, classify("io.Copy", err, tr.err, cw.err)
	}

	err = zw.Close()
	if err != nil {
		return read, cw.n, classify("zw.Close", err, nil, cw.err)
	}

	return read, cw.n, nil
}

// CompressedKey derives the locator of the compressed artifact.
func CompressedKey(key string) string {
	return key + CompressedSuffix
}

type MetadataInput struct {
	Hash           string
	OriginalSize   int64
	CompressedSize int64
	Filename       string
	LastModified   time.Time
	CompressedKey  string
	Now            time.Time
}

// ComposeMetadata builds the metadata record. The compression ratio is 0 for
// empty input and may be negative for incompressible data.
func ComposeMetadata(in MetadataInput) entity.ExtractedMetadata {
	return entity.ExtractedMetadata{
		Hash: in.Hash,
		Size: entity.SizeInfo{
			Original:         in.OriginalSize,
			Compressed:       in.CompressedSize,
			CompressionRatio: entity.Percent(CompressionRatio(in.OriginalSize, in.CompressedSize)),
		},
		MimeType:       DetectMimeType(in.Filename),
		FileExtension:  filepath.Ext(in.Filename),
		LastModified:   in.LastModified.UTC(),
		CompressedPath: in.CompressedKey,
		ProcessedAt:    in.Now.UTC(),
	}
}

// CompressionRatio returns (1 - compressed/original) * 100 rounded to two decimals.
func CompressionRatio(original, compressed int64) float64 {
	if original == 0 {
		return 0
	}

	ratio := (1 - float64(compressed)/float64(original)) * 100
	ratio = math.Round(ratio*100) / 100
	if ratio == 0 {
		// drop negative zero
		return 0
	}

	return ratio
}

func classify(op string, err, readErr, writeErr error) error {
	if readErr != nil || writeErr != nil {
		return fmt.Errorf("digest - Compress - %s: %w: %w", op, errs.ErrIO, err)
	}

	return fmt.Errorf("digest - Compress - %s: %w: %w", op, errs.ErrCompression, err)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil {
		c.err = err
	}

	return n, err
}

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}

	return n, err
}
