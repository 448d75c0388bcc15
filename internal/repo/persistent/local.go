package persistent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andreyxaxa/File-Processor/internal/repo"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
)

// LocalBlobRepo keeps blobs under a root directory; keys are slash separated
// relative paths.
type LocalBlobRepo struct {
	root string
}

var _ repo.BlobStorage = (*LocalBlobRepo)(nil)

func NewLocalBlobRepo(root string) (*LocalBlobRepo, error) {
	err := os.MkdirAll(root, 0o750)
	if err != nil {
		return nil, fmt.Errorf("LocalBlobRepo - New - os.MkdirAll: %w", err)
	}

	return &LocalBlobRepo{root: root}, nil
}

func (r *LocalBlobRepo) Put(ctx context.Context, key string, data io.Reader, _ int64, contentType string) error {
	w, err := r.Create(ctx, key, contentType)
	if err != nil {
		return fmt.Errorf("LocalBlobRepo - Put - r.Create: %w", err)
	}

	_, err = io.Copy(w, data)
	if err != nil {
		_ = w.Abort()

		return fmt.Errorf("LocalBlobRepo - Put - io.Copy: %w: %w", errs.ErrIO, err)
	}

	err = w.Commit(ctx)
	if err != nil {
		return fmt.Errorf("LocalBlobRepo - Put - w.Commit: %w", err)
	}

	return nil
}

func (r *LocalBlobRepo) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := r.path(key)
	if err != nil {
		return nil, fmt.Errorf("LocalBlobRepo - Open: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LocalBlobRepo - Open - os.Open: %w: %w", errs.ErrIO, err)
	}

	return f, nil
}

func (r *LocalBlobRepo) Stat(_ context.Context, key string) (repo.BlobInfo, error) {
	path, err := r.path(key)
	if err != nil {
		return repo.BlobInfo{}, fmt.Errorf("LocalBlobRepo - Stat: %w", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return repo.BlobInfo{}, fmt.Errorf("LocalBlobRepo - Stat - os.Stat: %w: %w", errs.ErrIO, err)
	}

	return repo.BlobInfo{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Create writes into a temp file unique to this writer; Commit fsyncs it and
// renames it over the key.
func (r *LocalBlobRepo) Create(_ context.Context, key, _ string) (repo.BlobWriter, error) {
	path, err := r.path(key)
	if err != nil {
		return nil, fmt.Errorf("LocalBlobRepo - Create: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("LocalBlobRepo - Create - os.MkdirAll: %w: %w", errs.ErrIO, err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())

	f, err := os.Create(tmp) //nolint:gosec // path is confined to root
	if err != nil {
		return nil, fmt.Errorf("LocalBlobRepo - Create - os.Create: %w: %w", errs.ErrIO, err)
	}

	return &localBlobWriter{f: f, tmp: tmp, path: path}, nil
}

func (r *LocalBlobRepo) Delete(_ context.Context, key string) error {
	path, err := r.path(key)
	if err != nil {
		return fmt.Errorf("LocalBlobRepo - Delete: %w", err)
	}

	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("LocalBlobRepo - Delete - os.Remove: %w: %w", errs.ErrIO, err)
	}

	return nil
}

func (r *LocalBlobRepo) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash("/" + key))
	if clean == string(filepath.Separator) || strings.Contains(key, "\x00") {
		return "", fmt.Errorf("invalid key %q: %w", key, errs.ErrIO)
	}

	return filepath.Join(r.root, clean), nil
}

type localBlobWriter struct {
	f    *os.File
	tmp  string
	path string
}

func (w *localBlobWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localBlobWriter) Commit(_ context.Context) error {
	err := w.f.Sync()
	if err != nil {
		_ = w.Abort()

		return fmt.Errorf("localBlobWriter - Commit - w.f.Sync: %w: %w", errs.ErrIO, err)
	}

	err = w.f.Close()
	if err != nil {
		_ = os.Remove(w.tmp)

		return fmt.Errorf("localBlobWriter - Commit - w.f.Close: %w: %w", errs.ErrIO, err)
	}

	err = os.Rename(w.tmp, w.path)
	if err != nil {
		_ = os.Remove(w.tmp)

		return fmt.Errorf("localBlobWriter - Commit - os.Rename: %w: %w", errs.ErrIO, err)
	}

	return nil
}

func (w *localBlobWriter) Abort() error {
	_ = w.f.Close()

	err := os.Remove(w.tmp)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localBlobWriter - Abort - os.Remove: %w", err)
	}

	return nil
}
