package persistent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andreyxaxa/File-Processor/internal/repo"
	"github.com/andreyxaxa/File-Processor/pkg/s3client"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3BlobRepo struct {
	*s3client.S3Client
	uploader *manager.Uploader
}

var _ repo.BlobStorage = (*S3BlobRepo)(nil)

func NewS3BlobRepo(s3c *s3client.S3Client) *S3BlobRepo {
	return &S3BlobRepo{
		S3Client: s3c,
		uploader: manager.NewUploader(s3c.Client),
	}
}

func (r *S3BlobRepo) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	_, err := r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.Bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("S3BlobRepo - Put - r.Client.PutObject: %w: %w", errs.ErrIO, err)
	}

	return nil
}

func (r *S3BlobRepo) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("S3BlobRepo - Open - r.Client.GetObject: %w: %w", errs.ErrIO, err)
	}

	return result.Body, nil
}

func (r *S3BlobRepo) Stat(ctx context.Context, key string) (repo.BlobInfo, error) {
	result, err := r.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return repo.BlobInfo{}, fmt.Errorf("S3BlobRepo - Stat - r.Client.HeadObject: %w: %w", errs.ErrIO, err)
	}

	info := repo.BlobInfo{
		Size: aws.ToInt64(result.ContentLength),
	}
	if result.LastModified != nil {
		info.ModTime = *result.LastModified
	}

	return info, nil
}

// Create streams the artifact to the bucket while it is written. Parts are
// uploaded as they fill up; the object appears only when Commit completes the
// upload.
func (r *S3BlobRepo) Create(ctx context.Context, key, contentType string) (repo.BlobWriter, error) {
	pr, pw := io.Pipe()
	upCtx, cancel := context.WithCancel(ctx)

	w := &s3BlobWriter{
		pw:     pw,
		cancel: cancel,
		result: make(chan error, 1),
	}

	go func() {
		_, err := r.uploader.Upload(upCtx, &s3.PutObjectInput{
			Bucket:      aws.String(r.Bucket),
			Key:         aws.String(key),
			Body:        pr,
			ContentType: aws.String(contentType),
		})
		// writer is unblocked if the upload stops reading early
		_ = pr.CloseWithError(err)
		w.result <- err
	}()

	return w, nil
}

func (r *S3BlobRepo) Delete(ctx context.Context, key string) error {
	_, err := r.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("S3BlobRepo - Delete - r.Client.DeleteObject: %w: %w", errs.ErrIO, err)
	}

	return nil
}

var errBlobAborted = errors.New("blob write aborted")

type s3BlobWriter struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	result chan error
	done   bool
}

func (w *s3BlobWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("s3BlobWriter - Write: writer closed")
	}

	n, err := w.pw.Write(p)
	if err != nil {
		return n, fmt.Errorf("s3BlobWriter - Write: %w: %w", errs.ErrIO, err)
	}

	return n, nil
}

func (w *s3BlobWriter) Commit(ctx context.Context) error {
	if w.done {
		return errors.New("s3BlobWriter - Commit: writer closed")
	}
	w.done = true
	defer w.cancel()

	_ = w.pw.Close()

	select {
	case err := <-w.result:
		if err != nil {
			return fmt.Errorf("s3BlobWriter - Commit - w.uploader.Upload: %w: %w", errs.ErrIO, err)
		}

		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.result

		return fmt.Errorf("s3BlobWriter - Commit: %w", ctx.Err())
	}
}

func (w *s3BlobWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	_ = w.pw.CloseWithError(errBlobAborted)
	w.cancel()
	<-w.result

	return nil
}
