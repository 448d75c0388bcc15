package repo

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/google/uuid"
)

type (
	Transactor interface {
		WithinTransaction(ctx context.Context, f func(ctx context.Context) error) error
	}

	FileRepo interface {
		Create(ctx context.Context, file *entity.File) error
		GetByID(ctx context.Context, id uuid.UUID) (*entity.File, error)
		ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*entity.File, int, error)
		MarkProcessing(ctx context.Context, id uuid.UUID) error
		MarkProcessed(ctx context.Context, id uuid.UUID, data json.RawMessage) error
		MarkFailed(ctx context.Context, id uuid.UUID) error
	}

	JobRepo interface {
		Create(ctx context.Context, job *entity.Job) error
		GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
		ListByFileID(ctx context.Context, fileID uuid.UUID) ([]*entity.Job, error)
		CountActiveByFileID(ctx context.Context, fileID uuid.UUID) (int, error)
		Start(ctx context.Context, id uuid.UUID, at time.Time) error
		RecordAttemptError(ctx context.Context, id uuid.UUID, msg string) error
		Complete(ctx context.Context, id uuid.UUID, at time.Time) error
		Fail(ctx context.Context, id uuid.UUID, msg string, at time.Time) error
		// ListStalled locks processing jobs not updated since before.
		ListStalled(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error)
	}

	OutboxRepo interface {
		Create(ctx context.Context, event *entity.OutboxEvent) error
		GetPendingEvents(ctx context.Context, maxRetries, limit int) ([]*entity.OutboxEvent, error)
		MarkAsProcessingBatch(ctx context.Context, IDs uuid.UUIDs) error
		MarkAsProcessedBatch(ctx context.Context, IDs uuid.UUIDs) error
		IncrementRetryCountBatch(ctx context.Context, IDs uuid.UUIDs) error
		// MarkMaxRetriesAsFailed returns the job ids of the events it failed.
		MarkMaxRetriesAsFailed(ctx context.Context, maxRetries int) (uuid.UUIDs, error)
		ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error)
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	BlobInfo struct {
		Size    int64
		ModTime time.Time
	}

	// BlobWriter is not visible under its key until Commit succeeds.
	BlobWriter interface {
		io.Writer
		Commit(ctx context.Context) error
		Abort() error
	}

	BlobStorage interface {
		Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error
		Open(ctx context.Context, key string) (io.ReadCloser, error)
		Stat(ctx context.Context, key string) (BlobInfo, error)
		Create(ctx context.Context, key, contentType string) (BlobWriter, error)
		Delete(ctx context.Context, key string) error
	}
)
