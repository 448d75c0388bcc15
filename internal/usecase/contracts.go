package usecase

import (
	"context"
	"io"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/google/uuid"
)

type (
	FileUseCase interface {
		Submit(ctx context.Context, upload Upload) (*entity.File, *entity.Job, error)
		Get(ctx context.Context, ownerID string, id uuid.UUID) (*entity.File, error)
		List(ctx context.Context, ownerID string, page, limit int) (FilePage, error)
		Reprocess(ctx context.Context, ownerID string, id uuid.UUID) (*entity.Job, error)
		ClaimPendingEvents(ctx context.Context, maxRetries, limit int) ([]*entity.OutboxEvent, error)
		MarkAsProcessedBatch(ctx context.Context, events []*entity.OutboxEvent) error
		IncrementRetryCountBatch(ctx context.Context, events []*entity.OutboxEvent) error
		MarkMaxRetriesAsFailed(ctx context.Context, maxRetries int) (int64, error)
		ReleaseStaleClaims(ctx context.Context, claimTimeout time.Duration) (int64, error)
		CleanupOutbox(ctx context.Context) (int64, error)
	}

	ExtractorUseCase interface {
		Extract(ctx context.Context, file *entity.File) (entity.ExtractedMetadata, error)
	}

	PipelineUseCase interface {
		Process(ctx context.Context, d infrastructure.Delivery) error
		// Abandon fails the job of a delivery the queue is about to give up on.
		Abandon(ctx context.Context, d infrastructure.Delivery, cause error) error
		// ReapStalled fails jobs left in processing since before.
		ReapStalled(ctx context.Context, before time.Time, limit int) (int, error)
	}

	Upload struct {
		OwnerID      string
		OriginalName string
		ContentType  string
		Size         int64
		Data         io.Reader
		Title        *string
		Description  *string
	}

	FilePage struct {
		Files []*entity.File
		Total int
		Page  int
		Limit int
	}
)
