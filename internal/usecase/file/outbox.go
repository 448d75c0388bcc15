package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
)

// ClaimPendingEvents selects pending events and marks them processing in one
// transaction, so two relays never publish the same row.
func (uc *FileUseCase) ClaimPendingEvents(ctx context.Context, maxRetries, limit int) ([]*entity.OutboxEvent, error) {
	var events []*entity.OutboxEvent

	err := uc.transactor.WithinTransaction(ctx, func(txCtx context.Context) error {
		var err error

		// 1. получаем events со статусом pending, у которых retry count < max retries
		events, err = uc.outboxRepo.GetPendingEvents(txCtx, maxRetries, limit)
		if err != nil {
			return fmt.Errorf("uc.outboxRepo.GetPendingEvents: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		// 2. помечаем как processing
		err = uc.outboxRepo.MarkAsProcessingBatch(txCtx, eventIDs(events))
		if err != nil {
			return fmt.Errorf("uc.outboxRepo.MarkAsProcessingBatch: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("FileUseCase - ClaimPendingEvents: %w", err)
	}

	return events, nil
}

func (uc *FileUseCase) MarkAsProcessedBatch(ctx context.Context, events []*entity.OutboxEvent) error {
	err := uc.outboxRepo.MarkAsProcessedBatch(ctx, eventIDs(events))
	if err != nil {
		return fmt.Errorf("FileUseCase - MarkAsProcessedBatch - uc.outboxRepo.MarkAsProcessedBatch: %w", err)
	}

	return nil
}

func (uc *FileUseCase) IncrementRetryCountBatch(ctx context.Context, events []*entity.OutboxEvent) error {
	err := uc.outboxRepo.IncrementRetryCountBatch(ctx, eventIDs(events))
	if err != nil {
		return fmt.Errorf("FileUseCase - IncrementRetryCountBatch - uc.outboxRepo.IncrementRetryCountBatch: %w", err)
	}

	return nil
}

// MarkMaxRetriesAsFailed gives up on events that spent their retry budget.
// Their jobs never reached the queue, so each queued job and its file are
// failed in the same transaction and the file can be reprocessed.
func (uc *FileUseCase) MarkMaxRetriesAsFailed(ctx context.Context, maxRetries int) (int64, error) {
	var count int64

	err := uc.transactor.WithinTransaction(ctx, func(txCtx context.Context) error {
		// 1. помечаем события как failed
		jobIDs, err := uc.outboxRepo.MarkMaxRetriesAsFailed(txCtx, maxRetries)
		if err != nil {
			return fmt.Errorf("uc.outboxRepo.MarkMaxRetriesAsFailed: %w", err)
		}
		count = int64(len(jobIDs))

		// 2. задачи, так и не попавшие в очередь, и их файлы переводим в failed
		for _, id := range jobIDs {
			err = uc.failUndispatched(txCtx, id)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("FileUseCase - MarkMaxRetriesAsFailed: %w", err)
	}

	if count > 0 {
		uc.logger.Warn("outbox events marked failed, count = %d", count)
	}

	return count, nil
}

// failUndispatched leaves jobs a worker already picked up alone.
func (uc *FileUseCase) failUndispatched(ctx context.Context, jobID uuid.UUID) error {
	job, err := uc.jobRepo.GetByID(ctx, jobID)
	if errors.Is(err, errs.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("uc.jobRepo.GetByID: %w", err)
	}
	if job.Status != entity.JobQueued {
		return nil
	}

	err = uc.jobRepo.Fail(ctx, job.ID, errs.ErrDispatchFailed.Error(), time.Now())
	if errors.Is(err, errs.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("uc.jobRepo.Fail: %w", err)
	}

	// файл после reprocess уже в failed
	err = uc.fileRepo.MarkFailed(ctx, job.FileID)
	if err != nil && !errors.Is(err, errs.ErrInvalidTransition) {
		return fmt.Errorf("uc.fileRepo.MarkFailed: %w", err)
	}

	return nil
}

// ReleaseStaleClaims returns events claimed more than claimTimeout ago to
// pending, so a relay that died between claim and publish does not strand
// them.
func (uc *FileUseCase) ReleaseStaleClaims(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	count, err := uc.outboxRepo.ReleaseStaleClaims(ctx, time.Now().Add(-claimTimeout))
	if err != nil {
		return 0, fmt.Errorf("FileUseCase - ReleaseStaleClaims - uc.outboxRepo.ReleaseStaleClaims: %w", err)
	}

	if count > 0 {
		uc.logger.Warn("stale outbox claims released, count = %d", count)
	}

	return count, nil
}

// CleanupOutbox deletes events sent longer ago than the retention period.
func (uc *FileUseCase) CleanupOutbox(ctx context.Context) (int64, error) {
	count, err := uc.outboxRepo.DeleteProcessedBefore(ctx, time.Now().Add(-uc.retention))
	if err != nil {
		return 0, fmt.Errorf("FileUseCase - CleanupOutbox - uc.outboxRepo.DeleteProcessedBefore: %w", err)
	}

	if count > 0 {
		uc.logger.Info("deleted old events, count = %d", count)
	}

	return count, nil
}

func eventIDs(events []*entity.OutboxEvent) uuid.UUIDs {
	IDs := make(uuid.UUIDs, 0, len(events))
	for _, event := range events {
		IDs = append(IDs, event.ID)
	}

	return IDs
}
