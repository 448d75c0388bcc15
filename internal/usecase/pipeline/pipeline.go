// Package pipeline drives one delivery through the job state machine:
// queued -> processing -> completed | failed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/repo"
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
)

const _defaultSettleTimeout = 5 * time.Second

type PipelineUseCase struct {
	tx        repo.Transactor
	files     repo.FileRepo
	jobs      repo.JobRepo
	extractor usecase.ExtractorUseCase
	events    *Events

	settleTimeout time.Duration
	now           func() time.Time
}

var _ usecase.PipelineUseCase = (*PipelineUseCase)(nil)

func New(
	tx repo.Transactor,
	files repo.FileRepo,
	jobs repo.JobRepo,
	extractor usecase.ExtractorUseCase,
	events *Events,
) *PipelineUseCase {
	return &PipelineUseCase{
		tx:            tx,
		files:         files,
		jobs:          jobs,
		extractor:     extractor,
		events:        events,
		settleTimeout: _defaultSettleTimeout,
		now:           time.Now,
	}
}

// Process settles d itself. A returned error means d was left unsettled
// (store unreachable, commit failed) and the caller should Nack it.
func (uc *PipelineUseCase) Process(ctx context.Context, d infrastructure.Delivery) error {
	desc := d.Descriptor()

	// 1. загружаем задачу
	job, err := uc.jobs.GetByID(ctx, desc.JobID)
	if errors.Is(err, errs.ErrRecordNotFound) {
		uc.publish(EventSkipped, d, nil, 0)

		return uc.settle(ctx, "d.Ack", func(ctx context.Context) error { return d.Ack(ctx) })
	}
	if err != nil {
		return fmt.Errorf("PipelineUseCase - Process - uc.jobs.GetByID: %w", err)
	}

	// повторная доставка завершенной задачи - ничего не делаем
	if job.Status.Terminal() {
		uc.publish(EventSkipped, d, nil, 0)

		return uc.settle(ctx, "d.Ack", func(ctx context.Context) error { return d.Ack(ctx) })
	}

	// воркер с той же попыткой взял задачу и пропал
	if job.Status == entity.JobProcessing && job.Attempts >= d.Attempt() {
		uc.publish(EventStalled, d, errs.ErrStalled, 0)
	}

	// 2. загружаем файл
	file, err := uc.files.GetByID(ctx, desc.FileID)
	if errors.Is(err, errs.ErrRecordNotFound) {
		return uc.reject(ctx, d, job, errs.ErrFileNotFound, 0)
	}
	if err != nil {
		return fmt.Errorf("PipelineUseCase - Process - uc.files.GetByID: %w", err)
	}

	// 3. в единой транзакции переводим задачу и файл в processing
	err = uc.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		err := uc.jobs.Start(txCtx, job.ID, uc.now())
		if err != nil {
			return fmt.Errorf("uc.jobs.Start: %w", err)
		}

		err = uc.files.MarkProcessing(txCtx, file.ID)
		if err != nil {
			return fmt.Errorf("uc.files.MarkProcessing: %w", err)
		}

		return nil
	})
	if errors.Is(err, errs.ErrInvalidTransition) {
		return uc.reject(ctx, d, job, err, 0)
	}
	if err != nil {
		return fmt.Errorf("PipelineUseCase - Process - start: %w", err)
	}

	uc.publish(EventActive, d, nil, 0)

	// 4. считаем метаданные
	started := uc.now()
	md, err := uc.extractor.Extract(ctx, file)
	elapsed := uc.now().Sub(started)

	if err != nil {
		return uc.fail(ctx, d, job, file, err, elapsed)
	}

	// 5. в единой транзакции сохраняем метаданные и завершаем задачу
	data, err := json.Marshal(md)
	if err != nil {
		return uc.fail(ctx, d, job, file, fmt.Errorf("json.Marshal: %w", err), elapsed)
	}

	err = uc.inTx(ctx, func(txCtx context.Context) error {
		err := uc.files.MarkProcessed(txCtx, file.ID, data)
		if err != nil {
			return fmt.Errorf("uc.files.MarkProcessed: %w", err)
		}

		err = uc.jobs.Complete(txCtx, job.ID, uc.now())
		if err != nil {
			return fmt.Errorf("uc.jobs.Complete: %w", err)
		}

		return nil
	})
	if errors.Is(err, errs.ErrInvalidTransition) {
		// задачу уже завершила другая доставка
		uc.publish(EventSkipped, d, nil, elapsed)

		return uc.settle(ctx, "d.Ack", func(ctx context.Context) error { return d.Ack(ctx) })
	}
	if err != nil {
		return fmt.Errorf("PipelineUseCase - Process - complete: %w", err)
	}

	uc.publish(EventCompleted, d, nil, elapsed)

	return uc.settle(ctx, "d.Ack", func(ctx context.Context) error { return d.Ack(ctx) })
}

// Abandon makes the job of d and its file terminal before the queue gives up
// on d, so a store outage on the last attempt does not leave them processing.
// A job that is already terminal is left alone.
func (uc *PipelineUseCase) Abandon(ctx context.Context, d infrastructure.Delivery, cause error) error {
	desc := d.Descriptor()

	err := uc.inTx(ctx, func(txCtx context.Context) error {
		err := uc.jobs.Fail(txCtx, desc.JobID, cause.Error(), uc.now())
		if err != nil {
			return fmt.Errorf("uc.jobs.Fail: %w", err)
		}

		err = uc.files.MarkFailed(txCtx, desc.FileID)
		if err != nil && !errors.Is(err, errs.ErrInvalidTransition) {
			return fmt.Errorf("uc.files.MarkFailed: %w", err)
		}

		return nil
	})
	if errors.Is(err, errs.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("PipelineUseCase - Abandon: %w", err)
	}

	uc.publish(EventFailed, d, cause, 0)

	return nil
}

// ReapStalled fails up to limit jobs that stayed in processing with no update
// since before, together with their files, and returns how many it failed.
func (uc *PipelineUseCase) ReapStalled(ctx context.Context, before time.Time, limit int) (int, error) {
	var reaped []*entity.Job

	err := uc.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		reaped = reaped[:0]

		// 1. выбираем зависшие задачи
		jobs, err := uc.jobs.ListStalled(txCtx, before, limit)
		if err != nil {
			return fmt.Errorf("uc.jobs.ListStalled: %w", err)
		}

		now := uc.now()
		for _, job := range jobs {
			// 2. задачу и файл переводим в failed
			err = uc.jobs.Fail(txCtx, job.ID, errs.ErrStalled.Error(), now)
			if errors.Is(err, errs.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return fmt.Errorf("uc.jobs.Fail: %w", err)
			}

			err = uc.files.MarkFailed(txCtx, job.FileID)
			if err != nil && !errors.Is(err, errs.ErrInvalidTransition) {
				return fmt.Errorf("uc.files.MarkFailed: %w", err)
			}

			reaped = append(reaped, job)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("PipelineUseCase - ReapStalled: %w", err)
	}

	if uc.events != nil {
		for _, job := range reaped {
			uc.events.Publish(Event{
				Type:    EventExpired,
				JobID:   job.ID,
				FileID:  job.FileID,
				Attempt: job.Attempts,
				Err:     errs.ErrStalled,
				At:      uc.now(),
			})
		}
	}

	return len(reaped), nil
}

// fail handles an engine error: a retryable one is sent back to the queue
// while attempts remain, anything else makes the job and the file terminal.
func (uc *PipelineUseCase) fail(
	ctx context.Context,
	d infrastructure.Delivery,
	job *entity.Job,
	file *entity.File,
	cause error,
	elapsed time.Duration,
) error {
	if errs.Catastrophic(cause) {
		return fmt.Errorf("PipelineUseCase - fail: %w", cause)
	}

	if retryable(cause) && !d.LastAttempt() {
		err := uc.inTx(ctx, func(txCtx context.Context) error {
			return uc.jobs.RecordAttemptError(txCtx, job.ID, cause.Error())
		})
		if err != nil && !errors.Is(err, errs.ErrInvalidTransition) {
			return fmt.Errorf("PipelineUseCase - fail - uc.jobs.RecordAttemptError: %w", err)
		}

		uc.publish(EventRetrying, d, cause, elapsed)

		return uc.settle(ctx, "d.Nack", func(ctx context.Context) error { return d.Nack(ctx, cause) })
	}

	err := uc.inTx(ctx, func(txCtx context.Context) error {
		// метаданные файла очищаются
		err := uc.files.MarkFailed(txCtx, file.ID)
		if err != nil {
			return fmt.Errorf("uc.files.MarkFailed: %w", err)
		}

		err = uc.jobs.Fail(txCtx, job.ID, cause.Error(), uc.now())
		if err != nil {
			return fmt.Errorf("uc.jobs.Fail: %w", err)
		}

		return nil
	})
	if errors.Is(err, errs.ErrInvalidTransition) {
		uc.publish(EventSkipped, d, cause, elapsed)

		return uc.settle(ctx, "d.Ack", func(ctx context.Context) error { return d.Ack(ctx) })
	}
	if err != nil {
		return fmt.Errorf("PipelineUseCase - fail: %w", err)
	}

	uc.publish(EventFailed, d, cause, elapsed)

	return uc.settle(ctx, "d.DeadLetter", func(ctx context.Context) error { return d.DeadLetter(ctx, cause) })
}

// reject fails the job without running the engine. The file is left as is.
func (uc *PipelineUseCase) reject(
	ctx context.Context,
	d infrastructure.Delivery,
	job *entity.Job,
	cause error,
	elapsed time.Duration,
) error {
	err := uc.inTx(ctx, func(txCtx context.Context) error {
		return uc.jobs.Fail(txCtx, job.ID, cause.Error(), uc.now())
	})
	if errors.Is(err, errs.ErrInvalidTransition) {
		uc.publish(EventSkipped, d, cause, elapsed)

		return uc.settle(ctx, "d.Ack", func(ctx context.Context) error { return d.Ack(ctx) })
	}
	if err != nil {
		return fmt.Errorf("PipelineUseCase - reject - uc.jobs.Fail: %w", err)
	}

	uc.publish(EventFailed, d, cause, elapsed)

	return uc.settle(ctx, "d.DeadLetter", func(ctx context.Context) error { return d.DeadLetter(ctx, cause) })
}

// inTx runs f detached from ctx cancellation, so a job that hit its deadline
// can still record its outcome.
func (uc *PipelineUseCase) inTx(ctx context.Context, f func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.settleTimeout)
	defer cancel()

	return uc.tx.WithinTransaction(ctx, f)
}

func (uc *PipelineUseCase) settle(ctx context.Context, op string, f func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.settleTimeout)
	defer cancel()

	err := f(ctx)
	if err != nil {
		return fmt.Errorf("PipelineUseCase - settle - %s: %w", op, err)
	}

	return nil
}

func (uc *PipelineUseCase) publish(t EventType, d infrastructure.Delivery, cause error, elapsed time.Duration) {
	if uc.events == nil {
		return
	}

	desc := d.Descriptor()

	uc.events.Publish(Event{
		Type:     t,
		JobID:    desc.JobID,
		FileID:   desc.FileID,
		OwnerID:  desc.OwnerID,
		Attempt:  d.Attempt(),
		Err:      cause,
		Duration: elapsed,
		At:       uc.now(),
	})
}

// retryable also covers a job that ran out of time.
func retryable(err error) bool {
	return errs.Retryable(err) || errors.Is(err, context.DeadlineExceeded)
}
