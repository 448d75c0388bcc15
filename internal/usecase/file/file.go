package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/repo"
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100

	_defaultRetention = 24 * time.Hour
)

type FileUseCase struct {
	storage    repo.BlobStorage
	fileRepo   repo.FileRepo
	jobRepo    repo.JobRepo
	outboxRepo repo.OutboxRepo
	transactor repo.Transactor

	retention time.Duration
	logger    logger.Interface
}

var _ usecase.FileUseCase = (*FileUseCase)(nil)

func New(
	storage repo.BlobStorage,
	fileRepo repo.FileRepo,
	jobRepo repo.JobRepo,
	outboxRepo repo.OutboxRepo,
	transactor repo.Transactor,
	retention time.Duration,
	l logger.Interface,
) *FileUseCase {
	if retention <= 0 {
		retention = _defaultRetention
	}

	return &FileUseCase{
		storage:    storage,
		fileRepo:   fileRepo,
		jobRepo:    jobRepo,
		outboxRepo: outboxRepo,
		transactor: transactor,
		retention:  retention,
		logger:     l,
	}
}

// Submit stores the bytes and records the file together with its first job.
// The descriptor reaches the queue through the outbox.
func (uc *FileUseCase) Submit(ctx context.Context, up usecase.Upload) (*entity.File, *entity.Job, error) {
	fileID := uuid.New()
	key := storageKey(up.OwnerID, fileID, up.OriginalName)

	// 1. загружаем в хранилище
	err := uc.storage.Put(ctx, key, up.Data, up.Size, up.ContentType)
	if err != nil {
		return nil, nil, fmt.Errorf("FileUseCase - Submit - uc.storage.Put: %w", err)
	}

	now := time.Now()

	file := &entity.File{
		ID:               fileID,
		OwnerID:          up.OwnerID,
		OriginalFilename: up.OriginalName,
		StorageKey:       key,
		Title:            up.Title,
		Description:      up.Description,
		Status:           entity.FileUploaded,
		UploadedAt:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	job := newJob(fileID, now)

	event, err := newOutboxEvent(file, job)
	if err != nil {
		uc.deleteBlob(key)
		return nil, nil, fmt.Errorf("FileUseCase - Submit: %w", err)
	}

	// 2. в единой транзакции
	err = uc.transactor.WithinTransaction(ctx, func(txCtx context.Context) error {
		// 2.1 записываем файл
		err := uc.fileRepo.Create(txCtx, file)
		if err != nil {
			return fmt.Errorf("uc.fileRepo.Create: %w", err)
		}

		// 2.2 записываем задачу
		err = uc.jobRepo.Create(txCtx, job)
		if err != nil {
			return fmt.Errorf("uc.jobRepo.Create: %w", err)
		}

		// 2.3 записываем событие в аутбокс
		err = uc.outboxRepo.Create(txCtx, event)
		if err != nil {
			return fmt.Errorf("uc.outboxRepo.Create: %w", err)
		}

		return nil
	})
	// если транзакция не прошла
	if err != nil {
		// удаляем загруженный объект
		uc.deleteBlob(key)

		return nil, nil, fmt.Errorf("FileUseCase - Submit - uc.transactor.WithinTransaction: %w", err)
	}

	return file, job, nil
}

// Get returns the file with its jobs, newest job first.
func (uc *FileUseCase) Get(ctx context.Context, ownerID string, id uuid.UUID) (*entity.File, error) {
	file, err := uc.owned(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("FileUseCase - Get: %w", err)
	}

	jobs, err := uc.jobRepo.ListByFileID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("FileUseCase - Get - uc.jobRepo.ListByFileID: %w", err)
	}
	file.Jobs = jobs

	return file, nil
}

func (uc *FileUseCase) List(ctx context.Context, ownerID string, page, limit int) (usecase.FilePage, error) {
	page, limit = normalizePage(page, limit)

	files, total, err := uc.fileRepo.ListByOwner(ctx, ownerID, limit, (page-1)*limit)
	if err != nil {
		return usecase.FilePage{}, fmt.Errorf("FileUseCase - List - uc.fileRepo.ListByOwner: %w", err)
	}

	return usecase.FilePage{
		Files: files,
		Total: total,
		Page:  page,
		Limit: limit,
	}, nil
}

// Reprocess queues a new job for a failed file. The failed job stays as it is.
func (uc *FileUseCase) Reprocess(ctx context.Context, ownerID string, id uuid.UUID) (*entity.Job, error) {
	file, err := uc.owned(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("FileUseCase - Reprocess: %w", err)
	}

	if file.Status != entity.FileFailed {
		return nil, fmt.Errorf("FileUseCase - Reprocess - file is %s: %w", file.Status, errs.ErrInvalidTransition)
	}

	job := newJob(file.ID, time.Now())

	event, err := newOutboxEvent(file, job)
	if err != nil {
		return nil, fmt.Errorf("FileUseCase - Reprocess: %w", err)
	}

	err = uc.transactor.WithinTransaction(ctx, func(txCtx context.Context) error {
		// 1. у файла не должно быть активной задачи
		active, err := uc.jobRepo.CountActiveByFileID(txCtx, file.ID)
		if err != nil {
			return fmt.Errorf("uc.jobRepo.CountActiveByFileID: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("file has %d active jobs: %w", active, errs.ErrInvalidTransition)
		}

		// 2. новая задача + событие в аутбокс
		err = uc.jobRepo.Create(txCtx, job)
		if err != nil {
			return fmt.Errorf("uc.jobRepo.Create: %w", err)
		}

		err = uc.outboxRepo.Create(txCtx, event)
		if err != nil {
			return fmt.Errorf("uc.outboxRepo.Create: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("FileUseCase - Reprocess - uc.transactor.WithinTransaction: %w", err)
	}

	return job, nil
}

func (uc *FileUseCase) owned(ctx context.Context, ownerID string, id uuid.UUID) (*entity.File, error) {
	file, err := uc.fileRepo.GetByID(ctx, id)
	if errors.Is(err, errs.ErrRecordNotFound) {
		return nil, fmt.Errorf("uc.fileRepo.GetByID: %w", errs.ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("uc.fileRepo.GetByID: %w", err)
	}

	if file.OwnerID != ownerID {
		return nil, fmt.Errorf("file %s: %w", id, errs.ErrForbidden)
	}

	return file, nil
}

func (uc *FileUseCase) deleteBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := uc.storage.Delete(ctx, key)
	if err != nil {
		uc.logger.Error(err, "FileUseCase - deleteBlob - uc.storage.Delete")
	}
}
