package file

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/google/uuid"
)

const _maxExtLen = 16

// storageKey is uploads/<owner>/<file id><ext>; the owner id is escaped so it
// stays one path segment.
func storageKey(ownerID string, fileID uuid.UUID, originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) > _maxExtLen || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}

	return fmt.Sprintf("uploads/%s/%s%s", url.PathEscape(ownerID), fileID, ext)
}

func newJob(fileID uuid.UUID, now time.Time) *entity.Job {
	return &entity.Job{
		ID:        uuid.New(),
		FileID:    fileID,
		Type:      entity.JobTypeFileProcessing,
		Status:    entity.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newOutboxEvent(file *entity.File, job *entity.Job) (*entity.OutboxEvent, error) {
	payload, err := queue.EncodeDescriptor(entity.Descriptor{
		FileID:  file.ID,
		JobID:   job.ID,
		OwnerID: file.OwnerID,
	})
	if err != nil {
		return nil, fmt.Errorf("newOutboxEvent: %w", err)
	}

	return &entity.OutboxEvent{
		ID:          uuid.New(),
		AggregateID: job.ID,
		Payload:     payload,
		Status:      entity.Pending,
		CreatedAt:   time.Now(),
		RetryCount:  0,
	}, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}

	switch {
	case limit < 1:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	return page, limit
}
