package file

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/internal/repo/inmemory"
	"github.com/andreyxaxa/File-Processor/internal/repo/persistent"
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*FileUseCase, *inmemory.Store, *persistent.LocalBlobRepo) {
	t.Helper()

	storage, err := persistent.NewLocalBlobRepo(t.TempDir())
	require.NoError(t, err)

	store := inmemory.New()
	uc := New(storage, store.Files(), store.Jobs(), store.Outbox(), store, time.Hour, logger.Nop())

	return uc, store, storage
}

func upload(owner, name, body string) usecase.Upload {
	return usecase.Upload{
		OwnerID:      owner,
		OriginalName: name,
		ContentType:  "application/octet-stream",
		Size:         int64(len(body)),
		Data:         strings.NewReader(body),
	}
}

func TestSubmit(t *testing.T) {
	uc, store, storage := setup(t)
	ctx := context.Background()

	title := "Q3"
	up := upload("user-1", "Report.PDF", "%PDF body")
	up.Title = &title

	file, job, err := uc.Submit(ctx, up)
	require.NoError(t, err)

	assert.Equal(t, entity.FileUploaded, file.Status)
	assert.Equal(t, "uploads/user-1/"+file.ID.String()+".pdf", file.StorageKey)
	assert.Equal(t, "Report.PDF", file.OriginalFilename)
	assert.Equal(t, &title, file.Title)
	assert.Equal(t, entity.JobQueued, job.Status)
	assert.Equal(t, entity.JobTypeFileProcessing, job.Type)
	assert.Equal(t, file.ID, job.FileID)

	rc, err := storage.Open(ctx, file.StorageKey)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "%PDF body", string(body))

	events := store.Outbox().Events()
	require.Len(t, events, 1)
	assert.Equal(t, job.ID, events[0].AggregateID)
	assert.Equal(t, entity.Pending, events[0].Status)

	d, err := queue.DecodeDescriptor(events[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, entity.Descriptor{FileID: file.ID, JobID: job.ID, OwnerID: "user-1"}, d)
}

func TestSubmit_TransactionFailureRemovesBlob(t *testing.T) {
	root := t.TempDir()
	storage, err := persistent.NewLocalBlobRepo(root)
	require.NoError(t, err)

	store := inmemory.New()
	uc := New(storage, store.Files(), store.Jobs(), store.Outbox(), store, time.Hour, logger.Nop())
	ctx := context.Background()

	store.Fault = func(op string) error {
		if op == "OutboxRepo.Create" {
			return errors.New("db down")
		}
		return nil
	}

	_, _, err = uc.Submit(ctx, upload("user-1", "a.txt", "data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrPersistence)

	store.Fault = nil
	page, err := uc.List(ctx, "user-1", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, store.Outbox().Events())

	// the uploaded blob is gone again
	entries, err := os.ReadDir(filepath.Join(root, "uploads", "user-1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGet(t *testing.T) {
	uc, _, _ := setup(t)
	ctx := context.Background()

	file, job, err := uc.Submit(ctx, upload("user-1", "a.txt", "data"))
	require.NoError(t, err)

	got, err := uc.Get(ctx, "user-1", file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, job.ID, got.Jobs[0].ID)

	_, err = uc.Get(ctx, "user-2", file.ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = uc.Get(ctx, "user-1", uuid.New())
	assert.ErrorIs(t, err, errs.ErrFileNotFound)
}

func TestList_Pagination(t *testing.T) {
	uc, _, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, _, err := uc.Submit(ctx, upload("user-1", "a.txt", "x"))
		require.NoError(t, err)
	}
	_, _, err := uc.Submit(ctx, upload("user-2", "b.txt", "y"))
	require.NoError(t, err)

	page, err := uc.List(ctx, "user-1", 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 15, page.Total)
	assert.Len(t, page.Files, 5)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 10, page.Limit)

	page, err = uc.List(ctx, "user-1", 3, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Files)

	page, err = uc.List(ctx, "user-2", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPage, page.Page)
	assert.Equal(t, DefaultLimit, page.Limit)
	assert.Len(t, page.Files, 1)
}

func TestReprocess(t *testing.T) {
	uc, store, _ := setup(t)
	ctx := context.Background()

	file, job, err := uc.Submit(ctx, upload("user-1", "a.txt", "data"))
	require.NoError(t, err)

	// not failed yet
	_, err = uc.Reprocess(ctx, "user-1", file.ID)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	require.NoError(t, store.Jobs().Fail(ctx, job.ID, "boom", time.Now()))
	require.NoError(t, store.Files().MarkFailed(ctx, file.ID))

	_, err = uc.Reprocess(ctx, "user-2", file.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	next, err := uc.Reprocess(ctx, "user-1", file.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, next.ID)
	assert.Equal(t, entity.JobQueued, next.Status)

	// one active job at a time
	_, err = uc.Reprocess(ctx, "user-1", file.ID)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	got, err := uc.Get(ctx, "user-1", file.ID)
	require.NoError(t, err)
	assert.Len(t, got.Jobs, 2)
	assert.Len(t, store.Outbox().Events(), 2)
}

func TestClaimPendingEvents(t *testing.T) {
	uc, store, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := uc.Submit(ctx, upload("user-1", "a.txt", "x"))
		require.NoError(t, err)
	}

	claimed, err := uc.ClaimPendingEvents(ctx, 3, 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	rest, err := uc.ClaimPendingEvents(ctx, 3, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	none, err := uc.ClaimPendingEvents(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	for _, e := range store.Outbox().Events() {
		assert.Equal(t, entity.Processing, e.Status)
	}
}

func TestOutboxRetryAndCleanup(t *testing.T) {
	storage, err := persistent.NewLocalBlobRepo(t.TempDir())
	require.NoError(t, err)
	store := inmemory.New()
	uc := New(storage, store.Files(), store.Jobs(), store.Outbox(), store, time.Millisecond, logger.Nop())
	ctx := context.Background()

	_, _, err = uc.Submit(ctx, upload("user-1", "a.txt", "x"))
	require.NoError(t, err)
	_, _, err = uc.Submit(ctx, upload("user-1", "b.txt", "y"))
	require.NoError(t, err)

	events, err := uc.ClaimPendingEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NoError(t, uc.MarkAsProcessedBatch(ctx, events[:1]))
	require.NoError(t, uc.IncrementRetryCountBatch(ctx, events[1:]))

	failed, err := uc.MarkMaxRetriesAsFailed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	time.Sleep(5 * time.Millisecond)

	deleted, err := uc.CleanupOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	left := store.Outbox().Events()
	require.Len(t, left, 1)
	assert.Equal(t, entity.Failed, left[0].Status)
}

func TestMarkMaxRetriesAsFailed_FailsUndispatchedJob(t *testing.T) {
	storage, err := persistent.NewLocalBlobRepo(t.TempDir())
	require.NoError(t, err)
	store := inmemory.New()
	uc := New(storage, store.Files(), store.Jobs(), store.Outbox(), store, time.Hour, logger.Nop())
	ctx := context.Background()

	file, job, err := uc.Submit(ctx, upload("user-1", "a.txt", "x"))
	require.NoError(t, err)

	events, err := uc.ClaimPendingEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, uc.IncrementRetryCountBatch(ctx, events))

	n, err := uc.MarkMaxRetriesAsFailed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f, err := store.Files().GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.FileFailed, f.Status)

	j, err := store.Jobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, errs.ErrDispatchFailed.Error(), *j.ErrorMessage)
	assert.NotNil(t, j.CompletedAt)

	// файл снова можно отправить в обработку
	next, err := uc.Reprocess(ctx, "user-1", file.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobQueued, next.Status)

	pending, err := uc.ClaimPendingEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, next.ID, pending[0].AggregateID)
}

func TestMarkMaxRetriesAsFailed_LeavesStartedJob(t *testing.T) {
	storage, err := persistent.NewLocalBlobRepo(t.TempDir())
	require.NoError(t, err)
	store := inmemory.New()
	uc := New(storage, store.Files(), store.Jobs(), store.Outbox(), store, time.Hour, logger.Nop())
	ctx := context.Background()

	file, job, err := uc.Submit(ctx, upload("user-1", "a.txt", "x"))
	require.NoError(t, err)

	events, err := uc.ClaimPendingEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.NoError(t, uc.IncrementRetryCountBatch(ctx, events))

	// публикация на самом деле дошла, воркер уже взял задачу
	require.NoError(t, store.Jobs().Start(ctx, job.ID, time.Now()))
	require.NoError(t, store.Files().MarkProcessing(ctx, file.ID))

	n, err := uc.MarkMaxRetriesAsFailed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	j, err := store.Jobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobProcessing, j.Status)

	f, err := store.Files().GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.FileProcessing, f.Status)
}

func TestReleaseStaleClaims(t *testing.T) {
	storage, err := persistent.NewLocalBlobRepo(t.TempDir())
	require.NoError(t, err)
	store := inmemory.New()
	uc := New(storage, store.Files(), store.Jobs(), store.Outbox(), store, time.Hour, logger.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err = uc.Submit(ctx, upload("user-1", "a.txt", "x"))
		require.NoError(t, err)
	}

	claimed, err := uc.ClaimPendingEvents(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// свежие захваты не трогаем
	n, err := uc.ReleaseStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)

	n, err = uc.ReleaseStaleClaims(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, e := range store.Outbox().Events() {
		assert.Equal(t, entity.Pending, e.Status)
		assert.Equal(t, 1, e.RetryCount)
		assert.Nil(t, e.ClaimedAt)
	}

	again, err := uc.ClaimPendingEvents(ctx, 3, 10)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestStorageKey(t *testing.T) {
	id := uuid.MustParse("6f1c2d3e-0000-4000-8000-000000000001")

	assert.Equal(t, "uploads/u1/"+id.String()+".txt", storageKey("u1", id, "Notes.TXT"))
	assert.Equal(t, "uploads/u1/"+id.String(), storageKey("u1", id, "README"))
	assert.Equal(t, "uploads/a%2Fb/"+id.String()+".gz", storageKey("a/b", id, "x.tar.gz"))
}
