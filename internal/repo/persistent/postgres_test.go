package persistent_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue/memory"
	"github.com/andreyxaxa/File-Processor/internal/repo/persistent"
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/internal/usecase/extractor"
	"github.com/andreyxaxa/File-Processor/internal/usecase/file"
	"github.com/andreyxaxa/File-Processor/internal/usecase/pipeline"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
	"github.com/andreyxaxa/File-Processor/pkg/postgres"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres запускает PostgreSQL в контейнере и накатывает миграции.
func setupPostgres(t *testing.T) *postgres.Postgres {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("files_test"),
		tcpostgres.WithUsername("files"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, postgres.Migrate(persistent.Migrations, persistent.MigrationsDir, url))
	// повторный прогон миграций - no-op
	require.NoError(t, postgres.Migrate(persistent.Migrations, persistent.MigrationsDir, url))

	pg, err := postgres.New(url, postgres.MaxPoolSize(4))
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	return pg
}

func newFile(owner string) *entity.File {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.New()

	return &entity.File{
		ID:               id,
		OwnerID:          owner,
		OriginalFilename: "a.txt",
		StorageKey:       "uploads/" + owner + "/" + id.String() + ".txt",
		Status:           entity.FileUploaded,
		UploadedAt:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newJob(fileID uuid.UUID) *entity.Job {
	now := time.Now().UTC()

	return &entity.Job{
		ID:        uuid.New(),
		FileID:    fileID,
		Type:      entity.JobTypeFileProcessing,
		Status:    entity.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgres_Repositories(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()

	files := persistent.NewFileRepo(pg)
	jobs := persistent.NewJobRepo(pg)
	outbox := persistent.NewOutboxRepo(pg)

	t.Run("file lifecycle", func(t *testing.T) {
		f := newFile("user-1")
		require.NoError(t, files.Create(ctx, f))

		got, err := files.GetByID(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, f.OwnerID, got.OwnerID)
		assert.Equal(t, entity.FileUploaded, got.Status)
		assert.Nil(t, got.ExtractedData)

		// processed только из processing
		assert.ErrorIs(t, files.MarkProcessed(ctx, f.ID, json.RawMessage(`{}`)), errs.ErrInvalidTransition)

		require.NoError(t, files.MarkProcessing(ctx, f.ID))
		require.NoError(t, files.MarkProcessed(ctx, f.ID, json.RawMessage(`{"hash":"abc"}`)))

		got, err = files.GetByID(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.FileProcessed, got.Status)
		assert.JSONEq(t, `{"hash":"abc"}`, string(got.ExtractedData))

		// processed - конечное состояние файла
		assert.ErrorIs(t, files.MarkProcessing(ctx, f.ID), errs.ErrInvalidTransition)
		assert.ErrorIs(t, files.MarkFailed(ctx, f.ID), errs.ErrInvalidTransition)

		_, err = files.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, errs.ErrRecordNotFound)
	})

	t.Run("list by owner newest first", func(t *testing.T) {
		owner := "lister-" + uuid.NewString()
		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			f := newFile(owner)
			f.CreatedAt = f.CreatedAt.Add(time.Duration(i) * time.Second)
			require.NoError(t, files.Create(ctx, f))
			ids = append(ids, f.ID)
		}

		page, total, err := files.ListByOwner(ctx, owner, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)
		assert.Equal(t, ids[1], page[1].ID)

		page, _, err = files.ListByOwner(ctx, owner, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)
	})

	t.Run("job transitions", func(t *testing.T) {
		f := newFile("user-1")
		require.NoError(t, files.Create(ctx, f))
		j := newJob(f.ID)
		require.NoError(t, jobs.Create(ctx, j))

		require.NoError(t, jobs.Start(ctx, j.ID, time.Now()))
		require.NoError(t, jobs.RecordAttemptError(ctx, j.ID, "read failed"))
		require.NoError(t, jobs.Start(ctx, j.ID, time.Now()))

		got, err := jobs.GetByID(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.JobProcessing, got.Status)
		assert.Equal(t, 2, got.Attempts)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "read failed", *got.ErrorMessage)

		require.NoError(t, jobs.Complete(ctx, j.ID, time.Now()))

		got, err = jobs.GetByID(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.JobCompleted, got.Status)
		assert.Nil(t, got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)

		// из конечного состояния переходов нет
		assert.ErrorIs(t, jobs.Start(ctx, j.ID, time.Now()), errs.ErrInvalidTransition)
		assert.ErrorIs(t, jobs.Fail(ctx, j.ID, "x", time.Now()), errs.ErrInvalidTransition)
		assert.ErrorIs(t, jobs.Complete(ctx, j.ID, time.Now()), errs.ErrInvalidTransition)
	})

	t.Run("one active job per file", func(t *testing.T) {
		f := newFile("user-1")
		require.NoError(t, files.Create(ctx, f))
		first := newJob(f.ID)
		require.NoError(t, jobs.Create(ctx, first))

		assert.ErrorIs(t, jobs.Create(ctx, newJob(f.ID)), errs.ErrInvalidTransition)

		n, err := jobs.CountActiveByFileID(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, jobs.Fail(ctx, first.ID, "File not found", time.Now()))
		require.NoError(t, jobs.Create(ctx, newJob(f.ID)))

		list, err := jobs.ListByFileID(ctx, f.ID)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("stalled jobs", func(t *testing.T) {
		f := newFile("user-1")
		require.NoError(t, files.Create(ctx, f))
		j := newJob(f.ID)
		require.NoError(t, jobs.Create(ctx, j))
		require.NoError(t, jobs.Start(ctx, j.ID, time.Now()))

		list, err := jobs.ListStalled(ctx, time.Now().Add(-time.Hour), 100)
		require.NoError(t, err)
		for _, s := range list {
			assert.NotEqual(t, j.ID, s.ID)
		}

		list, err = jobs.ListStalled(ctx, time.Now().Add(time.Minute), 100)
		require.NoError(t, err)
		ids := make([]uuid.UUID, 0, len(list))
		for _, s := range list {
			ids = append(ids, s.ID)
		}
		assert.Contains(t, ids, j.ID)
	})

	t.Run("outbox", func(t *testing.T) {
		f := newFile("user-1")
		require.NoError(t, files.Create(ctx, f))
		j := newJob(f.ID)
		require.NoError(t, jobs.Create(ctx, j))

		payload, err := queue.EncodeDescriptor(entity.Descriptor{FileID: f.ID, JobID: j.ID, OwnerID: f.OwnerID})
		require.NoError(t, err)

		event := &entity.OutboxEvent{
			ID:          uuid.New(),
			AggregateID: j.ID,
			Payload:     payload,
			Status:      entity.Pending,
			CreatedAt:   time.Now(),
		}
		require.NoError(t, outbox.Create(ctx, event))

		var claimed []*entity.OutboxEvent
		err = pg.WithinTransaction(ctx, func(txCtx context.Context) error {
			claimed, err = outbox.GetPendingEvents(txCtx, 3, 100)
			if err != nil {
				return err
			}

			return outbox.MarkAsProcessingBatch(txCtx, uuid.UUIDs{event.ID})
		})
		require.NoError(t, err)
		require.NotEmpty(t, claimed)

		d, err := queue.DecodeDescriptor(claimed[len(claimed)-1].Payload)
		require.NoError(t, err)
		assert.Equal(t, j.ID, d.JobID)

		// processing события не выдаются повторно
		pending, err := outbox.GetPendingEvents(ctx, 3, 100)
		require.NoError(t, err)
		for _, e := range pending {
			assert.NotEqual(t, event.ID, e.ID)
		}

		// брошенный захват возвращается в pending как попытка
		n, err := outbox.ReleaseStaleClaims(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		for i := 0; i < 2; i++ {
			require.NoError(t, outbox.IncrementRetryCountBatch(ctx, uuid.UUIDs{event.ID}))
		}
		jobIDs, err := outbox.MarkMaxRetriesAsFailed(ctx, 3)
		require.NoError(t, err)
		assert.Contains(t, jobIDs, j.ID)

		require.NoError(t, outbox.MarkAsProcessedBatch(ctx, uuid.UUIDs{event.ID}))
		n, err = outbox.DeleteProcessedBefore(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})
}

func TestPostgres_Pipeline(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()

	storage, err := persistent.NewLocalBlobRepo(t.TempDir())
	require.NoError(t, err)

	files := persistent.NewFileRepo(pg)
	jobs := persistent.NewJobRepo(pg)

	uc := file.New(storage, files, jobs, persistent.NewOutboxRepo(pg), pg, time.Hour, logger.Nop())

	f, job, err := uc.Submit(ctx, usecase.Upload{
		OwnerID:      "user-1",
		OriginalName: "report.pdf",
		ContentType:  "application/pdf",
		Size:         9,
		Data:         strings.NewReader("%PDF-1.7\n"),
	})
	require.NoError(t, err)

	events, err := uc.ClaimPendingEvents(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	q := memory.New(queue.NewRetryPolicy(3, time.Millisecond), 8)
	t.Cleanup(func() { _ = q.Close() })
	require.NoError(t, queue.NewOutboxSender(q).SendEvents(ctx, events))
	require.NoError(t, uc.MarkAsProcessedBatch(ctx, events))

	p := pipeline.New(pg, files, jobs, extractor.New(storage), pipeline.NewEvents())

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Process(ctx, d))

	got, err := uc.Get(ctx, "user-1", f.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.FileProcessed, got.Status)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, job.ID, got.Jobs[0].ID)
	assert.Equal(t, entity.JobCompleted, got.Jobs[0].Status)
	assert.Equal(t, 1, got.Jobs[0].Attempts)

	var meta entity.ExtractedMetadata
	require.NoError(t, json.Unmarshal(got.ExtractedData, &meta))
	assert.Equal(t, "application/pdf", meta.MimeType)
	assert.Equal(t, ".pdf", meta.FileExtension)
	assert.Equal(t, int64(9), meta.Size.Original)
	assert.Equal(t, 1, q.Acked())
}
