package persistent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/pkg/postgres"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const (
	// Table
	jobsTable = "jobs"

	// Columns
	jobIDColumn           = "id"
	jobFileIDColumn       = "file_id"
	jobTypeColumn         = "job_type"
	jobStatusColumn       = "status"
	jobErrorMessageColumn = "error_message"
	jobAttemptsColumn     = "attempts"
	jobStartedAtColumn    = "started_at"
	jobCompletedAtColumn  = "completed_at"
	jobCreatedAtColumn    = "created_at"
	jobUpdatedAtColumn    = "updated_at"
)

var jobColumns = []string{
	jobIDColumn,
	jobFileIDColumn,
	jobTypeColumn,
	jobStatusColumn,
	jobErrorMessageColumn,
	jobAttemptsColumn,
	jobStartedAtColumn,
	jobCompletedAtColumn,
	jobCreatedAtColumn,
	jobUpdatedAtColumn,
}

type JobRepo struct {
	*postgres.Postgres
}

func NewJobRepo(pg *postgres.Postgres) *JobRepo {
	return &JobRepo{pg}
}

func (r *JobRepo) Create(ctx context.Context, job *entity.Job) error {
	sql, args, err := r.Builder.
		Insert(jobsTable).
		Columns(
			jobIDColumn,
			jobFileIDColumn,
			jobTypeColumn,
			jobStatusColumn,
			jobAttemptsColumn,
			jobCreatedAtColumn,
			jobUpdatedAtColumn,
		).
		Values(
			job.ID,
			job.FileID,
			job.Type,
			job.Status,
			job.Attempts,
			job.CreatedAt,
			job.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("JobRepo - Create - r.Builder.ToSql: %w", err)
	}

	executor := r.GetExecutor(ctx)

	_, err = executor.Exec(ctx, sql, args...)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("JobRepo - Create - file %s already has an active job: %w", job.FileID, errs.ErrInvalidTransition)
	}
	if err != nil {
		return fmt.Errorf("JobRepo - Create - executor.Exec: %w: %w", errs.ErrPersistence, err)
	}

	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	sql, args, err := r.Builder.
		Select(jobColumns...).
		From(jobsTable).
		Where(squirrel.Eq{jobIDColumn: id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("JobRepo - GetByID - r.Builder.ToSql: %w", err)
	}

	executor := r.GetExecutor(ctx)

	job, err := scanJob(executor.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("JobRepo - GetByID: %w", errs.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("JobRepo - GetByID - executor.QueryRow: %w: %w", errs.ErrPersistence, err)
	}

	return job, nil
}

func (r *JobRepo) ListByFileID(ctx context.Context, fileID uuid.UUID) ([]*entity.Job, error) {
	sql, args, err := r.Builder.
		Select(jobColumns...).
		From(jobsTable).
		Where(squirrel.Eq{jobFileIDColumn: fileID}).
		OrderBy(jobCreatedAtColumn + " ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("JobRepo - ListByFileID - r.Builder.ToSql: %w", err)
	}

	executor := r.GetExecutor(ctx)

	rows, err := executor.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("JobRepo - ListByFileID - executor.Query: %w: %w", errs.ErrPersistence, err)
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("JobRepo - ListByFileID - rows.Scan: %w: %w", errs.ErrPersistence, err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("JobRepo - ListByFileID - rows.Err: %w: %w", errs.ErrPersistence, err)
	}

	return jobs, nil
}

func (r *JobRepo) CountActiveByFileID(ctx context.Context, fileID uuid.UUID) (int, error) {
	sql, args, err := r.Builder.
		Select("COUNT(*)").
		From(jobsTable).
		Where(squirrel.And{
			squirrel.Eq{jobFileIDColumn: fileID},
			squirrel.Eq{jobStatusColumn: []string{string(entity.JobQueued), string(entity.JobProcessing)}},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("JobRepo - CountActiveByFileID - r.Builder.ToSql: %w", err)
	}

	executor := r.GetExecutor(ctx)

	var count int
	err = executor.QueryRow(ctx, sql, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("JobRepo - CountActiveByFileID - executor.QueryRow: %w: %w", errs.ErrPersistence, err)
	}

	return count, nil
}

// Start moves a queued job, or a redelivered attempt of a processing job, to
// processing and counts the attempt.
func (r *JobRepo) Start(ctx context.Context, id uuid.UUID, at time.Time) error {
	sql, args, err := r.Builder.
		Update(jobsTable).
		Set(jobStatusColumn, entity.JobProcessing).
		Set(jobStartedAtColumn, at).
		Set(jobAttemptsColumn, squirrel.Expr(jobAttemptsColumn+" + 1")).
		Set(jobUpdatedAtColumn, at).
		Where(squirrel.And{
			squirrel.Eq{jobIDColumn: id},
			squirrel.Eq{jobStatusColumn: []string{string(entity.JobQueued), string(entity.JobProcessing)}},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("JobRepo - Start - r.Builder.ToSql: %w", err)
	}

	return r.exec(ctx, "Start", sql, args)
}

func (r *JobRepo) RecordAttemptError(ctx context.Context, id uuid.UUID, msg string) error {
	sql, args, err := r.Builder.
		Update(jobsTable).
		Set(jobErrorMessageColumn, msg).
		Set(jobUpdatedAtColumn, time.Now()).
		Where(squirrel.And{
			squirrel.Eq{jobIDColumn: id},
			squirrel.Eq{jobStatusColumn: string(entity.JobProcessing)},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("JobRepo - RecordAttemptError - r.Builder.ToSql: %w", err)
	}

	return r.exec(ctx, "RecordAttemptError", sql, args)
}

func (r *JobRepo) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	sql, args, err := r.Builder.
		Update(jobsTable).
		Set(jobStatusColumn, entity.JobCompleted).
		Set(jobErrorMessageColumn, nil).
		Set(jobCompletedAtColumn, at).
		Set(jobUpdatedAtColumn, at).
		Where(squirrel.And{
			squirrel.Eq{jobIDColumn: id},
			squirrel.Eq{jobStatusColumn: string(entity.JobProcessing)},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("JobRepo - Complete - r.Builder.ToSql: %w", err)
	}

	return r.exec(ctx, "Complete", sql, args)
}

func (r *JobRepo) Fail(ctx context.Context, id uuid.UUID, msg string, at time.Time) error {
	sql, args, err := r.Builder.
		Update(jobsTable).
		Set(jobStatusColumn, entity.JobFailed).
		Set(jobErrorMessageColumn, msg).
		Set(jobCompletedAtColumn, at).
		Set(jobUpdatedAtColumn, at).
		Where(squirrel.And{
			squirrel.Eq{jobIDColumn: id},
			squirrel.Eq{jobStatusColumn: []string{string(entity.JobQueued), string(entity.JobProcessing)}},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("JobRepo - Fail - r.Builder.ToSql: %w", err)
	}

	return r.exec(ctx, "Fail", sql, args)
}

// ListStalled locks the returned rows until the surrounding transaction
// ends, so concurrent reapers skip them.
func (r *JobRepo) ListStalled(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	sql, args, err := r.Builder.
		Select(jobColumns...).
		From(jobsTable).
		Where(squirrel.And{
			squirrel.Eq{jobStatusColumn: string(entity.JobProcessing)},
			squirrel.Lt{jobUpdatedAtColumn: before},
		}).
		OrderBy(jobUpdatedAtColumn + " ASC").
		Limit(uint64(limit)). //nolint:gosec // from config
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("JobRepo - ListStalled - r.Builder.ToSql: %w", err)
	}

	executor := r.GetExecutor(ctx)

	rows, err := executor.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("JobRepo - ListStalled - executor.Query: %w: %w", errs.ErrPersistence, err)
	}
	defer rows.Close()

	jobs := make([]*entity.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("JobRepo - ListStalled - rows.Scan: %w: %w", errs.ErrPersistence, err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("JobRepo - ListStalled - rows.Err: %w: %w", errs.ErrPersistence, err)
	}

	return jobs, nil
}

func (r *JobRepo) exec(ctx context.Context, op, sql string, args []any) error {
	executor := r.GetExecutor(ctx)

	tag, err := executor.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("JobRepo - %s - executor.Exec: %w: %w", op, errs.ErrPersistence, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("JobRepo - %s: %w", op, errs.ErrInvalidTransition)
	}

	return nil
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var job entity.Job

	err := row.Scan(
		&job.ID,
		&job.FileID,
		&job.Type,
		&job.Status,
		&job.ErrorMessage,
		&job.Attempts,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &job, nil
}
