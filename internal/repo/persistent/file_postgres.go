package persistent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/pkg/postgres"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	// Table
	filesTable = "files"

	// Columns
	fileIDColumn               = "id"
	fileOwnerIDColumn          = "owner_id"
	fileOriginalFilenameColumn = "original_filename"
	fileStorageKeyColumn       = "storage_key"
	fileTitleColumn            = "title"
	fileDescriptionColumn      = "description"
	fileStatusColumn           = "status"
	fileExtractedDataColumn    = "extracted_data"
	fileUploadedAtColumn       = "uploaded_at"
	fileCreatedAtColumn        = "created_at"
	fileUpdatedAtColumn        = "updated_at"
)

var fileColumns = []string{
	fileIDColumn,
	fileOwnerIDColumn,
	fileOriginalFilenameColumn,
	fileStorageKeyColumn,
	fileTitleColumn,
	fileDescriptionColumn,
	fileStatusColumn,
	fileExtractedDataColumn,
	fileUploadedAtColumn,
	fileCreatedAtColumn,
	fileUpdatedAtColumn,
}

type FileRepo struct {
	*postgres.Postgres
}

func NewFileRepo(pg *postgres.Postgres) *FileRepo {
	return &FileRepo{pg}
}

func (r *FileRepo) Create(ctx context.Context, file *entity.File) error {
	sql, args, err := r.Builder.
		Insert(filesTable).
		Columns(
			fileIDColumn,
			fileOwnerIDColumn,
			fileOriginalFilenameColumn,
			fileStorageKeyColumn,
			fileTitleColumn,
			fileDescriptionColumn,
			fileStatusColumn,
			fileUploadedAtColumn,
			fileCreatedAtColumn,
			fileUpdatedAtColumn,
		).
		Values(
			file.ID,
			file.OwnerID,
			file.OriginalFilename,
			file.StorageKey,
			file.Title,
			file.Description,
			file.Status,
			file.UploadedAt,
			file.CreatedAt,
			file.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("FileRepo - Create - r.Builder.ToSql: %w", err)
	}

	executor := r.GetExecutor(ctx)

	_, err = executor.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("FileRepo - Create - executor.Exec: %w: %w", errs.ErrPersistence, err)
	}

	return nil
}

func (r *FileRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.File, error) {
	sql, args, err := r.Builder.
		Select(fileColumns...).
		From(filesTable).
		Where(squirrel.Eq{fileIDColumn: id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("FileRepo - GetByID - r.Builder.ToSql: %w", err)
	}

	executor := r.GetExecutor(ctx)

	file, err := scanFile(executor.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("FileRepo - GetByID: %w", errs.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("FileRepo - GetByID - executor.QueryRow: %w: %w", errs.ErrPersistence, err)
	}

	return file, nil
}

func (r *FileRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*entity.File, int, error) {
	countSQL, countArgs, err := r.Builder.
		Select("COUNT(*)").
		From(filesTable).
		Where(squirrel.Eq{fileOwnerIDColumn: ownerID}).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("FileRepo - ListByOwner - r.Builder.ToSql: %w", err)
	}

	executor := r.GetExecutor(ctx)

	var total int
	err = executor.QueryRow(ctx, countSQL, countArgs...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("FileRepo - ListByOwner - executor.QueryRow: %w: %w", errs.ErrPersistence, err)
	}

	sql, args, err := r.Builder.
		Select(fileColumns...).
		From(filesTable).
		Where(squirrel.Eq{fileOwnerIDColumn: ownerID}).
		OrderBy(fileCreatedAtColumn + " DESC").
		Limit(uint64(limit)).   //nolint:gosec // validated by caller
		Offset(uint64(offset)). //nolint:gosec // validated by caller
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("FileRepo - ListByOwner - r.Builder.ToSql: %w", err)
	}

	rows, err := executor.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("FileRepo - ListByOwner - executor.Query: %w: %w", errs.ErrPersistence, err)
	}
	defer rows.Close()

	files := make([]*entity.File, 0, limit)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("FileRepo - ListByOwner - rows.Scan: %w: %w", errs.ErrPersistence, err)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("FileRepo - ListByOwner - rows.Err: %w: %w", errs.ErrPersistence, err)
	}

	return files, total, nil
}

// MarkProcessing is allowed from every non-processed status: a failed file is
// picked up again only through a new job.
func (r *FileRepo) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.updateStatus(ctx, "MarkProcessing", id, entity.FileProcessing, nil, false,
		entity.FileUploaded, entity.FileProcessing, entity.FileFailed)
}

func (r *FileRepo) MarkProcessed(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	return r.updateStatus(ctx, "MarkProcessed", id, entity.FileProcessed, data, true,
		entity.FileProcessing)
}

// MarkFailed also drops any previously extracted data.
func (r *FileRepo) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.updateStatus(ctx, "MarkFailed", id, entity.FileFailed, nil, true,
		entity.FileUploaded, entity.FileProcessing)
}

func (r *FileRepo) updateStatus(
	ctx context.Context,
	op string,
	id uuid.UUID,
	to entity.FileStatus,
	data json.RawMessage,
	setData bool,
	from ...entity.FileStatus,
) error {
	b := r.Builder.
		Update(filesTable).
		Set(fileStatusColumn, to).
		Set(fileUpdatedAtColumn, time.Now())

	if setData {
		var v *string
		if data != nil {
			s := string(data)
			v = &s
		}
		b = b.Set(fileExtractedDataColumn, v)
	}

	sql, args, err := b.
		Where(squirrel.And{
			squirrel.Eq{fileIDColumn: id},
			squirrel.Eq{fileStatusColumn: fileStatusStrings(from)},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("FileRepo - %s - r.Builder.ToSql: %w", op, err)
	}

	executor := r.GetExecutor(ctx)

	tag, err := executor.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("FileRepo - %s - executor.Exec: %w: %w", op, errs.ErrPersistence, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("FileRepo - %s -> %s: %w", op, to, errs.ErrInvalidTransition)
	}

	return nil
}

func fileStatusStrings(statuses []entity.FileStatus) []string {
	res := make([]string, 0, len(statuses))
	for _, s := range statuses {
		res = append(res, string(s))
	}

	return res
}

func scanFile(row pgx.Row) (*entity.File, error) {
	var file entity.File
	var extracted *string

	err := row.Scan(
		&file.ID,
		&file.OwnerID,
		&file.OriginalFilename,
		&file.StorageKey,
		&file.Title,
		&file.Description,
		&file.Status,
		&extracted,
		&file.UploadedAt,
		&file.CreatedAt,
		&file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if extracted != nil {
		file.ExtractedData = json.RawMessage(*extracted)
	}

	return &file, nil
}
