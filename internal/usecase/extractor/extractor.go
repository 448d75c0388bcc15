package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/digest"
	"github.com/andreyxaxa/File-Processor/internal/repo"
)

const _gzipContentType = "application/gzip"

// ExtractorUseCase reads a stored file, writes its gzip artifact next to it
// and describes both. It never touches the database.
type ExtractorUseCase struct {
	storage repo.BlobStorage
	now     func() time.Time
}

func New(storage repo.BlobStorage) *ExtractorUseCase {
	return &ExtractorUseCase{
		storage: storage,
		now:     time.Now,
	}
}

func (uc *ExtractorUseCase) Extract(ctx context.Context, file *entity.File) (entity.ExtractedMetadata, error) {
	info, err := uc.storage.Stat(ctx, file.StorageKey)
	if err != nil {
		return entity.ExtractedMetadata{}, fmt.Errorf("ExtractorUseCase - Extract - uc.storage.Stat: %w", err)
	}

	hash, err := uc.hash(ctx, file.StorageKey)
	if err != nil {
		return entity.ExtractedMetadata{}, fmt.Errorf("ExtractorUseCase - Extract: %w", err)
	}

	compressedKey := digest.CompressedKey(file.StorageKey)

	written, err := uc.compress(ctx, file.StorageKey, compressedKey)
	if err != nil {
		return entity.ExtractedMetadata{}, fmt.Errorf("ExtractorUseCase - Extract: %w", err)
	}

	name := file.OriginalFilename
	if name == "" {
		name = file.StorageKey
	}

	return digest.ComposeMetadata(digest.MetadataInput{
		Hash:           hash,
		OriginalSize:   info.Size,
		CompressedSize: written,
		Filename:       name,
		LastModified:   info.ModTime,
		CompressedKey:  compressedKey,
		Now:            uc.now(),
	}), nil
}

func (uc *ExtractorUseCase) hash(ctx context.Context, key string) (string, error) {
	src, err := uc.storage.Open(ctx, key)
	if err != nil {
		return "", fmt.Errorf("hash - uc.storage.Open: %w", err)
	}
	defer src.Close()

	h, err := digest.ComputeHash(src)
	if err != nil {
		return "", fmt.Errorf("hash - digest.ComputeHash: %w", err)
	}

	return h, nil
}

// compress returns the size of the committed artifact.
func (uc *ExtractorUseCase) compress(ctx context.Context, key, dstKey string) (int64, error) {
	src, err := uc.storage.Open(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("compress - uc.storage.Open: %w", err)
	}
	defer src.Close()

	dst, err := uc.storage.Create(ctx, dstKey, _gzipContentType)
	if err != nil {
		return 0, fmt.Errorf("compress - uc.storage.Create: %w", err)
	}

	_, written, err := digest.Compress(dst, src)
	if err != nil {
		_ = dst.Abort()
		return 0, fmt.Errorf("compress - digest.Compress: %w", err)
	}

	err = dst.Commit(ctx)
	if err != nil {
		return 0, fmt.Errorf("compress - dst.Commit: %w", err)
	}

	return written, nil
}
