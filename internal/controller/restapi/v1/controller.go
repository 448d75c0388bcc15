package v1

import (
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
)

type V1 struct {
	files  usecase.FileUseCase
	logger logger.Interface

	maxUploadSize int64
}
