package v1

import (
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
	"github.com/gofiber/fiber/v2"
)

// HeaderUserID carries the caller identity set by the upstream gateway.
const HeaderUserID = "X-User-ID"

func NewFileRoutes(apiV1Group fiber.Router, files usecase.FileUseCase, l logger.Interface, maxUploadSize int64) {
	r := &V1{files: files, logger: l, maxUploadSize: maxUploadSize}

	filesGroup := apiV1Group.Group("/files", r.requireUser)
	{
		filesGroup.Post("/", r.submitFile)
		filesGroup.Get("/", r.listFiles)
		filesGroup.Get("/:id", r.getFile)
		filesGroup.Post("/:id/reprocess", r.reprocessFile)
	}
}
