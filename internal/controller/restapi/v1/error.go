package v1

import (
	"errors"
	"net/http"

	"github.com/andreyxaxa/File-Processor/internal/controller/restapi/v1/response"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/gofiber/fiber/v2"
)

func errorResponse(ctx *fiber.Ctx, code int, msg string) error {
	return ctx.Status(code).JSON(response.Error{Error: msg})
}

// usecaseError maps a use-case error to a response. Unknown errors are
// logged and hidden behind a 500.
func (r *V1) usecaseError(ctx *fiber.Ctx, err error, op string) error {
	switch {
	case errors.Is(err, errs.ErrFileNotFound):
		return errorResponse(ctx, http.StatusNotFound, "file not found")
	case errors.Is(err, errs.ErrForbidden):
		return errorResponse(ctx, http.StatusForbidden, "access denied")
	case errors.Is(err, errs.ErrInvalidTransition):
		return errorResponse(ctx, http.StatusConflict, "file cannot be reprocessed in its current state")
	}

	r.logger.Error(err, "restapi - v1 - "+op)

	return errorResponse(ctx, http.StatusInternalServerError, "internal server error")
}
