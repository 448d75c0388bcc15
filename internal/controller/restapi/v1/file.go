package v1

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/andreyxaxa/File-Processor/internal/controller/restapi/v1/response"
	"github.com/andreyxaxa/File-Processor/internal/controller/restapi/v1/validate"
	"github.com/andreyxaxa/File-Processor/internal/usecase"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const localsUserID = "user_id"

func (r *V1) requireUser(ctx *fiber.Ctx) error {
	userID := strings.TrimSpace(ctx.Get(HeaderUserID))
	if userID == "" {
		return errorResponse(ctx, http.StatusUnauthorized, "missing "+HeaderUserID+" header")
	}

	ctx.Locals(localsUserID, userID)

	return ctx.Next()
}

func userID(ctx *fiber.Ctx) string {
	id, _ := ctx.Locals(localsUserID).(string)

	return id
}

// @Summary  	Upload file
// @Description Stores the file, creates a processing job and queues it
// @Tags 		files
// @Accept 		mpfd
// @Produce 	json
// @Param 		X-User-ID   header   string true  "Owner id"
// @Param 		file 	    formData file   true  "File"
// @Param 		title 	    formData string false "Title (defaults to the file name)"
// @Param 		description formData string false "Description"
// @Success 	201 {object} response.Submit
// @Failure 	400 {object} response.Error "No file or wrong parameters"
// @Failure 	413 {object} response.Error "File too large"
// @Failure 	415 {object} response.Error "Unsupported format"
// @Failure 	500 {object} response.Error "Internal"
// @Router 		/v1/files [post]
func (r *V1) submitFile(ctx *fiber.Ctx) error {
	file, err := ctx.FormFile("file")
	if err != nil {
		return errorResponse(ctx, http.StatusBadRequest, "no file uploaded")
	}

	// 1. валидация размера
	if r.maxUploadSize > 0 && file.Size > r.maxUploadSize {
		return errorResponse(ctx, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file size cant be more than %d bytes", r.maxUploadSize))
	}

	// 2. валидация content type
	contentType := file.Header.Get("Content-Type")
	if !validate.AllowedContentTypes[contentType] {
		return errorResponse(ctx, http.StatusUnsupportedMediaType, "file type not allowed: "+contentType)
	}

	// 3. валидация имени и текстовых полей
	if file.Filename == "" || len(file.Filename) > validate.MaxFilenameLen {
		return errorResponse(ctx, http.StatusBadRequest,
			fmt.Sprintf("file name length must be between 1 and %d", validate.MaxFilenameLen))
	}

	title := strings.TrimSpace(ctx.FormValue("title"))
	if title == "" {
		title = file.Filename
	}
	if len(title) > validate.MaxTitleLen {
		return errorResponse(ctx, http.StatusBadRequest,
			fmt.Sprintf("title cant be longer than %d", validate.MaxTitleLen))
	}

	var description *string
	if d := strings.TrimSpace(ctx.FormValue("description")); d != "" {
		if len(d) > validate.MaxDescriptionLen {
			return errorResponse(ctx, http.StatusBadRequest,
				fmt.Sprintf("description cant be longer than %d", validate.MaxDescriptionLen))
		}
		description = &d
	}

	// 4. открытие файла
	fileReader, err := file.Open()
	if err != nil {
		r.logger.Error(err, "restapi - v1 - submitFile")

		return errorResponse(ctx, http.StatusInternalServerError, "problems with opening the file")
	}
	defer fileReader.Close()

	// 5. сохраняем и ставим в очередь
	f, job, err := r.files.Submit(ctx.UserContext(), usecase.Upload{
		OwnerID:      userID(ctx),
		OriginalName: file.Filename,
		ContentType:  contentType,
		Size:         file.Size,
		Data:         fileReader,
		Title:        &title,
		Description:  description,
	})
	if err != nil {
		return r.usecaseError(ctx, err, "submitFile")
	}

	// 6. ответ
	return ctx.Status(http.StatusCreated).JSON(response.Submit{
		FileID: f.ID.String(),
		JobID:  job.ID.String(),
		Status: string(f.Status),
	})
}

// @Summary 	Get file
// @Description Returns the file record, its extracted metadata and jobs
// @Tags 		files
// @Produce 	json
// @Param 		X-User-ID header string true "Owner id"
// @Param 		id path string true "File ID(uuid)"
// @Success 	200 {object} response.File
// @Failure 	400 {object} response.Error "Invalid ID"
// @Failure 	403 {object} response.Error "Access denied"
// @Failure 	404 {object} response.Error "File not found"
// @Failure 	500 {object} response.Error "Internal"
// @Router 		/v1/files/{id} [get]
func (r *V1) getFile(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return errorResponse(ctx, http.StatusBadRequest, "invalid id")
	}

	f, err := r.files.Get(ctx.UserContext(), userID(ctx), id)
	if err != nil {
		return r.usecaseError(ctx, err, "getFile")
	}

	return ctx.JSON(response.NewFile(f))
}

// @Summary 	List files
// @Description Returns the caller's files, newest first
// @Tags 		files
// @Produce 	json
// @Param 		X-User-ID header string true  "Owner id"
// @Param 		page  query int false "Page, starting at 1"
// @Param 		limit query int false "Page size"
// @Success 	200 {object} response.FileList
// @Failure 	400 {object} response.Error "Wrong parameters"
// @Failure 	500 {object} response.Error "Internal"
// @Router 		/v1/files [get]
func (r *V1) listFiles(ctx *fiber.Ctx) error {
	page, err := queryInt(ctx, "page")
	if err != nil {
		return errorResponse(ctx, http.StatusBadRequest, "page must be a number")
	}

	limit, err := queryInt(ctx, "limit")
	if err != nil {
		return errorResponse(ctx, http.StatusBadRequest, "limit must be a number")
	}

	res, err := r.files.List(ctx.UserContext(), userID(ctx), page, limit)
	if err != nil {
		return r.usecaseError(ctx, err, "listFiles")
	}

	list := response.FileList{
		Files: make([]response.File, 0, len(res.Files)),
		Pagination: response.Pagination{
			TotalItems:   res.Total,
			CurrentPage:  res.Page,
			ItemsPerPage: res.Limit,
		},
	}
	if res.Limit > 0 {
		list.Pagination.TotalPages = (res.Total + res.Limit - 1) / res.Limit
	}
	for _, f := range res.Files {
		list.Files = append(list.Files, response.NewFile(f))
	}

	return ctx.JSON(list)
}

// @Summary 	Reprocess file
// @Description Creates a new processing job for a failed file
// @Tags 		files
// @Produce 	json
// @Param 		X-User-ID header string true "Owner id"
// @Param 		id path string true "File ID(uuid)"
// @Success 	202 {object} response.Job
// @Failure 	400 {object} response.Error "Invalid ID"
// @Failure 	403 {object} response.Error "Access denied"
// @Failure 	404 {object} response.Error "File not found"
// @Failure 	409 {object} response.Error "File is not failed or already has an active job"
// @Failure 	500 {object} response.Error "Internal"
// @Router 		/v1/files/{id}/reprocess [post]
func (r *V1) reprocessFile(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return errorResponse(ctx, http.StatusBadRequest, "invalid id")
	}

	job, err := r.files.Reprocess(ctx.UserContext(), userID(ctx), id)
	if err != nil {
		return r.usecaseError(ctx, err, "reprocessFile")
	}

	return ctx.Status(http.StatusAccepted).JSON(response.NewJob(job))
}

// queryInt returns 0 for an absent parameter so the use case applies its default.
func queryInt(ctx *fiber.Ctx, key string) (int, error) {
	v := ctx.Query(key)
	if v == "" {
		return 0, nil
	}

	return strconv.Atoi(v)
}
