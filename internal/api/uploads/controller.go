package uploads

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/job"
	"github.com/labstack/echo/v4"
)

type (
	// AcceptedDto is the immediate acknowledgement returned to the
	// uploader; processing continues asynchronously under the job id.
	AcceptedDto struct {
		JobID         uuid.UUID `json:"jobId"`
		FilesReceived int       `json:"filesReceived"`
		Status        string    `json:"status"`
	}

	ResponseEnvelope struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data,omitempty"`
		Error   string      `json:"error,omitempty"`
	}

	UploadService interface {
		Submit(ctx context.Context, files []job.FileRef, bucket string, folderPath string) (uuid.UUID, error)
	}

	// Controller defines the route for batch upload submission. It holds
	// a reference to the job service which performs the actual work.
	Controller struct {
		validate *validator.Validate
		service  UploadService
	}
)

func New(validate *validator.Validate, service UploadService) *Controller {
	return &Controller{validate: validate, service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/:bucket/upload", controller.upload)
}

// upload accepts a multipart batch ('files' parts plus an optional
// 'folderPath' field) and submits it for asynchronous processing. The
// response carries the job id which can be used to follow progress.
func (controller *Controller) upload(ec echo.Context) error {
	bucket := ec.Param("bucket")
	if err := controller.validate.Var(bucket, "required,hostname_rfc1123"); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Bucket name '%s' is not valid", bucket))
	}

	form, err := ec.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Multipart form illegal: %v", err))
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["files[]"]
	}

	files := make([]job.FileRef, 0, len(headers))
	for _, header := range headers {
		ref, err := readFile(header)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Failed to read file '%s': %v", header.Filename, err))
		}

		files = append(files, *ref)
	}

	folderPath := ec.FormValue("folderPath")
	jobID, err := controller.service.Submit(ec.Request().Context(), files, bucket, folderPath)
	if err != nil {
		if err == job.ErrNoFiles {
			return echo.NewHTTPError(http.StatusBadRequest, "No files were provided")
		}

		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusAccepted, ResponseEnvelope{
		Success: true,
		Data: AcceptedDto{
			JobID:         jobID,
			FilesReceived: len(files),
			Status:        "processing",
		},
	})
}

func readFile(header *multipart.FileHeader) (*job.FileRef, error) {
	source, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer source.Close()

	data, err := io.ReadAll(source)
	if err != nil {
		return nil, err
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}

	return &job.FileRef{
		Name:     header.Filename,
		MimeType: mimeType,
		Size:     header.Size,
		Data:     data,
	}, nil
}
