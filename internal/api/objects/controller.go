package objects

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/lumen-gallery/lumen/internal/api/util"
	"github.com/lumen-gallery/lumen/internal/storage"
)

type (
	// ObjectDto is the response shape used by the listing and stat
	// endpoints.
	ObjectDto struct {
		Key          string            `json:"key"`
		Size         int64             `json:"size"`
		ETag         string            `json:"etag"`
		ContentType  string            `json:"contentType,omitempty"`
		LastModified time.Time         `json:"lastModified"`
		Metadata     map[string]string `json:"metadata,omitempty"`
	}

	ObjectStore interface {
		List(ctx context.Context, bucket string, prefix string) ([]storage.Object, error)
		Stat(ctx context.Context, bucket string, key string) (*storage.Object, error)
		Get(ctx context.Context, bucket string, key string) ([]byte, error)
		Remove(ctx context.Context, bucket string, key string) error
	}

	// Controller exposes read/delete access to stored objects. Writes
	// only ever happen through the upload pipeline.
	Controller struct {
		validate *validator.Validate
		store    ObjectStore
	}
)

func New(validate *validator.Validate, store ObjectStore) *Controller {
	return &Controller{validate: validate, store: store}
}

// SetRoutes accepts the Echo group for the object endpoints and sets
// the routes on them. Object keys may contain path separators, so the
// key is captured by a trailing wildcard rather than a named param.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/:bucket/objects", controller.list)
	eg.GET("/:bucket/objects/*", controller.get)
	eg.DELETE("/:bucket/objects/*", controller.delete)
}

// list returns all objects in the bucket, optionally filtered by the
// 'prefix' query parameter (used to list one folder).
func (controller *Controller) list(ec echo.Context) error {
	bucket, err := controller.bucketParam(ec)
	if err != nil {
		return err
	}

	found, err := controller.store.List(ec.Request().Context(), bucket, ec.QueryParam("prefix"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(found, NewDto))
}

// get returns the metadata of one object, or its raw content when the
// 'content' query parameter is truthy.
func (controller *Controller) get(ec echo.Context) error {
	bucket, err := controller.bucketParam(ec)
	if err != nil {
		return err
	}

	key := ec.Param("*")
	found, err := controller.store.Stat(ec.Request().Context(), bucket, key)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "No object with that key could be found")
	}

	if ec.QueryParam("content") != "true" {
		return ec.JSON(http.StatusOK, NewDto(*found))
	}

	data, err := controller.store.Get(ec.Request().Context(), bucket, key)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	contentType := found.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}

	return ec.Blob(http.StatusOK, contentType, data)
}

func (controller *Controller) delete(ec echo.Context) error {
	bucket, err := controller.bucketParam(ec)
	if err != nil {
		return err
	}

	if err := controller.store.Remove(ec.Request().Context(), bucket, ec.Param("*")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) bucketParam(ec echo.Context) (string, error) {
	bucket := ec.Param("bucket")
	if err := controller.validate.Var(bucket, "required,hostname_rfc1123"); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "Bucket name is not valid")
	}

	return bucket, nil
}

// NewDto creates an ObjectDto from the storage model.
func NewDto(object storage.Object) ObjectDto {
	return ObjectDto{
		Key:          object.Key,
		Size:         object.Size,
		ETag:         object.ETag,
		ContentType:  object.ContentType,
		LastModified: object.LastModified,
		Metadata:     object.Metadata,
	}
}
