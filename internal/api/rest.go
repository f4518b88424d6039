package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lumen-gallery/lumen/internal/api/objects"
	"github.com/lumen-gallery/lumen/internal/api/status"
	"github.com/lumen-gallery/lumen/internal/api/uploads"
	"github.com/lumen-gallery/lumen/internal/event"
	"github.com/lumen-gallery/lumen/internal/http/websocket"
	"github.com/lumen-gallery/lumen/pkg/logger"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr    string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
		MaxBodySize string `yaml:"max_body_size" env:"API_MAX_BODY_SIZE" env-default:"256M"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	converterHealth interface {
		IsAvailable(ctx context.Context) bool
	}

	// ingestionService is a union of the controller-facing surfaces of
	// the job service.
	ingestionService interface {
		uploads.UploadService
		JobService
	}

	// The RestGateway is a thin wrapper around the Echo HTTP router. Its
	// sole responsibility is to create the routes Lumen exposes, and to
	// manage ongoing websocket connections for the activity stream.
	RestGateway struct {
		*broadcaster
		config            *RestConfig
		ec                *echo.Echo
		socket            *websocket.SocketHub
		converter         converterHealth
		uploadsController controller
		objectsController controller
		statusController  controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all
// the routes defined by the various controllers.
func NewRestGateway(
	config *RestConfig,
	ingestion ingestionService,
	progressHub status.ProgressHub,
	objectStore objects.ObjectStore,
	converter converterHealth,
	eventBus event.EventHandler,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:       newBroadcaster(socket, ingestion, eventBus),
		config:            config,
		ec:                ec,
		socket:            socket,
		converter:         converter,
		uploadsController: uploads.New(validate, ingestion),
		objectsController: objects.New(validate, objectStore),
		statusController:  status.New(progressHub),
	}
	gateway.broadcaster.BindCommands(socket)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Use(middleware.BodyLimit(config.MaxBodySize))

	buckets := ec.Group("/buckets")
	gateway.uploadsController.SetRoutes(buckets)
	gateway.objectsController.SetRoutes(buckets)

	api := ec.Group("/api")
	gateway.statusController.SetRoutes(api)

	ec.GET("/api/activity/ws", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	ec.GET("/api/system/health", gateway.health)

	return gateway
}

// health reports the gateway's view of its external dependencies. The
// conversion service being down degrades, but does not fail, the check
// as verbatim (non-image) uploads still function.
func (gateway *RestGateway) health(ec echo.Context) error {
	converterStatus := "up"
	overall := "ok"
	if !gateway.converter.IsAvailable(ec.Request().Context()) {
		converterStatus = "down"
		overall = "degraded"
	}

	return ec.JSON(http.StatusOK, map[string]string{
		"status":    overall,
		"converter": converterStatus,
	})
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
