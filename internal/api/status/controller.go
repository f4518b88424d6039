package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/job"
	"github.com/lumen-gallery/lumen/internal/progress"
	"github.com/labstack/echo/v4"
)

type (
	ProgressHub interface {
		Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan progress.Message, func(), error)
	}

	// Controller exposes per-job progress as a Server-Sent-Events
	// stream backed by the progress hub.
	Controller struct {
		hub ProgressHub
	}
)

func New(hub ProgressHub) *Controller {
	return &Controller{hub: hub}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/processing-status/:jobId", controller.stream)
}

// stream subscribes the caller to one job's lifecycle events and
// relays them as SSE messages until the subscription closes or the
// client disconnects.
func (controller *Controller) stream(ec echo.Context) error {
	jobID, err := uuid.Parse(ec.Param("jobId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	messages, unsubscribe, err := controller.hub.Subscribe(ec.Request().Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "No job with that ID could be found")
		}

		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer unsubscribe()

	response := ec.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set("Cache-Control", "no-cache")
	response.Header().Set("Connection", "keep-alive")
	response.WriteHeader(http.StatusOK)
	response.Flush()

	clientGone := ec.Request().Context().Done()
	for {
		select {
		case message, ok := <-messages:
			if !ok {
				return nil
			}

			if err := writeEvent(response, message); err != nil {
				return nil
			}
			response.Flush()
		case <-clientGone:
			return nil
		}
	}
}

// writeEvent frames one hub message as an SSE data line, folding the
// event name and a timestamp in to the JSON body.
func writeEvent(response *echo.Response, message progress.Message) error {
	body := make(map[string]any)
	if len(message.Data) > 0 {
		if err := json.Unmarshal(message.Data, &body); err != nil {
			body = make(map[string]any)
		}
	}
	body["type"] = message.Event
	body["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(response, "data: %s\n\n", payload)
	return err
}
