package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/event"
	"github.com/lumen-gallery/lumen/internal/http/websocket"
	"github.com/lumen-gallery/lumen/internal/job"
	"github.com/lumen-gallery/lumen/pkg/logger"
)

const (
	TITLE_JOB_UPDATE   = "JOB_UPDATE"
	TITLE_JOB_PROGRESS = "JOB_PROGRESS"
	TITLE_JOB_COMPLETE = "JOB_COMPLETE"
)

type (
	// JobDto is the activity-stream representation of a job. The file
	// payloads are never included; only the batch bookkeeping is.
	JobDto struct {
		ID         uuid.UUID          `json:"id"`
		Status     job.Status         `json:"status"`
		Bucket     string             `json:"bucket"`
		FolderPath string             `json:"folderPath"`
		Progress   job.Progress       `json:"progress"`
		Results    []job.UploadResult `json:"results"`
		Errors     []job.FileError    `json:"errors"`
		CreatedAt  time.Time          `json:"createdAt"`
		UpdatedAt  time.Time          `json:"updatedAt"`
	}

	JobService interface {
		Job(ctx context.Context, id uuid.UUID) (*job.Job, error)
	}

	// broadcaster pushes job lifecycle activity from the event bus out to
	// every connected websocket client.
	broadcaster struct {
		socketHub  *websocket.SocketHub
		jobService JobService
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, jobService JobService, eventBus event.EventHandler) *broadcaster {
	hub := &broadcaster{socketHub: socketHub, jobService: jobService}

	eventBus.RegisterAsyncHandlerFunction(event.JOB_UPDATE, hub.handleActivity)
	eventBus.RegisterAsyncHandlerFunction(event.JOB_PROGRESS, hub.handleActivity)
	eventBus.RegisterAsyncHandlerFunction(event.JOB_COMPLETE, hub.handleActivity)

	return hub
}

func (hub *broadcaster) handleActivity(activity event.Event, payload event.Payload) {
	jobID, ok := payload.(uuid.UUID)
	if !ok {
		log.Emit(logger.ERROR, "Discarding %s activity with non-UUID payload\n", activity)
		return
	}

	found, err := hub.jobService.Job(context.Background(), jobID)
	if err != nil {
		log.Emit(logger.WARNING, "Cannot broadcast %s for job %s: %s\n", activity, jobID, err.Error())
		return
	}

	hub.broadcast(titleFor(activity), NewJobDto(found))
}

// BindCommands attaches the read-only commands clients may issue over
// the activity socket.
func (hub *broadcaster) BindCommands(socket *websocket.SocketHub) {
	socket.BindCommand("JOB_STATUS", hub.wsJobStatus)
}

// wsJobStatus replies to the requesting client with the current state
// of the job named by the 'id' argument.
func (hub *broadcaster) wsJobStatus(socket *websocket.SocketHub, message *websocket.SocketMessage) error {
	if err := message.ValidateArguments(map[string]string{"id": "string"}); err != nil {
		return err
	}

	jobID, err := uuid.Parse(message.Body["id"].(string))
	if err != nil {
		return errors.New("failed to fetch job status - provided ID is not a valid UUID")
	}

	found, err := hub.jobService.Job(context.Background(), jobID)
	if err != nil {
		return err
	}

	socket.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": NewJobDto(found)}, websocket.Response))
	return nil
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
		Type:  websocket.Update,
	})
}

func titleFor(activity event.Event) string {
	switch activity {
	case event.JOB_PROGRESS:
		return TITLE_JOB_PROGRESS
	case event.JOB_COMPLETE:
		return TITLE_JOB_COMPLETE
	default:
		return TITLE_JOB_UPDATE
	}
}

// NewJobDto creates a JobDto from the job model.
func NewJobDto(model *job.Job) JobDto {
	return JobDto{
		ID:         model.ID,
		Status:     model.Status,
		Bucket:     model.Bucket,
		FolderPath: model.FolderPath,
		Progress:   model.Progress,
		Results:    model.Results,
		Errors:     model.Errors,
		CreatedAt:  model.CreatedAt,
		UpdatedAt:  model.UpdatedAt,
	}
}
