package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/event"
	"github.com/lumen-gallery/lumen/internal/job"
	"github.com/lumen-gallery/lumen/pkg/logger"
)

var log = logger.Get("Progress")

// subscriberBufferSize bounds each subscriber's outbound queue. A
// subscriber that cannot keep up is removed rather than allowed to
// block the hub's broadcast loop.
const subscriberBufferSize = 16

type (
	jobStore interface {
		Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
	}

	Config struct {
		HeartbeatSeconds int `yaml:"heartbeat_seconds" env:"PROGRESS_HEARTBEAT_SECONDS" env-default:"30"`

		// How long completed jobs retain their subscriber channels before
		// they are closed out.
		RetentionMinutes int `yaml:"retention_minutes" env:"PROGRESS_RETENTION_MINUTES" env-default:"5"`
	}

	// Message is one server-sent event destined for a subscriber. Data is
	// the pre-marshalled JSON body for the event.
	Message struct {
		Event string
		Data  json.RawMessage
	}

	subscriber struct {
		jobID    uuid.UUID
		messages chan Message
	}

	// completedJob records a job known to be terminal: when its subscriber
	// list will be closed out, and the final event body that was broadcast
	// (nil when the job was already terminal before any broadcast).
	completedJob struct {
		deadline  time.Time
		finalBody json.RawMessage
	}

	// Hub fans job lifecycle activity out to per-job subscribers over
	// buffered channels, suitable for bridging on to an SSE response. All
	// subscriber state is owned by the Run loop's goroutine plus the hub
	// mutex; completed jobs retain their subscribers for a grace period
	// before their channels are closed.
	Hub struct {
		*sync.Mutex

		config      Config
		store       jobStore
		subscribers map[uuid.UUID][]*subscriber
		completed   map[uuid.UUID]completedJob
		busChannel  event.HandlerChannel
		running     bool
	}
)

func NewHub(config Config, store jobStore, eventBus event.EventHandler) *Hub {
	hub := &Hub{
		Mutex:       &sync.Mutex{},
		config:      config,
		store:       store,
		subscribers: make(map[uuid.UUID][]*subscriber),
		completed:   make(map[uuid.UUID]completedJob),
		busChannel:  make(event.HandlerChannel, 128),
	}

	eventBus.RegisterHandlerChannel(hub.busChannel, event.JOB_UPDATE, event.JOB_PROGRESS, event.JOB_COMPLETE)
	return hub
}

// Run consumes job activity from the event bus and fans it out to
// subscribers until the provided context is cancelled. On shutdown a
// final event is broadcast to all remaining subscribers before their
// channels are closed.
func (hub *Hub) Run(ctx context.Context) error {
	hub.Lock()
	hub.running = true
	hub.Unlock()

	heartbeatInterval := time.Duration(hub.config.HeartbeatSeconds) * time.Second
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	retentionSweep := time.NewTicker(time.Minute)
	defer retentionSweep.Stop()

	for {
		select {
		case message := <-hub.busChannel:
			jobID, ok := message.Payload.(uuid.UUID)
			if !ok {
				log.Emit(logger.ERROR, "Discarding %s event with non-UUID payload\n", message.Event)
				continue
			}

			hub.handleJobActivity(ctx, message.Event, jobID)
		case <-heartbeat.C:
			hub.broadcastHeartbeat()
		case <-retentionSweep.C:
			hub.expireCompleted()
		case <-ctx.Done():
			hub.shutdown()
			return nil
		}
	}
}

// Subscribe registers interest in one job's progress. The returned
// channel carries events until the job's retention period lapses, the
// hub shuts down, or the unsubscribe function is called. A 'connected'
// event is delivered immediately. A job that was already terminal when
// the subscription arrived yields no further lifecycle events; a job
// whose completion broadcast raced the subscription still has its final
// status delivered exactly once.
func (hub *Hub) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan Message, func(), error) {
	found, err := hub.store.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{jobID: jobID, messages: make(chan Message, subscriberBufferSize)}

	hub.Lock()
	defer hub.Unlock()

	if !hub.running {
		return nil, nil, context.Canceled
	}
	hub.subscribers[jobID] = append(hub.subscribers[jobID], sub)

	record, broadcastSeen := hub.completed[jobID]
	if found.IsTerminal() && !broadcastSeen {
		// Late subscriber to an already-terminal job: mark it completed so
		// no heartbeats are sent and retention closes the list, but replay
		// no lifecycle events.
		hub.completed[jobID] = completedJob{deadline: time.Now().Add(hub.retention())}
	}

	sub.trySend(Message{Event: "connected", Data: mustMarshal(map[string]string{"jobId": jobID.String()})})
	if !found.IsTerminal() && broadcastSeen {
		// The job completed between the record read and registration, so
		// the broadcast was missed. Deliver the stored final event.
		sub.trySend(Message{Event: "complete", Data: record.finalBody})
	}

	unsubscribe := func() { hub.removeSubscriber(sub) }
	return sub.messages, unsubscribe, nil
}

// handleJobActivity translates one bus event in to subscriber messages.
func (hub *Hub) handleJobActivity(ctx context.Context, activity event.Event, jobID uuid.UUID) {
	found, err := hub.store.Get(ctx, jobID)
	if err != nil {
		log.Emit(logger.WARNING, "Cannot relay %s for job %s: %s\n", activity, jobID, err.Error())
		return
	}

	switch activity {
	case event.JOB_UPDATE, event.JOB_PROGRESS:
		hub.broadcast(jobID, Message{Event: "progress", Data: progressBody(found)})
	case event.JOB_COMPLETE:
		body := completionBody(found)
		hub.broadcast(jobID, Message{Event: "complete", Data: body})

		hub.Lock()
		hub.completed[jobID] = completedJob{deadline: time.Now().Add(hub.retention()), finalBody: body}
		hub.Unlock()
	}
}

func (hub *Hub) retention() time.Duration {
	retention := time.Duration(hub.config.RetentionMinutes) * time.Minute
	if retention <= 0 {
		retention = 5 * time.Minute
	}

	return retention
}

func (hub *Hub) broadcast(jobID uuid.UUID, message Message) {
	hub.Lock()
	defer hub.Unlock()

	survivors := hub.subscribers[jobID][:0]
	for _, sub := range hub.subscribers[jobID] {
		if sub.trySend(message) {
			survivors = append(survivors, sub)
		} else {
			log.Emit(logger.WARNING, "Dropping stalled subscriber for job %s\n", jobID)
			close(sub.messages)
		}
	}

	if len(survivors) == 0 {
		delete(hub.subscribers, jobID)
	} else {
		hub.subscribers[jobID] = survivors
	}
}

// broadcastHeartbeat keeps intermediary proxies from reaping idle
// connections while a job is still being processed. Jobs known to be
// terminal are excluded; their streams carry no further lifecycle events.
func (hub *Hub) broadcastHeartbeat() {
	hub.Lock()
	defer hub.Unlock()

	body := mustMarshal(map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)})
	for jobID, subs := range hub.subscribers {
		if _, done := hub.completed[jobID]; done {
			continue
		}

		for _, sub := range subs {
			sub.trySend(Message{Event: "heartbeat", Data: body})
		}
	}
}

// expireCompleted closes out subscriber lists for jobs whose retention
// period has lapsed.
func (hub *Hub) expireCompleted() {
	hub.Lock()
	defer hub.Unlock()

	now := time.Now()
	for jobID, record := range hub.completed {
		if now.Before(record.deadline) {
			continue
		}

		for _, sub := range hub.subscribers[jobID] {
			close(sub.messages)
		}
		delete(hub.subscribers, jobID)
		delete(hub.completed, jobID)
	}
}

func (hub *Hub) shutdown() {
	hub.Lock()
	defer hub.Unlock()

	hub.running = false
	body := mustMarshal(map[string]string{"reason": "server shutting down"})
	for jobID, subs := range hub.subscribers {
		for _, sub := range subs {
			sub.trySend(Message{Event: "shutdown", Data: body})
			close(sub.messages)
		}
		delete(hub.subscribers, jobID)
	}
}

func (hub *Hub) removeSubscriber(target *subscriber) {
	hub.Lock()
	defer hub.Unlock()

	subs := hub.subscribers[target.jobID]
	for i, sub := range subs {
		if sub != target {
			continue
		}

		hub.subscribers[target.jobID] = append(subs[:i], subs[i+1:]...)
		close(sub.messages)
		break
	}

	if len(hub.subscribers[target.jobID]) == 0 {
		delete(hub.subscribers, target.jobID)
	}
}

// trySend delivers without blocking; a full buffer reports failure so
// the caller can evict the stalled subscriber.
func (sub *subscriber) trySend(message Message) bool {
	select {
	case sub.messages <- message:
		return true
	default:
		return false
	}
}

func progressBody(found *job.Job) json.RawMessage {
	return mustMarshal(map[string]any{
		"status": found.Status,
		"progress": map[string]int{
			"processed": found.Progress.Processed,
			"total":     found.Progress.Total,
		},
	})
}

// completionBody is the final event payload: an overall outcome plus
// upload/failure tallies and, when present, the per-file errors.
func completionBody(found *job.Job) json.RawMessage {
	body := map[string]any{
		"status": outcome(found.Status),
		"results": map[string]any{
			"uploaded":       len(found.Results),
			"failed":         len(found.Errors),
			"processingTime": found.UpdatedAt.Sub(found.CreatedAt).Round(time.Millisecond).String(),
		},
	}
	if len(found.Errors) > 0 {
		body["errors"] = found.Errors
	}

	return mustMarshal(body)
}

func outcome(status job.Status) string {
	switch status {
	case job.StatusCompleted:
		return "success"
	case job.StatusPartial:
		return "partial"
	default:
		return "failed"
	}
}

func mustMarshal(body any) json.RawMessage {
	payload, err := json.Marshal(body)
	if err != nil {
		// All bodies are maps of primitives, so this cannot fail.
		return json.RawMessage(`{}`)
	}

	return payload
}
