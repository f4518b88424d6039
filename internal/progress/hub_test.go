package progress_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/event"
	"github.com/lumen-gallery/lumen/internal/job"
	"github.com/lumen-gallery/lumen/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryJobStore struct {
	mutex sync.Mutex
	jobs  map[uuid.UUID]job.Job
}

func newMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{jobs: make(map[uuid.UUID]job.Job)}
}

func (store *memoryJobStore) put(stored job.Job) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.jobs[stored.ID] = stored
}

func (store *memoryJobStore) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	found, ok := store.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}

	return &found, nil
}

type hubHarness struct {
	hub      *progress.Hub
	store    *memoryJobStore
	eventBus event.EventCoordinator
}

func startHub(t *testing.T) *hubHarness {
	harness := &hubHarness{
		store:    newMemoryJobStore(),
		eventBus: event.New(),
	}
	harness.hub = progress.NewHub(progress.Config{HeartbeatSeconds: 1, RetentionMinutes: 5}, harness.store, harness.eventBus)

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.NoError(t, harness.hub.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	// Give the hub a moment to mark itself running.
	time.Sleep(10 * time.Millisecond)
	return harness
}

func processingJob(id uuid.UUID) job.Job {
	now := time.Now().UTC()
	return job.Job{
		ID:        id,
		Status:    job.StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
		Progress:  job.Progress{Processed: 0, Total: 2},
	}
}

func awaitEvent(t *testing.T, messages <-chan progress.Message, expected string) progress.Message {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case message, ok := <-messages:
			require.True(t, ok, "subscriber channel closed while waiting for '%s' event", expected)
			if message.Event == "heartbeat" && expected != "heartbeat" {
				continue
			}

			require.Equal(t, expected, message.Event)
			return message
		case <-deadline:
			t.Fatalf("timed out waiting for '%s' event", expected)
		}
	}
}

func Test_Subscribe_UnknownJobIsRejected(t *testing.T) {
	harness := startHub(t)

	_, _, err := harness.hub.Subscribe(context.Background(), uuid.New())
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func Test_Subscribe_ReceivesConnectedThenProgress(t *testing.T) {
	harness := startHub(t)

	tracked := processingJob(uuid.New())
	harness.store.put(tracked)

	messages, unsubscribe, err := harness.hub.Subscribe(context.Background(), tracked.ID)
	require.NoError(t, err)
	defer unsubscribe()

	connected := awaitEvent(t, messages, "connected")
	assert.JSONEq(t, `{"jobId":"`+tracked.ID.String()+`"}`, string(connected.Data))

	tracked.Progress.Processed = 1
	harness.store.put(tracked)
	harness.eventBus.Dispatch(event.JOB_PROGRESS, tracked.ID)

	update := awaitEvent(t, messages, "progress")

	var body struct {
		Status   job.Status `json:"status"`
		Progress struct {
			Processed int `json:"processed"`
			Total     int `json:"total"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(update.Data, &body))
	assert.Equal(t, job.StatusProcessing, body.Status)
	assert.Equal(t, 1, body.Progress.Processed)
	assert.Equal(t, 2, body.Progress.Total)
}

func Test_Subscribe_CompletionEventCarriesOutcome(t *testing.T) {
	harness := startHub(t)

	tracked := processingJob(uuid.New())
	harness.store.put(tracked)

	messages, unsubscribe, err := harness.hub.Subscribe(context.Background(), tracked.ID)
	require.NoError(t, err)
	defer unsubscribe()
	awaitEvent(t, messages, "connected")

	tracked.Status = job.StatusPartial
	tracked.Progress.Processed = 2
	tracked.Results = []job.UploadResult{{OriginalName: "a.jpg", ObjectKey: "holiday/a.avif"}}
	tracked.Errors = []job.FileError{{Filename: "b.jpg", Error: "conversion request failure (HTTP 500): boom"}}
	harness.store.put(tracked)
	harness.eventBus.Dispatch(event.JOB_COMPLETE, tracked.ID)

	complete := awaitEvent(t, messages, "complete")

	var body struct {
		Status  string `json:"status"`
		Results struct {
			Uploaded int `json:"uploaded"`
			Failed   int `json:"failed"`
		} `json:"results"`
		Errors []job.FileError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(complete.Data, &body))
	assert.Equal(t, "partial", body.Status)
	assert.Equal(t, 1, body.Results.Uploaded)
	assert.Equal(t, 1, body.Results.Failed)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "b.jpg", body.Errors[0].Filename)
}

func Test_Subscribe_AfterCompletionReceivesConnectedOnly(t *testing.T) {
	harness := startHub(t)

	finished := processingJob(uuid.New())
	finished.Status = job.StatusCompleted
	finished.Results = []job.UploadResult{{OriginalName: "a.jpg"}}
	harness.store.put(finished)

	messages, unsubscribe, err := harness.hub.Subscribe(context.Background(), finished.ID)
	require.NoError(t, err)
	defer unsubscribe()

	awaitEvent(t, messages, "connected")

	// The job was already terminal when the subscription arrived, so no
	// completion replay and no heartbeats (interval is 1s here) may
	// follow the connected event.
	select {
	case message, ok := <-messages:
		if !ok {
			t.Fatal("subscriber channel closed while within the retention period")
		}
		t.Fatalf("received unexpected '%s' event after connecting to a terminal job", message.Event)
	case <-time.After(1500 * time.Millisecond):
	}
}

func Test_Subscribe_DuringCompletionBroadcastStillReceivesFinalStatus(t *testing.T) {
	harness := startHub(t)

	tracked := processingJob(uuid.New())
	harness.store.put(tracked)

	// Completion is broadcast before anyone subscribes, while the job
	// record still reads as processing. A subscription whose record read
	// raced the broadcast this way must still get the final status.
	harness.eventBus.Dispatch(event.JOB_COMPLETE, tracked.ID)
	time.Sleep(100 * time.Millisecond)

	messages, unsubscribe, err := harness.hub.Subscribe(context.Background(), tracked.ID)
	require.NoError(t, err)
	defer unsubscribe()

	awaitEvent(t, messages, "connected")
	awaitEvent(t, messages, "complete")
}

func Test_Subscribe_HeartbeatsArriveWhileProcessing(t *testing.T) {
	harness := startHub(t)

	tracked := processingJob(uuid.New())
	harness.store.put(tracked)

	messages, unsubscribe, err := harness.hub.Subscribe(context.Background(), tracked.ID)
	require.NoError(t, err)
	defer unsubscribe()

	awaitEvent(t, messages, "connected")
	awaitEvent(t, messages, "heartbeat")
}

func Test_Unsubscribe_ClosesSubscriberChannel(t *testing.T) {
	harness := startHub(t)

	tracked := processingJob(uuid.New())
	harness.store.put(tracked)

	messages, unsubscribe, err := harness.hub.Subscribe(context.Background(), tracked.ID)
	require.NoError(t, err)

	awaitEvent(t, messages, "connected")
	unsubscribe()

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		select {
		case _, ok := <-messages:
			assert.False(c, ok, "expected the subscriber channel to be closed")
		default:
			assert.Fail(c, "subscriber channel is still open")
		}
	}, time.Second, 10*time.Millisecond)
}
