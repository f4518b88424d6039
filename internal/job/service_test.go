package job_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/album"
	"github.com/lumen-gallery/lumen/internal/convert"
	"github.com/lumen-gallery/lumen/internal/event"
	"github.com/lumen-gallery/lumen/internal/job"
	"github.com/lumen-gallery/lumen/internal/media"
	"github.com/lumen-gallery/lumen/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	fakeConverter struct {
		available bool
		fail      bool
	}

	putRecord struct {
		bucket      string
		key         string
		data        []byte
		contentType string
		metadata    map[string]string
	}

	recordingObjectStore struct {
		mutex sync.Mutex
		puts  []putRecord
	}

	fakeExtractor struct{}

	recordingMerger struct {
		mutex   sync.Mutex
		entries []album.MediaEntry
	}

	memoryJobStore struct {
		mutex sync.Mutex
		jobs  map[uuid.UUID]job.Job
	}
)

func (conv *fakeConverter) Convert(_ context.Context, buffer []byte, originalName string, _ string) (*convert.ConvertedFile, error) {
	if conv.fail {
		return nil, errors.New("conversion request failure (HTTP 500): boom")
	}

	converted := []byte(base64.StdEncoding.EncodeToString(buffer))
	return &convert.ConvertedFile{
		Data:        converted,
		Size:        int64(len(converted)),
		MimeType:    "image/avif",
		ConvertedBy: convert.DefaultConvertedBy,
	}, nil
}

func (conv *fakeConverter) IsAvailable(_ context.Context) bool { return conv.available }

func (store *recordingObjectStore) Put(_ context.Context, bucket string, key string, data []byte, contentType string, metadata map[string]string) (*storage.Object, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.puts = append(store.puts, putRecord{bucket, key, data, contentType, metadata})
	return &storage.Object{Key: key, Size: int64(len(data)), ETag: fmt.Sprintf("etag-%d", len(store.puts))}, nil
}

func (store *recordingObjectStore) putCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.puts)
}

func (fakeExtractor) Extract(_ context.Context, _ []byte, _ string) *media.Metadata {
	return &media.Metadata{Timestamp: "2024-06-01T12:00:00Z", Address: media.ValueNotFound}
}

func (merger *recordingMerger) Enqueue(_ string, _ string, entry album.MediaEntry) {
	merger.mutex.Lock()
	defer merger.mutex.Unlock()
	merger.entries = append(merger.entries, entry)
}

func (merger *recordingMerger) entryCount() int {
	merger.mutex.Lock()
	defer merger.mutex.Unlock()
	return len(merger.entries)
}

func newMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{jobs: make(map[uuid.UUID]job.Job)}
}

func (store *memoryJobStore) Save(_ context.Context, saved *job.Job) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.jobs[saved.ID] = *saved
	return nil
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

type serviceHarness struct {
	service     *job.Service
	converter   *fakeConverter
	objectStore *recordingObjectStore
	merger      *recordingMerger
	jobStore    *memoryJobStore
	eventBus    event.EventCoordinator
	completions event.HandlerChannel
}

func startService(t *testing.T) *serviceHarness {
	harness := &serviceHarness{
		converter:   &fakeConverter{available: true},
		objectStore: &recordingObjectStore{},
		merger:      &recordingMerger{},
		jobStore:    newMemoryJobStore(),
		eventBus:    event.New(),
		completions: make(event.HandlerChannel, 10),
	}
	harness.eventBus.RegisterHandlerChannel(harness.completions, event.JOB_COMPLETE)

	harness.service = job.New(
		job.Config{JobParallelism: 1},
		harness.converter,
		harness.objectStore,
		fakeExtractor{},
		harness.merger,
		harness.jobStore,
		harness.eventBus,
	)

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.NoError(t, harness.service.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	// Give the service a moment to start its workers.
	time.Sleep(10 * time.Millisecond)
	return harness
}

func jpegFile(name string) job.FileRef {
	return job.FileRef{Name: name, MimeType: "image/jpeg", Size: 4, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
}

func (harness *serviceHarness) awaitTerminal(t *testing.T, id uuid.UUID) *job.Job {
	t.Helper()

	var terminal *job.Job
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		found, err := harness.jobStore.Get(context.Background(), id)
		if !assert.NoError(c, err) {
			return
		}

		if assert.True(c, found.IsTerminal(), "job has not reached a terminal status (currently %s)", found.Status) {
			terminal = found
		}
	}, 2*time.Second, 10*time.Millisecond)

	return terminal
}

func Test_Submit_NoFilesIsRejected(t *testing.T) {
	harness := startService(t)

	_, err := harness.service.Submit(context.Background(), nil, "photos", "holiday")
	assert.ErrorIs(t, err, job.ErrNoFiles)
}

func Test_Submit_AllImagesSucceed(t *testing.T) {
	harness := startService(t)

	files := []job.FileRef{jpegFile("a.jpg"), jpegFile("b.jpg"), jpegFile("c.jpg")}
	id, err := harness.service.Submit(context.Background(), files, "photos", "holiday")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	finished := harness.awaitTerminal(t, id)
	assert.Equal(t, job.StatusCompleted, finished.Status)
	assert.Len(t, finished.Results, 3)
	assert.Empty(t, finished.Errors)
	assert.Equal(t, job.Progress{Processed: 3, Total: 3}, finished.Progress)

	// Converted variants are stored under the target codec's extension,
	// never the original name.
	assert.Equal(t, 3, harness.objectStore.putCount())
	assert.Equal(t, "holiday/a.avif", harness.objectStore.puts[0].key)
	assert.Equal(t, "image/avif", harness.objectStore.puts[0].contentType)
	assert.Equal(t, "a.jpg", harness.objectStore.puts[0].metadata[storage.MetaOriginalName])
	assert.Equal(t, convert.DefaultConvertedBy, harness.objectStore.puts[0].metadata[storage.MetaConvertedBy])

	assert.Equal(t, 3, harness.merger.entryCount())
	assert.Equal(t, "holiday/a.avif", harness.merger.entries[0].SourceImage)
}

func Test_Submit_ConverterDownFailsWholeBatchWithoutUploads(t *testing.T) {
	harness := startService(t)
	harness.converter.available = false

	files := []job.FileRef{jpegFile("a.jpg"), jpegFile("b.jpg")}
	id, err := harness.service.Submit(context.Background(), files, "photos", "holiday")
	require.NoError(t, err)

	finished := harness.awaitTerminal(t, id)
	assert.Equal(t, job.StatusFailed, finished.Status)
	assert.Empty(t, finished.Results)
	assert.Len(t, finished.Errors, 2)
	assert.Equal(t, "a.jpg", finished.Errors[0].Filename)

	// No fallback: nothing may reach the object store when conversion
	// cannot happen, not even the originals.
	assert.Zero(t, harness.objectStore.putCount())
	assert.Zero(t, harness.merger.entryCount())
}

func Test_Submit_ConversionFailureProducesFileError(t *testing.T) {
	harness := startService(t)
	harness.converter.fail = true

	id, err := harness.service.Submit(context.Background(), []job.FileRef{jpegFile("a.jpg")}, "photos", "holiday")
	require.NoError(t, err)

	finished := harness.awaitTerminal(t, id)
	assert.Equal(t, job.StatusFailed, finished.Status)
	require.Len(t, finished.Errors, 1)
	assert.Contains(t, finished.Errors[0].Error, "conversion request failure")
	assert.Zero(t, harness.objectStore.putCount())
}

func Test_Submit_MixedBatchIsPartial(t *testing.T) {
	harness := startService(t)

	files := []job.FileRef{
		{Name: "portrait.heic", MimeType: "image/heic", Size: 4, Data: []byte("heic")},
		{Name: "notes.txt", MimeType: "text/plain", Size: 5, Data: []byte("notes")},
	}
	id, err := harness.service.Submit(context.Background(), files, "photos", "holiday")
	require.NoError(t, err)

	finished := harness.awaitTerminal(t, id)
	assert.Equal(t, job.StatusPartial, finished.Status)
	require.Len(t, finished.Results, 1)
	require.Len(t, finished.Errors, 1)
	assert.Equal(t, "holiday/portrait.avif", finished.Results[0].ObjectKey)
	assert.Equal(t, "notes.txt", finished.Errors[0].Filename)
	assert.Contains(t, finished.Errors[0].Error, "unsupported file type")

	assert.Len(t, finished.Results, finished.Progress.Total-len(finished.Errors))
}

func Test_Submit_VideoIsStoredVerbatim(t *testing.T) {
	harness := startService(t)
	harness.converter.available = false

	files := []job.FileRef{{Name: "clip.mp4", MimeType: "video/mp4", Size: 4, Data: []byte("mp4!")}}
	id, err := harness.service.Submit(context.Background(), files, "photos", "holiday")
	require.NoError(t, err)

	finished := harness.awaitTerminal(t, id)
	assert.Equal(t, job.StatusCompleted, finished.Status)
	require.Len(t, finished.Results, 1)
	assert.Equal(t, "holiday/clip.mp4", finished.Results[0].ObjectKey)
	assert.Equal(t, "video/mp4", finished.Results[0].Mimetype)
	assert.Empty(t, finished.Results[0].ConvertedBy)

	// Video bypasses the converter entirely, so its availability is
	// irrelevant and the bytes are stored untouched.
	require.Equal(t, 1, harness.objectStore.putCount())
	assert.Equal(t, []byte("mp4!"), harness.objectStore.puts[0].data)
	assert.Zero(t, harness.merger.entryCount())
}

func Test_Submit_CompletionEventIsDispatchedExactlyOnce(t *testing.T) {
	harness := startService(t)

	id, err := harness.service.Submit(context.Background(), []job.FileRef{jpegFile("a.jpg")}, "photos", "holiday")
	require.NoError(t, err)
	harness.awaitTerminal(t, id)

	select {
	case message := <-harness.completions:
		assert.Equal(t, event.JOB_COMPLETE, message.Event)
		assert.Equal(t, id, message.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected a completion event to have been dispatched")
	}

	select {
	case message := <-harness.completions:
		t.Fatalf("received unexpected second completion event: %v", message)
	case <-time.After(100 * time.Millisecond):
	}
}

func Test_Job_UnknownIDReturnsNotFound(t *testing.T) {
	harness := startService(t)

	_, err := harness.service.Job(context.Background(), uuid.New())
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}
