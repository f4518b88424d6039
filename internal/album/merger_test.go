package album_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lumen-gallery/lumen/internal/album"
	"github.com/lumen-gallery/lumen/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObjectStore is an in-memory stand-in for the blob store.
type fakeObjectStore struct {
	mutex   sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (store *fakeObjectStore) Get(_ context.Context, bucket string, key string) ([]byte, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	data, ok := store.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("object not found")
	}

	return data, nil
}

func (store *fakeObjectStore) Put(_ context.Context, bucket string, key string, data []byte, _ string, _ map[string]string) (*storage.Object, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.objects[bucket+"/"+key] = data
	return &storage.Object{Key: key, Size: int64(len(data))}, nil
}

func (store *fakeObjectStore) document(t *testing.T, bucket string, key string) *album.Document {
	t.Helper()

	store.mutex.Lock()
	defer store.mutex.Unlock()

	data, ok := store.objects[bucket+"/"+key]
	if !ok {
		return nil
	}

	var document album.Document
	require.NoError(t, json.Unmarshal(data, &document))
	return &document
}

// contextAwareStore refuses operations on a done context, mirroring how
// the real blob store client behaves.
type contextAwareStore struct {
	inner *fakeObjectStore
}

func (store *contextAwareStore) Get(ctx context.Context, bucket string, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return store.inner.Get(ctx, bucket, key)
}

func (store *contextAwareStore) Put(ctx context.Context, bucket string, key string, data []byte, contentType string, metadata map[string]string) (*storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return store.inner.Put(ctx, bucket, key, data, contentType, metadata)
}

func startMerger(t *testing.T, store *fakeObjectStore) *album.Merger {
	merger := album.NewMerger(store)

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.NoError(t, merger.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	// Give the merger a moment to mark itself running.
	time.Sleep(10 * time.Millisecond)
	return merger
}

func entryFor(sourceImage string) album.MediaEntry {
	return album.MediaEntry{SourceImage: sourceImage, Size: 100, Timestamp: "2024-06-01T12:00:00Z"}
}

func Test_Merge_CreatesDocumentLazily(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	merger := startMerger(t, store)

	merger.Enqueue("photos", "holiday/beach.avif", entryFor("holiday/beach.avif"))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		document := store.document(t, "photos", "holiday/holiday.json")
		if !assert.NotNil(c, document) {
			return
		}

		assert.Equal(c, "holiday", document.Album.Name)
		assert.Len(c, document.Media, 1)
		assert.Equal(c, 1, document.Album.TotalObjects)
		assert.Equal(c, int64(100), document.Album.TotalSize)
		assert.False(c, document.LastUpdated.IsZero())
	}, time.Second, 10*time.Millisecond)
}

func Test_Merge_ReplacesBySourceImage(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	merger := startMerger(t, store)

	first := entryFor("holiday/beach.avif")
	first.Location = "old address"
	merger.Enqueue("photos", "holiday/beach.avif", first)

	second := entryFor("holiday/beach.avif")
	second.Location = "new address"
	merger.Enqueue("photos", "holiday/beach.avif", second)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		document := store.document(t, "photos", "holiday/holiday.json")
		if !assert.NotNil(c, document) {
			return
		}

		// Idempotent replace: the document must not grow, and the
		// later value wins.
		assert.Len(c, document.Media, 1)
		assert.Equal(c, "new address", document.Media[0].Location)
	}, time.Second, 10*time.Millisecond)
}

func Test_Merge_ConcurrentWritesToOneAlbumAllSurvive(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	merger := startMerger(t, store)

	const entries = 20
	wg := sync.WaitGroup{}
	for i := 0; i < entries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("holiday/photo-%02d.avif", i)
			merger.Enqueue("photos", key, entryFor(key))
		}(i)
	}
	wg.Wait()

	// Every concurrently merged entry must appear: the per-album writer
	// serializes the read-modify-write so no update can be lost.
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		document := store.document(t, "photos", "holiday/holiday.json")
		if !assert.NotNil(c, document) {
			return
		}

		assert.Len(c, document.Media, entries)
		seen := make(map[string]bool)
		for _, entry := range document.Media {
			assert.False(c, seen[entry.SourceImage], "duplicate sourceImage %s", entry.SourceImage)
			seen[entry.SourceImage] = true
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_Run_DrainsAcceptedMergesOnShutdown(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	merger := album.NewMerger(&contextAwareStore{inner: store})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- merger.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	merger.Enqueue("photos", "holiday/beach.avif", entryFor("holiday/beach.avif"))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("merger did not shut down")
	}

	// The merge was accepted before shutdown, so the drain must write it
	// even though the run context is already cancelled.
	document := store.document(t, "photos", "holiday/holiday.json")
	require.NotNil(t, document, "merge accepted before shutdown was lost during the drain")
	assert.Len(t, document.Media, 1)
}

func Test_Merge_SkipsRootLevelUploads(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	merger := startMerger(t, store)

	merger.Enqueue("photos", "rootlevel.avif", entryFor("rootlevel.avif"))

	assert.Never(t, func() bool {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		return len(store.objects) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func Test_Merge_ReplacesUnparseableDocument(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	_, err := store.Put(context.Background(), "photos", "holiday/holiday.json", []byte("{corrupt"), "application/json", nil)
	require.NoError(t, err)

	merger := startMerger(t, store)
	merger.Enqueue("photos", "holiday/beach.avif", entryFor("holiday/beach.avif"))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		document := store.document(t, "photos", "holiday/holiday.json")
		if !assert.NotNil(c, document) {
			return
		}

		assert.Equal(c, "holiday", document.Album.Name)
		assert.Len(c, document.Media, 1)
	}, time.Second, 10*time.Millisecond)
}
