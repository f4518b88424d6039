package album

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lumen-gallery/lumen/internal/media"
	"github.com/lumen-gallery/lumen/internal/storage"
	"github.com/lumen-gallery/lumen/pkg/logger"
)

var log = logger.Get("AlbumMerger")

// mergeQueueDepth bounds each album's pending merge queue. Merging is
// best-effort: when a queue is full the request is dropped and logged
// rather than blocking the upload pipeline.
const mergeQueueDepth = 64

// mergeTimeout bounds the read-modify-write of one album document. Each
// merge carries its own deadline so accepted requests can still drain
// after the run context is cancelled during shutdown.
const mergeTimeout = 30 * time.Second

type (
	objectStore interface {
		Get(ctx context.Context, bucket string, key string) ([]byte, error)
		Put(ctx context.Context, bucket string, key string, data []byte, contentType string, metadata map[string]string) (*storage.Object, error)
	}

	AlbumInfo struct {
		Name         string    `json:"name"`
		Created      time.Time `json:"created"`
		Description  string    `json:"description"`
		TotalObjects int       `json:"totalObjects"`
		TotalSize    int64     `json:"totalSize"`
		LastModified time.Time `json:"lastModified"`
	}

	// MediaEntry is one media item's capture metadata within an album
	// document. SourceImage is unique within the document: merges
	// replace, never duplicate.
	MediaEntry struct {
		SourceImage string                `json:"sourceImage"`
		Size        int64                 `json:"size"`
		Timestamp   string                `json:"timestamp"`
		Location    string                `json:"location"`
		Coordinates *media.Coordinates    `json:"coordinates,omitempty"`
		Camera      media.CameraInfo      `json:"camera"`
		Settings    media.CaptureSettings `json:"settings"`
		Dimensions  media.Dimensions      `json:"dimensions"`
	}

	// Document is the per-album metadata document, stored as a single
	// object keyed '{folder}/{folder}.json'.
	Document struct {
		Album       AlbumInfo    `json:"album"`
		Media       []MediaEntry `json:"media"`
		LastUpdated time.Time    `json:"lastUpdated"`
	}

	mergeRequest struct {
		bucket string
		folder string
		entry  MediaEntry
	}

	// Merger maintains the per-album metadata documents. Every album has
	// its own single-writer queue: merge requests against one album are
	// processed strictly in order by one goroutine, so the read-modify-write
	// of the shared document can never lose an update to a concurrent
	// writer. Merging is a best-effort side effect - failures are logged
	// and never propagate to the upload that triggered them.
	Merger struct {
		*sync.Mutex
		store objectStore

		queues  map[string]chan mergeRequest
		writers sync.WaitGroup
		running bool
	}
)

func NewMerger(store objectStore) *Merger {
	return &Merger{
		Mutex:  &sync.Mutex{},
		store:  store,
		queues: make(map[string]chan mergeRequest),
	}
}

// Run starts the merger. It blocks until the provided context is
// cancelled, at which point all album queues are closed and their
// writers drained before returning.
func (merger *Merger) Run(ctx context.Context) error {
	merger.Lock()
	merger.running = true
	merger.Unlock()

	<-ctx.Done()

	merger.Lock()
	merger.running = false
	for folder, queue := range merger.queues {
		close(queue)
		delete(merger.queues, folder)
	}
	merger.Unlock()

	merger.writers.Wait()
	return nil
}

// Enqueue submits a merge request for the album enclosing the given
// object key. Root-level uploads (no enclosing folder) are skipped
// entirely. The call never blocks: a full queue drops the request.
func (merger *Merger) Enqueue(bucket string, objectKey string, entry MediaEntry) {
	folder := storage.FolderOf(objectKey)
	if folder == "" {
		log.Emit(logger.DEBUG, "Skipping metadata merge for root-level object %s\n", objectKey)
		return
	}

	merger.Lock()
	defer merger.Unlock()

	if !merger.running {
		log.Emit(logger.WARNING, "Dropping metadata merge for %s/%s: merger is not running\n", bucket, objectKey)
		return
	}

	queue, ok := merger.queues[folder]
	if !ok {
		queue = make(chan mergeRequest, mergeQueueDepth)
		merger.queues[folder] = queue
		merger.writers.Add(1)
		go merger.runWriter(folder, queue)
	}

	select {
	case queue <- mergeRequest{bucket: bucket, folder: folder, entry: entry}:
	default:
		log.Emit(logger.WARNING, "Dropping metadata merge for %s/%s: album queue is full\n", bucket, objectKey)
	}
}

// runWriter is the single writer for one album. It consumes merge
// requests in order until the queue is closed during shutdown. Each
// merge runs against its own deadline-bounded context so that requests
// accepted before shutdown still complete during the drain.
func (merger *Merger) runWriter(folder string, queue chan mergeRequest) {
	defer merger.writers.Done()

	for request := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), mergeTimeout)
		if err := merger.merge(ctx, request); err != nil {
			log.Emit(logger.ERROR, "Metadata merge for album '%s' failed: %s\n", folder, err.Error())
		}
		cancel()
	}
}

// merge performs the read-modify-write of one album document: load (or
// synthesize) the document, replace any entry with a matching
// sourceImage, append the new entry and write the whole document back.
func (merger *Merger) merge(ctx context.Context, request mergeRequest) error {
	key := storage.AlbumDocumentKey(request.folder)

	document := merger.loadDocument(ctx, request.bucket, request.folder, key)

	// Idempotent replace: at most one entry per sourceImage.
	entries := make([]MediaEntry, 0, len(document.Media)+1)
	for _, existing := range document.Media {
		if existing.SourceImage != request.entry.SourceImage {
			entries = append(entries, existing)
		}
	}
	entries = append(entries, request.entry)

	now := time.Now().UTC()
	document.Media = entries
	document.LastUpdated = now
	document.Album.LastModified = now
	document.Album.TotalObjects = len(entries)
	document.Album.TotalSize = totalSize(entries)

	payload, err := json.Marshal(document)
	if err != nil {
		return err
	}

	if _, err := merger.store.Put(ctx, request.bucket, key, payload, "application/json", nil); err != nil {
		return err
	}

	log.Emit(logger.DEBUG, "Merged %s in to album document %s/%s (%d entries)\n", request.entry.SourceImage, request.bucket, key, len(entries))
	return nil
}

// loadDocument reads the existing album document. Any read or parse
// failure yields a fresh empty document rather than an error - a
// corrupt document must not block future merges.
func (merger *Merger) loadDocument(ctx context.Context, bucket string, folder string, key string) *Document {
	data, err := merger.store.Get(ctx, bucket, key)
	if err != nil {
		return newDocument(folder)
	}

	var document Document
	if err := json.Unmarshal(data, &document); err != nil {
		log.Emit(logger.WARNING, "Album document %s/%s is unparseable, replacing with fresh document: %s\n", bucket, key, err.Error())
		return newDocument(folder)
	}

	return &document
}

func newDocument(folder string) *Document {
	return &Document{
		Album: AlbumInfo{
			Name:    folder,
			Created: time.Now().UTC(),
		},
		Media: make([]MediaEntry, 0),
	}
}

func totalSize(entries []MediaEntry) int64 {
	var total int64
	for _, entry := range entries {
		total += entry.Size
	}

	return total
}
