package job

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/album"
	"github.com/lumen-gallery/lumen/internal/convert"
	"github.com/lumen-gallery/lumen/internal/event"
	"github.com/lumen-gallery/lumen/internal/media"
	"github.com/lumen-gallery/lumen/internal/storage"
	"github.com/lumen-gallery/lumen/pkg/logger"
	"github.com/lumen-gallery/lumen/pkg/worker"
)

var log = logger.Get("JobServ")

type (
	converter interface {
		Convert(ctx context.Context, buffer []byte, originalName string, mimeType string) (*convert.ConvertedFile, error)
		IsAvailable(ctx context.Context) bool
	}

	objectStore interface {
		Put(ctx context.Context, bucket string, key string, data []byte, contentType string, metadata map[string]string) (*storage.Object, error)
	}

	metadataExtractor interface {
		Extract(ctx context.Context, buffer []byte, filename string) *media.Metadata
	}

	albumMerger interface {
		Enqueue(bucket string, objectKey string, entry album.MediaEntry)
	}

	jobStore interface {
		Save(ctx context.Context, job *Job) error
		Get(ctx context.Context, id uuid.UUID) (*Job, error)
	}

	Config struct {
		// Controls the number of workers that can process jobs. Files
		// WITHIN a job are always processed sequentially; this only
		// allows separate jobs to proceed independently.
		JobParallelism int `yaml:"job_parallelism" env:"JOB_PARALLELISM" env-default:"2"`

		// How long a finished job record remains retrievable before the
		// record store expires it.
		RecordTTLHours int `yaml:"record_ttl_hours" env:"JOB_RECORD_TTL_HOURS" env-default:"24"`
	}

	// Service orchestrates the asynchronous ingestion of
	// upload batches. Submission persists a job record and returns
	// immediately; the batch is then processed by the service's worker
	// pool, file by file, with per-file outcomes aggregated on to the
	// job. The pool is owned by Run and drained when the context is
	// cancelled, so no processing ever dangles past shutdown.
	Service struct {
		*sync.Mutex

		config      Config
		converter   converter
		objectStore objectStore
		extractor   metadataExtractor
		merger      albumMerger
		store       jobStore
		eventBus    event.EventCoordinator

		ctx        context.Context
		pending    []*Job
		workerPool *worker.WorkerPool
	}
)

func New(
	config Config,
	conv converter,
	objectStore objectStore,
	extractor metadataExtractor,
	merger albumMerger,
	store jobStore,
	eventBus event.EventCoordinator,
) *Service {
	service := &Service{
		Mutex:       &sync.Mutex{},
		config:      config,
		converter:   conv,
		objectStore: objectStore,
		extractor:   extractor,
		merger:      merger,
		store:       store,
		eventBus:    eventBus,
		pending:     make([]*Job, 0),
		workerPool:  worker.NewWorkerPool(),
	}

	parallelism := config.JobParallelism
	if parallelism < 1 {
		parallelism = 1
	}
	for i := 0; i < parallelism; i++ {
		label := fmt.Sprintf("job-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service.ExecuteTask))
	}

	return service
}

// Run starts the services worker pool and blocks until the provided
// context is cancelled, at which point the pool is closed and any
// in-flight job is allowed to finish.
func (service *Service) Run(ctx context.Context) error {
	service.ctx = ctx
	if err := service.workerPool.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	service.workerPool.Close()
	return nil
}

// Submit accepts a batch of files for asynchronous processing. The job
// record is persisted with 'queued' status and the job ID returned
// immediately; the caller never waits on the processing itself.
func (service *Service) Submit(ctx context.Context, files []FileRef, bucket string, folderPath string) (uuid.UUID, error) {
	if len(files) == 0 {
		return uuid.Nil, ErrNoFiles
	}

	now := time.Now().UTC()
	newJob := &Job{
		ID:         uuid.New(),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		Bucket:     bucket,
		FolderPath: folderPath,
		Files:      files,
		Progress:   Progress{Processed: 0, Total: len(files)},
		Results:    make([]UploadResult, 0),
		Errors:     make([]FileError, 0),
	}

	if err := service.store.Save(ctx, newJob); err != nil {
		return uuid.Nil, err
	}

	service.Lock()
	service.pending = append(service.pending, newJob)
	service.Unlock()

	service.workerPool.WakeupWorkers()

	log.Emit(logger.NEW, "Accepted upload batch %s (%d files for %s/%s)\n", newJob.ID, len(files), bucket, folderPath)
	return newJob.ID, nil
}

// Job retrieves the record of a previously submitted job. Expired or
// unknown ids yield ErrJobNotFound.
func (service *Service) Job(ctx context.Context, id uuid.UUID) (*Job, error) {
	return service.store.Get(ctx, id)
}

// ExecuteTask is the worker function for the job service, called by the
// services WorkerPool. It claims the oldest pending job, if any, and
// processes it to completion.
func (service *Service) ExecuteTask(w worker.Worker) (bool, error) {
	claimed := service.claimPendingJob()
	if claimed == nil {
		return false, nil
	}

	service.processJob(service.ctx, claimed)
	return true, nil
}

// claimPendingJob pops the oldest pending job under the service mutex
// so no two workers can claim the same batch.
func (service *Service) claimPendingJob() *Job {
	service.Lock()
	defer service.Unlock()

	if len(service.pending) == 0 {
		return nil
	}

	claimed := service.pending[0]
	service.pending = service.pending[1:]
	return claimed
}

// processJob drives one batch from 'processing' through to a terminal
// status. Files are handled strictly in submission order; a single
// file's failure never aborts the batch, and files already stored are
// never rolled back when a later file fails.
func (service *Service) processJob(ctx context.Context, activeJob *Job) {
	activeJob.Status = StatusProcessing
	activeJob.UpdatedAt = time.Now().UTC()
	service.saveJob(ctx, activeJob)
	service.eventBus.Dispatch(event.JOB_UPDATE, activeJob.ID)

	// Consult the converters health probe once per batch so that image
	// files can fail fast while the converter is down, rather than each
	// paying the full conversion timeout.
	converterAvailable := true
	if batchHasImages(activeJob.Files) {
		converterAvailable = service.converter.IsAvailable(ctx)
		if !converterAvailable {
			log.Emit(logger.WARNING, "Conversion service is unavailable; image files in %s will fail fast\n", activeJob.ID)
		}
	}

	for i := range activeJob.Files {
		file := activeJob.Files[i]

		result, fileErr := service.processFile(ctx, activeJob, file, converterAvailable)
		if fileErr != nil {
			log.Emit(logger.ERROR, "File '%s' of %s failed: %s\n", file.Name, activeJob.ID, fileErr.Error)
			activeJob.Errors = append(activeJob.Errors, *fileErr)
		} else {
			activeJob.Results = append(activeJob.Results, *result)
		}

		activeJob.Progress.Processed = i + 1
		activeJob.UpdatedAt = time.Now().UTC()
		service.saveJob(ctx, activeJob)
		service.eventBus.Dispatch(event.JOB_PROGRESS, activeJob.ID)
	}

	activeJob.Status = finalStatus(activeJob)
	activeJob.UpdatedAt = time.Now().UTC()
	service.saveJob(ctx, activeJob)

	log.Emit(logger.SUCCESS, "Finished %s: %d uploaded, %d failed\n", activeJob.ID, len(activeJob.Results), len(activeJob.Errors))
	service.eventBus.Dispatch(event.JOB_COMPLETE, activeJob.ID)
}

// processFile routes one file down its processing path based on MIME
// type: still images are converted, video is stored verbatim, anything
// else is rejected. Exactly one of the return values is non-nil.
func (service *Service) processFile(ctx context.Context, activeJob *Job, file FileRef, converterAvailable bool) (*UploadResult, *FileError) {
	switch {
	case isConvertibleImage(file.MimeType):
		return service.processImage(ctx, activeJob, file, converterAvailable)
	case strings.HasPrefix(file.MimeType, "video/"):
		return service.storeVerbatim(ctx, activeJob, file)
	default:
		return nil, &FileError{Filename: file.Name, Error: fmt.Sprintf("unsupported file type '%s'", file.MimeType)}
	}
}

// processImage converts a still image via the conversion adapter and
// stores the converted bytes. There is deliberately NO fallback: if
// conversion fails for any reason, nothing is written to the store for
// this file - not the converted output, and not the original.
func (service *Service) processImage(ctx context.Context, activeJob *Job, file FileRef, converterAvailable bool) (*UploadResult, *FileError) {
	if !converterAvailable {
		return nil, &FileError{Filename: file.Name, Error: "conversion service unavailable"}
	}

	converted, err := service.converter.Convert(ctx, file.Data, file.Name, file.MimeType)
	if err != nil {
		return nil, &FileError{Filename: file.Name, Error: err.Error()}
	}

	objectKey := storage.JoinKey(activeJob.FolderPath, convertedName(file.Name))
	headers := map[string]string{
		storage.MetaOriginalName: file.Name,
		storage.MetaUploadDate:   time.Now().UTC().Format(time.RFC3339),
		storage.MetaConvertedBy:  converted.ConvertedBy,
	}

	object, err := service.objectStore.Put(ctx, activeJob.Bucket, objectKey, converted.Data, converted.MimeType, headers)
	if err != nil {
		return nil, &FileError{Filename: file.Name, Error: err.Error()}
	}

	// Capture metadata comes from the ORIGINAL bytes; conversion strips
	// the embedded tags. The merge is best-effort and non-blocking - it
	// has no bearing on this file's outcome.
	metadata := service.extractor.Extract(ctx, file.Data, file.Name)
	service.merger.Enqueue(activeJob.Bucket, objectKey, album.MediaEntry{
		SourceImage: objectKey,
		Size:        converted.Size,
		Timestamp:   metadata.Timestamp,
		Location:    metadata.Address,
		Coordinates: metadata.Coordinates,
		Camera:      metadata.Camera,
		Settings:    metadata.Settings,
		Dimensions:  metadata.Dimensions,
	})

	return &UploadResult{
		OriginalName: file.Name,
		ObjectKey:    objectKey,
		Size:         converted.Size,
		Mimetype:     converted.MimeType,
		ETag:         object.ETag,
		ConvertedBy:  converted.ConvertedBy,
	}, nil
}

// storeVerbatim writes a non-image file to the store untouched.
func (service *Service) storeVerbatim(ctx context.Context, activeJob *Job, file FileRef) (*UploadResult, *FileError) {
	objectKey := storage.JoinKey(activeJob.FolderPath, file.Name)
	headers := map[string]string{
		storage.MetaOriginalName: file.Name,
		storage.MetaUploadDate:   time.Now().UTC().Format(time.RFC3339),
	}

	object, err := service.objectStore.Put(ctx, activeJob.Bucket, objectKey, file.Data, file.MimeType, headers)
	if err != nil {
		return nil, &FileError{Filename: file.Name, Error: err.Error()}
	}

	return &UploadResult{
		OriginalName: file.Name,
		ObjectKey:    objectKey,
		Size:         int64(len(file.Data)),
		Mimetype:     file.MimeType,
		ETag:         object.ETag,
	}, nil
}

// saveJob persists the jobs current state; persistence failures are
// logged but never interrupt processing, as the in-memory job remains
// authoritative until it reaches a terminal status.
func (service *Service) saveJob(ctx context.Context, activeJob *Job) {
	if err := service.store.Save(ctx, activeJob); err != nil {
		log.Emit(logger.ERROR, "Failed to persist %s: %s\n", activeJob, err.Error())
	}
}

func finalStatus(finished *Job) Status {
	switch {
	case len(finished.Errors) == 0:
		return StatusCompleted
	case len(finished.Results) == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// convertibleImageTypes are the still-image formats routed through the
// conversion service. AVIF is excluded as it's already the target codec,
// and GIFs are excluded to preserve animation.
var convertibleImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/heic": true,
	"image/heif": true,
	"image/webp": true,
	"image/tiff": true,
}

func isConvertibleImage(mimeType string) bool {
	return convertibleImageTypes[strings.ToLower(mimeType)]
}

func batchHasImages(files []FileRef) bool {
	for _, file := range files {
		if isConvertibleImage(file.MimeType) {
			return true
		}
	}

	return false
}

// convertedName swaps the file extension for the converted codec's.
func convertedName(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)] + ".avif"
}
