package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/album"
	"github.com/lumen-gallery/lumen/internal/api"
	"github.com/lumen-gallery/lumen/internal/convert"
	"github.com/lumen-gallery/lumen/internal/event"
	"github.com/lumen-gallery/lumen/internal/job"
	"github.com/lumen-gallery/lumen/internal/media"
	"github.com/lumen-gallery/lumen/internal/progress"
	"github.com/lumen-gallery/lumen/internal/storage"
	"github.com/lumen-gallery/lumen/pkg/logger"
	"github.com/redis/go-redis/v9"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	JobService interface {
		RunnableService
		Submit(ctx context.Context, files []job.FileRef, bucket string, folderPath string) (uuid.UUID, error)
		Job(ctx context.Context, id uuid.UUID) (*job.Job, error)
	}
)

// lumenImpl represents the top-level object for the server, and is
// responsible for initialising the stores, services, event handling,
// et cetera...
type lumenImpl struct {
	eventBus event.EventCoordinator
	config   LumenConfig

	redisClient *redis.Client
	objectStore *storage.Store

	merger      *album.Merger
	jobService  JobService
	progressHub *progress.Hub
	restGateway RunnableService
}

func New(config LumenConfig) *lumenImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Lumen services using config: %#v\n", config)
	lumen := &lumenImpl{
		eventBus: event.New(),
		config:   config,
	}

	objectStore, err := storage.New(config.Storage)
	if err != nil {
		panic(fmt.Sprintf("failed to construct object store client due to error: %s", err.Error()))
	}
	lumen.objectStore = objectStore

	lumen.redisClient = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	converter := convert.New(config.Converter)
	extractor := media.NewExtractor(media.NewGeocoder(config.Geocoding))
	lumen.merger = album.NewMerger(objectStore)

	recordTTL := time.Duration(config.Jobs.RecordTTLHours) * time.Hour
	if recordTTL <= 0 {
		recordTTL = 24 * time.Hour
	}
	jobStore := job.NewStore(lumen.redisClient, recordTTL)

	lumen.jobService = job.New(config.Jobs, converter, objectStore, extractor, lumen.merger, jobStore, lumen.eventBus)
	lumen.progressHub = progress.NewHub(config.Progress, jobStore, lumen.eventBus)
	lumen.restGateway = api.NewRestGateway(&config.API, lumen.jobService, lumen.progressHub, objectStore, converter, lumen.eventBus)

	return lumen
}

// Run will start all of Lumen by bringing up all required services and
// connections.
//
// This function will not return until Lumen is stopped. To stop Lumen,
// the provided context must be cancelled. Errors from which Lumen
// cannot recover will also cause it to stop.
func (lumen *lumenImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Pinging job record store...\n")
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := lumen.redisClient.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to reach job record store at %s: %w", lumen.config.Redis.Addr, err)
	}

	wg := &sync.WaitGroup{}
	lumen.spawnAsyncService(ctx, wg, lumen.merger, "album-merger", crashHandler)
	lumen.spawnAsyncService(ctx, wg, lumen.jobService, "job-service", crashHandler)
	lumen.spawnAsyncService(ctx, wg, lumen.progressHub, "progress-hub", crashHandler)
	lumen.spawnAsyncService(ctx, wg, lumen.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Lumen services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Lumen service waitgroup is updated correctly
func (lumen *lumenImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
