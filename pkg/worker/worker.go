package worker

import (
	"sync"

	"github.com/lumen-gallery/lumen/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type WorkerWakeupChan chan int

type WorkerStatus int

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

// WorkerTask is the unit of work given to a worker. It should return
// 'true' if work was performed, indicating the worker should immediately
// poll for more work rather than going back to sleep. A non-nil error
// stops the worker.
type WorkerTask func(Worker) (bool, error)

type Worker interface {
	Start()
	Status() WorkerStatus
	WakeupChan() WorkerWakeupChan
	Label() string
	Sleep() bool
	Close()
}

type taskWorker struct {
	label         string
	task          WorkerTask
	wakeupChan    WorkerWakeupChan
	statusMutex   sync.Mutex
	currentStatus WorkerStatus
}

// NewWorker creates a worker with a single-slot wakeup channel. The
// buffer means a wakeup sent while the worker is still polling is held
// until its next Sleep rather than lost.
func NewWorker(label string, task WorkerTask) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WorkerWakeupChan, 1),
		currentStatus: Sleeping,
	}
}

// Start runs the workers task in a loop until the task reports that
// no work remains, at which point the worker sleeps until it's woken
// via it's wakeup channel. A closed wakeup channel, or an error from
// the task, causes the worker to finish.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker with label %v\n", worker.label)
	worker.setStatus(Working)

	for {
		for {
			didWork, err := worker.task(worker)
			if err != nil {
				workerLogger.Emit(logger.ERROR, "Worker with label %v has reported an error(%T): %v\n", worker.label, err, err.Error())
				worker.setStatus(Finished)
				return
			}

			if !didWork {
				break
			}
		}

		if !worker.Sleep() {
			return
		}
	}
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	worker.statusMutex.Lock()
	defer worker.statusMutex.Unlock()

	return worker.currentStatus
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.statusMutex.Lock()
	defer worker.statusMutex.Unlock()

	worker.currentStatus = status
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the Worker by closing the WakeChan.
// Note that this does not interupt a currently running task.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Label returns the label for this worker
func (worker *taskWorker) Label() string {
	return worker.label
}

// Sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns a boolean that
// is 'false' if the wakeup channel was closed - indicating
// the worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.setStatus(Sleeping)

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.setStatus(Working)
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
		worker.setStatus(Finished)
	}

	return isAlive
}
