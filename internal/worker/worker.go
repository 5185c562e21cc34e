package worker

import (
	"errors"

	"chatrecall/internal/assembler"
	"chatrecall/internal/models"
)

type JobType int

const (
	Turn JobType = iota
	Ingest
	RemoveDocument
	Wipe
	Retention
	Stop
)

func (t JobType) String() string {
	switch t {
	case Turn:
		return "turn"
	case Ingest:
		return "ingest"
	case RemoveDocument:
		return "remove-document"
	case Wipe:
		return "wipe"
	case Retention:
		return "retention"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// ErrJobCanceled is returned for jobs dropped before a worker ran them.
var ErrJobCanceled = errors.New("job canceled")

// Job is one unit of per-user work. Jobs of the same user never run
// concurrently.
type Job struct {
	Type   JobType
	UserID string

	turn     *turnTask
	document *documentTask
	result   chan workerReturn
	release  func()
}

type workerReturn struct {
	turn       models.Turn
	document   models.Document
	stats      assembler.Stats
	persistErr error
	err        error
}

func (job Job) reply(ret workerReturn) {
	if job.result != nil {
		job.result <- ret
	}
}

type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			select {
			case job := <-w.jobChannel:
				if job.Type == Stop {
					w.pool.retire(w.jobChannel)
					return
				}
				w.manager.process(job)
				if job.release != nil {
					job.release()
				}
				w.pool.Release(w.jobChannel)
			case <-w.quit:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.quit)
}
