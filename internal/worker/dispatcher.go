package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy is returned when the intake queue is full.
var ErrDispatcherBusy = errors.New("dispatcher busy")

// DispatcherConfig sizes the worker pool and the intake queue.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool // waiting in the ready list
	busy     bool // a job of this user is running
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for outer jobs

	mu        sync.Mutex
	queues    map[string]*userQueue // job queue for each user
	ready     *list.List            // round-robin list of user ids with runnable jobs
	positions map[string]*list.Element

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func NewDispatcher(cfg DispatcherConfig, manager *Manager) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = queueLen
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, manager)

	d := &Dispatcher{
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return errors.New("dispatcher stopped")
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the user in the front of the ready list
		if d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				d.drain()
				return
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// drain fails every job that will never run.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	var dropped []Job
	for userID, q := range d.queues {
		dropped = append(dropped, q.jobs...)
		q.jobs = nil
		if !q.busy {
			delete(d.queues, userID)
		}
	}
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.mu.Unlock()
	for {
		select {
		case job := <-d.JobQueue:
			dropped = append(dropped, job)
		default:
			for _, job := range dropped {
				job.reply(workerReturn{err: ErrJobCanceled})
			}
			return
		}
	}
}

// CancelUser drops the queued jobs of a user. A running job finishes.
func (d *Dispatcher) CancelUser(userID string) {
	d.mu.Lock()
	q := d.queues[userID]
	var dropped []Job
	if q != nil {
		dropped = q.jobs
		q.jobs = nil
		q.enqueued = false
		if !q.busy {
			delete(d.queues, userID)
		}
	}
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.reply(workerReturn{err: ErrJobCanceled})
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.UserID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(userID, q)
}

func (d *Dispatcher) markReadyLocked(userID string, q *userQueue) {
	if q.enqueued || q.busy || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// dispatchOne hands the next job of the first ready user to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	d.ready.Remove(elem)
	delete(d.positions, userID)
	q.enqueued = false
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.busy = true
	d.mu.Unlock()

	job.release = func() { d.done(userID) }
	workerChan := d.pool.acquire()
	if workerChan == nil {
		job.reply(workerReturn{err: ErrJobCanceled})
		return false
	}
	debugLog("[dispatcher] assign %s job for user %s", job.Type, userID)
	select {
	case workerChan <- job:
	case <-d.quit:
		job.reply(workerReturn{err: ErrJobCanceled})
	}
	return true
}

// done marks the running job of userID finished and requeues the user at
// the back of the ready list when more jobs wait.
func (d *Dispatcher) done(userID string) {
	d.mu.Lock()
	if q, ok := d.queues[userID]; ok {
		q.busy = false
		if len(q.jobs) == 0 {
			delete(d.queues, userID)
		} else {
			d.markReadyLocked(userID, q)
		}
	}
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// pending reports queued jobs per user, for tests and stats.
func (d *Dispatcher) pending(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[userID]; ok {
		return len(q.jobs)
	}
	return 0
}

// Close stops the dispatcher loop and the worker pool.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}
