package worker

import (
	"container/list"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// newIdleDispatcher builds a dispatcher without its run loop so queue
// state can be inspected deterministically.
func newIdleDispatcher() *Dispatcher {
	return &Dispatcher{
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		JobQueue:  make(chan Job, 4),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

func readyOrder(d *Dispatcher) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var order []string
	for e := d.ready.Front(); e != nil; e = e.Next() {
		order = append(order, e.Value.(string))
	}
	return order
}

func TestDispatcherRoundRobinAcrossUsers(t *testing.T) {
	d := newIdleDispatcher()
	for _, user := range []string{"a", "a", "a", "b", "b"} {
		d.enqueueJob(Job{Type: Retention, UserID: user})
	}
	if d.pending("a") != 3 || d.pending("b") != 2 {
		t.Fatalf("unexpected pending counts a=%d b=%d", d.pending("a"), d.pending("b"))
	}
	if order := readyOrder(d); strings.Join(order, ",") != "a,b" {
		t.Fatalf("each user should appear once in the ready list, got %v", order)
	}

	// simulate dispatching "a": it leaves the ready list while busy
	d.mu.Lock()
	elem := d.ready.Front()
	d.ready.Remove(elem)
	delete(d.positions, "a")
	q := d.queues["a"]
	q.enqueued = false
	q.busy = true
	q.jobs = q.jobs[1:]
	d.mu.Unlock()
	d.enqueueJob(Job{Type: Retention, UserID: "a"})
	if order := readyOrder(d); strings.Join(order, ",") != "b" {
		t.Fatalf("busy user must not be ready, got %v", order)
	}
	d.done("a")
	if order := readyOrder(d); strings.Join(order, ",") != "b,a" {
		t.Fatalf("finished user should go to the back, got %v", order)
	}
}

func TestDispatcherBusyUserIsNotReady(t *testing.T) {
	d := newIdleDispatcher()
	d.mu.Lock()
	q := &userQueue{busy: true}
	d.queues["u"] = q
	q.jobs = append(q.jobs, Job{UserID: "u"})
	d.markReadyLocked("u", q)
	inReady := d.ready.Len()
	d.mu.Unlock()
	if inReady != 0 {
		t.Fatalf("a busy user must wait for done")
	}
	d.done("u")
	d.mu.Lock()
	inReady = d.ready.Len()
	d.mu.Unlock()
	if inReady != 1 {
		t.Fatalf("done should requeue a user with pending jobs")
	}
}

func TestDispatcherCancelUserFailsQueuedJobs(t *testing.T) {
	d := newIdleDispatcher()
	result := make(chan workerReturn, 1)
	d.mu.Lock()
	q := &userQueue{busy: true}
	d.queues["u"] = q
	q.jobs = append(q.jobs, Job{UserID: "u", result: result})
	d.mu.Unlock()

	d.CancelUser("u")
	select {
	case ret := <-result:
		if !errors.Is(ret.err, ErrJobCanceled) {
			t.Fatalf("expected ErrJobCanceled, got %v", ret.err)
		}
	case <-time.After(time.Second):
		t.Fatalf("canceled job was not answered")
	}
}

func TestDispatcherSubmitBusy(t *testing.T) {
	d := newIdleDispatcher()
	for i := 0; i < cap(d.JobQueue); i++ {
		if err := d.Submit(Job{UserID: "u"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := d.Submit(Job{UserID: "u"}); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
}

func TestPoolGrowsToMaxAndShrinksToMin(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour, &Manager{})
	defer p.close()

	var chans []chan Job
	for i := 0; i < 3; i++ {
		chans = append(chans, p.acquire())
	}
	if running, _ := p.size(); running != 3 {
		t.Fatalf("expected 3 running workers, got %d", running)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	got := make(chan chan Job, 1)
	go func() {
		defer wg.Done()
		got <- p.acquire()
	}()
	select {
	case <-got:
		t.Fatalf("acquire should block while every worker is busy")
	case <-time.After(20 * time.Millisecond):
	}
	p.Release(chans[0])
	wg.Wait()
	if ch := <-got; ch != chans[0] {
		t.Fatalf("expected the released worker to be reused")
	}

	for _, ch := range chans {
		p.Release(ch)
	}
	p.mu.Lock()
	for _, meta := range p.idle {
		meta.lastUsed = time.Now().Add(-2 * time.Hour)
	}
	p.mu.Unlock()
	p.shutdownExpired()

	deadline := time.Now().Add(time.Second)
	for {
		running, _ := p.size()
		if running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected pool to shrink to 1, still %d", running)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherRunsJobsEndToEnd(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, &Manager{})
	defer d.Close()
	var results []chan workerReturn
	for i := 0; i < 4; i++ {
		ch := make(chan workerReturn, 1)
		results = append(results, ch)
		if err := d.Submit(Job{Type: JobType(99), UserID: "u", result: ch}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for i, ch := range results {
		select {
		case ret := <-ch:
			if ret.err == nil {
				t.Fatalf("job %d: unknown job type should fail", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("job %d never ran", i)
		}
	}
}
