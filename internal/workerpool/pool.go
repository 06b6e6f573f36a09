// Package workerpool implements C7: a bounded-elastic pool executing
// submitted scan jobs, with an unbounded FIFO queue, idle shrink, and
// per-job cooperative cancellation.
package workerpool

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Job is one unit of work submitted to the pool. Run must check Stop
// at each target boundary (scan loops do this between files) and
// return promptly once it fires.
type Job interface {
	Run(stop <-chan struct{})
}

// Handle identifies a submitted job for cancellation and correlates
// it across logs and the admin live-feed.
type Handle struct {
	ID   string
	stop chan struct{}
	once sync.Once
}

// Cancel flips the job's stop flag. Safe to call more than once or
// concurrently with the job finishing.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.stop) })
}

// Cancelled reports whether Cancel has fired, for callers that need
// to distinguish a job's natural completion from its cancellation
// after the fact.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Pool is a bounded-elastic worker pool, grounded on the teacher's
// session.Manager run-loop shape (internal/session/manager.go) and
// session.Session's single-close kill channel
// (internal/session/session.go).
type Pool struct {
	min, max int
	log      *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queuedJob
	workers int
	active  int
	closed  bool
}

type queuedJob struct {
	job    Job
	handle *Handle
}

// New returns a Pool with min workers always running and at most max
// workers total.
func New(min, max int, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	p := &Pool{min: min, max: max, log: log}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < min; i++ {
		p.spawnWorkerLocked()
	}
	return p
}

// Submit enqueues job and returns a Handle the caller can use to
// cancel it. Per §4.3, a new worker is spun up before enqueue if the
// queue is already nonempty and workers < max.
func (p *Pool) Submit(job Job) *Handle {
	h := &Handle{ID: uuid.NewString(), stop: make(chan struct{})}
	p.mu.Lock()
	if len(p.queue) > 0 && p.workers < p.max {
		p.spawnWorkerLocked()
	}
	p.queue = append(p.queue, queuedJob{job: job, handle: h})
	p.mu.Unlock()
	p.cond.Signal()
	return h
}

// ActiveCount reports the number of jobs currently running (read by
// the idle-shutdown ticker in internal/sockserver).
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Close stops accepting new work and wakes every idle worker so they
// can exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) spawnWorkerLocked() {
	p.workers++
	go p.runWorker()
}

func (p *Pool) runWorker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
			if len(p.queue) == 0 && !p.closed && p.workers > p.min {
				// Woken with nothing to do and we're above the
				// floor: shrink (elastic shrink, §4.3).
				p.workers--
				p.mu.Unlock()
				return
			}
		}
		if p.closed && len(p.queue) == 0 {
			p.workers--
			p.mu.Unlock()
			return
		}
		qj := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		p.runJob(qj)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

func (p *Pool) runJob(qj queuedJob) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("workerpool: job panicked", "job_id", qj.handle.ID, "panic", r)
		}
	}()
	qj.job.Run(qj.handle.stop)
}
