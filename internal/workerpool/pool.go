package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free
	ErrQueueFull = errors.New("worker queue full")
	// ErrPoolClosed is returned by Submit after Close
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is a unit of work run on a pool worker
type Task func()

// Pool runs submitted tasks on a fixed number of workers
type Pool struct {
	tasks   chan Task
	group   errgroup.Group
	mu      sync.RWMutex
	closed  bool
	workers int

	submitted atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	running   atomic.Int64
}

// New starts a pool with the given worker count and queue depth
func New(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}

	p := &Pool{
		tasks:   make(chan Task, queueDepth),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		p.group.Go(p.worker)
	}

	return p
}

func (p *Pool) worker() error {
	for task := range p.tasks {
		p.running.Add(1)
		task()
		p.running.Add(-1)
		p.completed.Add(1)
	}
	return nil
}

// Submit queues a task without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Close stops intake, lets queued tasks finish and waits for the workers
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	return p.group.Wait()
}

// Stats represents pool counters
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Running   int64  `json:"running"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		Capacity:  cap(p.tasks),
		Running:   p.running.Load(),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
	}
}
