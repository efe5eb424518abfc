package printer

import (
	"context"
	"errors"
	"sync"
)

const (
	minWorkers     = 5
	maxWorkers     = 30
	admissionDepth = 300
)

var (
	ErrQueueFull     = errors.New("admission queue is full")
	ErrAlreadyQueued = errors.New("job already queued")
)

type task struct {
	jobID string
	ctx   context.Context
	run   func(ctx context.Context)
}

// workerPool runs job pipelines on a fixed set of goroutines fed by a
// bounded FIFO channel. Every admitted job gets its own cancellation
// context, registered in the in-flight map until the task finishes.
type workerPool struct {
	tasks   chan task
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func newWorkerPool(workers int) *workerPool {
	if workers < minWorkers {
		workers = minWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &workerPool{
		tasks:    make(chan task, admissionDepth),
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case t := <-p.tasks:
			// Skip tasks cancelled while they waited for a worker.
			if t.ctx.Err() == nil {
				t.run(t.ctx)
			}
			p.remove(t.jobID)
		}
	}
}

// submit registers the job and enqueues its task. The error reflects
// admission only; the task's outcome is reported through the job record.
func (p *workerPool) submit(jobID string, run func(ctx context.Context)) error {
	ctx, cancel := context.WithCancel(p.baseCtx)

	p.mu.Lock()
	if _, ok := p.inflight[jobID]; ok {
		p.mu.Unlock()
		cancel()
		return ErrAlreadyQueued
	}
	p.inflight[jobID] = cancel
	p.mu.Unlock()

	select {
	case p.tasks <- task{jobID: jobID, ctx: ctx, run: run}:
		return nil
	default:
		p.remove(jobID)
		return ErrQueueFull
	}
}

// cancelJob removes the job from the in-flight map and cancels its context.
// Unknown or already-finished jobs make this a no-op, which resolves the
// race between cancellation and normal completion.
func (p *workerPool) cancelJob(jobID string) bool {
	return p.remove(jobID)
}

func (p *workerPool) remove(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.inflight[jobID]
	if ok {
		delete(p.inflight, jobID)
	}
	p.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

func (p *workerPool) inFlight(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[jobID]
	return ok
}

func (p *workerPool) stop() {
	p.cancel()
	p.wg.Wait()
}
