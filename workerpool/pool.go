// Package workerpool runs batches of error-returning jobs on a bounded
// number of goroutines.
package workerpool

import (
	"context"
	"sync"

	"github.com/polyglot-mt/polyglot/errors"
)

// Job is a unit of work submitted to a Pool.
type Job func() error

// Pool executes Jobs on a fixed number of worker goroutines.
// Errors returned by jobs are collected and surfaced via Wait.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	jobs chan Job
	wg   sync.WaitGroup

	m    sync.Mutex
	errs errors.Errors
}

// New returns a Pool running jobs on numGo goroutines.
func New(numGo int) *Pool {
	return NewWithCtx(context.Background(), numGo)
}

// NewWithCtx returns a Pool that stops picking up queued jobs once ctx is done.
func NewWithCtx(ctx context.Context, numGo int) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan Job, 1024),
	}
	for i := 0; i < numGo; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	for {
		select {
		case <-p.ctx.Done():
			// drain what was already counted so Wait can return
			for {
				select {
				case <-p.jobs:
					p.wg.Done()
				default:
					return
				}
			}
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if err := job(); err != nil {
				p.m.Lock()
				p.errs = errors.Append(p.errs, err)
				p.m.Unlock()
			}
			p.wg.Done()
		}
	}
}

// Add enqueues the jobs without blocking the caller past the internal buffer.
func (p *Pool) Add(jobs []Job) {
	p.wg.Add(len(jobs))
	go func() {
		for _, j := range jobs {
			select {
			case <-p.ctx.Done():
				p.wg.Done()
			case p.jobs <- j:
			}
		}
	}()
}

// AddBlocking enqueues the jobs, blocking until all are submitted.
func (p *Pool) AddBlocking(jobs []Job) {
	p.wg.Add(len(jobs))
	for _, j := range jobs {
		select {
		case <-p.ctx.Done():
			p.wg.Done()
		case p.jobs <- j:
		}
	}
}

// Wait blocks until all added jobs have completed and returns any job errors.
func (p *Pool) Wait() error {
	p.wg.Wait()

	p.m.Lock()
	defer p.m.Unlock()
	if p.errs == nil {
		return nil
	}
	return p.errs
}

// Stop abandons queued jobs and releases the workers. In-flight jobs run to
// completion.
func (p *Pool) Stop() {
	p.cancel()
}
