// Package threadpool provides a fixed-size pool of worker goroutines with the
// introspection the job runner schedules against: capacity, how many tasks
// are executing or queued, how many tasks terminated by panicking, and a
// blocking Join.
//
// Execute never blocks; tasks beyond capacity wait in a FIFO queue. A task
// that panics is recovered, counted and logged, and its worker keeps serving
// the queue. A task that calls runtime.Goexit is counted the same way and its
// worker is replaced.
package threadpool

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Pool is a fixed-size goroutine pool. The zero value is not usable; create
// one with New.
type Pool struct {
	size   int
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	active int
	panics int
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool of size workers. size is clamped to at least 1.
func New(size int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{size: max(size, 1), logger: logger}
	p.cond = sync.NewCond(&p.mu)
	for range p.size {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Execute queues f to run on the next free worker. It panics if the pool has
// been closed.
func (p *Pool) Execute(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		panic("threadpool: Execute on closed pool")
	}
	p.queue = append(p.queue, f)
	p.cond.Broadcast()
}

// MaxCount returns the number of workers.
func (p *Pool) MaxCount() int { return p.size }

// ActiveCount returns the number of tasks currently executing.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueuedCount returns the number of tasks waiting for a worker.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// PanicCount returns how many tasks have terminated abnormally (a panic or
// runtime.Goexit) since the pool was created.
func (p *Pool) PanicCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.panics
}

// Join blocks until no task is executing or queued.
func (p *Pool) Join() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.active > 0 || len(p.queue) > 0 {
		p.cond.Wait()
	}
}

// Close drains the queue and stops the workers. It blocks until every
// worker has exited. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		f := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		p.run(f)
	}
}

// run executes f and settles the accounting for it. runtime.Goexit cannot be
// stopped, so when f calls it run starts a replacement worker before this
// goroutine unwinds.
func (p *Pool) run(f func()) {
	finished := false
	defer func() {
		r := recover()
		abnormal := r != nil || !finished
		switch {
		case r != nil:
			p.logger.Error("worker task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		case !finished:
			p.logger.Error("worker task exited without returning")
		}

		p.mu.Lock()
		p.active--
		if abnormal {
			p.panics++
		}
		if !finished && r == nil {
			p.wg.Add(1)
			go p.work()
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	f()
	finished = true
}
