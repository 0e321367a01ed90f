// Package workpool runs fire-and-forget tasks on a fixed set of worker
// goroutines. Sessions use it to run application callbacks off their read
// and write loops.
package workpool

import (
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Pool manages a fixed number of worker goroutines fed from an unbounded
// FIFO backlog. Enqueue never blocks, so a slow task cannot stall the I/O
// goroutine that submitted it.
type Pool struct {
	log     *slog.Logger
	mu      sync.Mutex
	cond    *sync.Cond
	backlog *queue.Queue // of func(); guarded by mu
	closed  bool
	workers int
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers   int
	Submitted int64
	Completed int64
	Pending   int64
	Panicked  int64
}

// New creates a Pool with the given number of workers. If workers <= 0,
// runtime.NumCPU() workers are started. A nil logger discards output.
func New(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pool{
		log:     logger.With("component", "workpool"),
		backlog: queue.New(),
		workers: workers,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(i)
	}
	return p
}

// Enqueue schedules task for execution. Once the pool is closed, tasks run
// on a goroutine of their own, so session callbacks are never lost when a
// pool shuts down before its sessions.
func (p *Pool) Enqueue(task func()) {
	if task == nil {
		return
	}
	p.submitted.Add(1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Debug("pool is closed; running task on its own goroutine")
		go p.safeExecute(-1, task)
		return
	}
	p.backlog.Add(task)
	p.mu.Unlock()
	p.cond.Signal()
}

// Close stops accepting tasks, lets the workers drain the backlog and waits
// for them to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := int64(p.backlog.Length())
	p.mu.Unlock()
	return Stats{
		Workers:   p.workers,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Pending:   pending,
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.backlog.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.backlog.Length() == 0 {
			// closed and drained
			p.mu.Unlock()
			return
		}
		task := p.backlog.Remove().(func())
		p.mu.Unlock()
		p.safeExecute(id, task)
	}
}

// safeExecute runs the task, recovering from panics to keep the worker alive.
func (p *Pool) safeExecute(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.log.Error("task panicked", "worker", id, "panic", r)
		}
		p.completed.Add(1)
	}()
	task()
}
