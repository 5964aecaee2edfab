// File: core/concurrency/executor.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ExecutorGroup runs application tasks off the event loops. Each worker owns
// one FIFO queue served by one goroutine, so every task submitted to the same
// worker runs in submission order. Channels bind to a worker once and keep it,
// which preserves per-channel ordering while spreading channels over workers.

package concurrency

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// TaskFunc is a unit of work.
type TaskFunc func()

// PanicHandler receives values recovered from panicking tasks.
type PanicHandler func(recovered any)

// Worker is a single-goroutine ordered executor.
type Worker struct {
	id      int
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	closed  bool
	done    chan struct{}
	onPanic PanicHandler
	run     atomic.Uint64
}

func newWorker(id int, onPanic PanicHandler) *Worker {
	w := &Worker{id: id, tasks: queue.New(), done: make(chan struct{}), onPanic: onPanic}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// ID returns the worker index inside its group.
func (w *Worker) ID() int { return w.id }

// Submit enqueues a task. Tasks never block the caller.
func (w *Worker) Submit(task TaskFunc) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrExecutorClosed
	}
	w.tasks.Add(task)
	w.mu.Unlock()
	w.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasks.Length()
}

// Executed returns the number of tasks run so far.
func (w *Worker) Executed() uint64 { return w.run.Load() }

func (w *Worker) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for w.tasks.Length() == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.tasks.Length() == 0 {
			w.mu.Unlock()
			return
		}
		task := w.tasks.Remove().(TaskFunc)
		w.mu.Unlock()
		w.safeExecute(task)
	}
}

func (w *Worker) safeExecute(task TaskFunc) {
	defer func() {
		w.run.Add(1)
		if r := recover(); r != nil && w.onPanic != nil {
			w.onPanic(r)
		}
	}()
	task()
}

// close stops accepting tasks; queued tasks still run.
func (w *Worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
	<-w.done
}

// ExecutorGroup is a fixed set of ordered workers handed out round-robin.
type ExecutorGroup struct {
	workers []*Worker
	next    atomic.Uint64
	closed  atomic.Bool
}

// NewExecutorGroup starts n workers; n <= 0 selects runtime.NumCPU().
func NewExecutorGroup(n int, onPanic PanicHandler) *ExecutorGroup {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	g := &ExecutorGroup{workers: make([]*Worker, n)}
	for i := range g.workers {
		g.workers[i] = newWorker(i, onPanic)
	}
	return g
}

// Next returns the next worker in round-robin order.
func (g *ExecutorGroup) Next() *Worker {
	i := g.next.Add(1) - 1
	return g.workers[i%uint64(len(g.workers))]
}

// Worker returns the worker at index i.
func (g *ExecutorGroup) Worker(i int) (*Worker, error) {
	if i < 0 || i >= len(g.workers) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkerCount, i)
	}
	return g.workers[i], nil
}

// NumWorkers returns the worker count.
func (g *ExecutorGroup) NumWorkers() int { return len(g.workers) }

// Close drains and stops every worker.
func (g *ExecutorGroup) Close() {
	if !g.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range g.workers {
		w.close()
	}
}
