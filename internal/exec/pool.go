// Package exec provides fixed-size worker pools for asynchronous task
// execution. The node runs three pools: one for network dispatch, one for
// disk writes, and one for memory pool and index maintenance.
package exec

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ember-network/ember-chain/internal/log"
)

// ErrStopped is returned by Submit after the pool has been stopped.
var ErrStopped = errors.New("pool stopped")

// Pool states.
const (
	stateRunning int32 = iota
	stateStopping
	stateStopped
)

const defaultQueueDepth = 1024

// Pool executes submitted tasks on a fixed set of worker goroutines.
// Tasks submitted to a single-worker pool run in submission order.
type Pool struct {
	name    string
	tasks   chan func()
	quit    chan struct{}
	wg      sync.WaitGroup
	state   atomic.Int32
	stopOne sync.Once
}

// NewPool creates a pool with the given number of workers and starts them.
// A pool with one worker serializes its tasks.
func NewPool(name string, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name:  name,
		tasks: make(chan func(), defaultQueueDepth),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	log.Pool.Debug().
		Str("pool", name).
		Int("workers", workers).
		Msg("Worker pool started")
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			task()
		}
	}
}

// Submit queues a task for execution. It returns ErrStopped if the pool
// is stopping or stopped; the task is not run in that case.
func (p *Pool) Submit(task func()) error {
	if p.state.Load() != stateRunning {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrStopped
	}
}

// Stop signals the workers to exit. Tasks still queued when Stop is called
// are abandoned. Stop does not wait; call Join for that. Safe to call more
// than once.
func (p *Pool) Stop() {
	p.stopOne.Do(func() {
		p.state.Store(stateStopping)
		close(p.quit)
		log.Pool.Debug().Str("pool", p.name).Msg("Worker pool stopping")
	})
}

// Join blocks until all workers have exited. Stop must be called first or
// Join will block forever. Safe to call from multiple goroutines.
func (p *Pool) Join() {
	p.wg.Wait()
	p.state.Store(stateStopped)
}

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool {
	return p.state.Load() != stateRunning
}
