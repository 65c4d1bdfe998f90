// Package pool runs background queries on a fixed set of workers fed by a
// bounded queue.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/scylla/logger"
	"github.com/agentuity/scylla/sys"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by Submit when every worker is busy and the
	// queue has no room left.
	ErrQueueFull = errors.New("server is busy, retry later")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pool is closed")
	// ErrShutdownTimeout is returned by Close when tasks are still running
	// after the timeout.
	ErrShutdownTimeout = errors.New("timed out waiting for background tasks")
)

const (
	DefaultWorkers   = 256
	DefaultQueueSize = 1024
)

// Task is a unit of background work. The context is cancelled only when the
// pool gives up waiting during Close.
type Task func(ctx context.Context)

// Pool is a fixed-size worker group.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
	tasks  chan Task
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool

	running atomic.Int64
}

// New starts workers goroutines consuming a queue of queueSize tasks.
// Non-positive sizes fall back to the defaults.
func New(ctx context.Context, log logger.Logger, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		logger: log.WithPrefix("[pool]"),
		tasks:  make(chan Task, queueSize),
	}
	for range workers {
		p.group.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

func (p *Pool) run(task Task) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer sys.RecoverPanic(p.logger)
	task(p.ctx)
}

// Submit queues task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.tasks)
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Close stops accepting tasks and waits for queued and running ones to
// finish. After timeout the task context is cancelled and ErrShutdownTimeout
// is returned.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- p.group.Wait()
	}()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-time.After(timeout):
		p.cancel()
		p.logger.Warn("%d background tasks still running after %v", p.Running(), timeout)
		return ErrShutdownTimeout
	}
}
