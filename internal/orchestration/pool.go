package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// WorkerPool runs each task on its own goroutine. A positive limit caps the
// number of tasks running at once; waiting tasks queue on the semaphore.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *logrus.Entry
}

// NewWorkerPool creates a pool. maxConcurrency <= 0 means unbounded.
func NewWorkerPool(maxConcurrency int) *WorkerPool {
	p := &WorkerPool{logger: logrus.WithField("component", "worker-pool")}
	if maxConcurrency > 0 {
		p.sem = make(chan struct{}, maxConcurrency)
	}
	return p
}

// Submit schedules task and returns without waiting for a slot.
func (p *WorkerPool) Submit(name string, task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()
		if p.sem != nil {
			p.sem <- struct{}{}
			defer func() { <-p.sem }()
		}
		p.run(name, task)
	}()
	return nil
}

func (p *WorkerPool) run(name string, task func()) {
	monitoring.ActiveTasks.Inc()
	defer monitoring.ActiveTasks.Dec()
	defer func() {
		if r := recover(); r != nil {
			monitoring.TaskPanicsTotal.Inc()
			p.logger.WithFields(logrus.Fields{
				"task":  name,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Task panicked")
		}
	}()
	task()
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Timeout waiting for worker pool to drain")
		return fmt.Errorf("failed to drain worker pool: %w", ctx.Err())
	}
}
