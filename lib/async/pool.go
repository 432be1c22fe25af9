// Package async runs bounded background tasks that callers do not wait on.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/observability"
)

// Task represents a unit of background work.
type Task func(context.Context) error

// Pool runs submitted tasks with bounded concurrency. Tasks receive the pool context, which
// is cancelled on Shutdown.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     conc.WaitGroup
	logger observability.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool allowing up to workers concurrent tasks.
func NewPool(workers int, logger observability.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.slots = make(chan struct{}, workers)
	p.logger = observability.OrDefault(logger)
	return p, nil
}

// Submit schedules fn. It never blocks; the task waits for a free slot in the background.
// Task errors and panics are logged with name and do not affect other tasks.
func (p *Pool) Submit(name string, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Go(func() {
		select {
		case <-p.ctx.Done():
			return
		case p.slots <- struct{}{}:
		}
		defer func() { <-p.slots }()
		p.run(name, fn)
	})
	return nil
}

func (p *Pool) run(name string, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked",
				observability.F("task", name),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(p.ctx); err != nil && p.ctx.Err() == nil {
		p.logger.Warn("background task failed",
			observability.F("task", name),
			observability.Err(err))
	}
}

// Shutdown stops accepting tasks, cancels running ones, and waits for them to return or
// until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Wait blocks until every submitted task has returned, without cancelling them.
func (p *Pool) Wait() {
	p.wg.Wait()
}
