package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PoolKind selects the worker pool a sync task runs on
type PoolKind int

const (
	// PoolInteractive serves on-demand and manual requests
	PoolInteractive PoolKind = iota
	// PoolBackground serves scheduler-driven requests
	PoolBackground
)

func (k PoolKind) String() string {
	switch k {
	case PoolInteractive:
		return "interactive"
	case PoolBackground:
		return "background"
	default:
		return fmt.Sprintf("pool(%d)", int(k))
	}
}

// Pool runs submitted functions on a fixed number of goroutines. Work
// beyond the number of idle workers is queued; Submit never blocks.
type Pool struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	wg sync.WaitGroup
}

// NewPool starts a pool with size workers
func NewPool(name string, size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:   name,
		logger: logger.With(zap.String("pool", name)),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Submit queues fn for execution
func (p *Pool) Submit(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, fn)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued, not yet started functions
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting work and waits for queued and running functions.
// When ctx expires first, queued functions that have not started are
// dropped and ctx's error is returned; running functions are left to finish
// on their own.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		dropped := len(p.queue)
		p.queue = nil
		p.mu.Unlock()
		p.logger.Warn("pool shutdown grace period elapsed",
			zap.Int("dropped", dropped),
		)
		return ctx.Err()
	}
}

func (p *Pool) worker() {
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
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", zap.Any("panic", r))
		}
	}()
	fn()
}
