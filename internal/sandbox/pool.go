package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPoolClosed = errors.New("sandbox pool is closed")
	ErrTimeout    = errors.New("sandbox acquisition timeout")
)

// Pool bounds how many executors run at once. Executors are single use, so
// the pool hands out slots rather than runtimes.
type Pool struct {
	config         Config
	slots          chan struct{}
	size           int
	acquireTimeout time.Duration
	mu             sync.RWMutex
	closed         bool
	wg             sync.WaitGroup
}

// NewPool creates a pool allowing size concurrent executors
func NewPool(config Config, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	p := &Pool{
		config:         config,
		slots:          make(chan struct{}, size),
		size:           size,
		acquireTimeout: 5 * time.Second,
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Config returns the configuration executors are created with
func (p *Pool) Config() Config { return p.config }

func (p *Pool) acquire(ctx context.Context) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case <-p.slots:
		return nil
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	case <-timer.C:
		p.wg.Done()
		return ErrTimeout
	}
}

func (p *Pool) release() {
	p.slots <- struct{}{}
	p.wg.Done()
}

// Run executes msg in a fresh executor once a slot is free
func (p *Pool) Run(ctx context.Context, msg StartMessage, onProgress func(*Message), opts ...Option) (*Message, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	cfg := p.config
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg).Run(ctx, msg, onProgress)
}

// Option adjusts the configuration of one pooled run
type Option func(*Config)

// WithFetcher gives the run a fetch implementation
func WithFetcher(f Fetcher) Option {
	return func(c *Config) { c.Fetcher = f }
}

// WithTimeout overrides the execution deadline
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// Close refuses new runs and waits for running ones
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Stats returns pool statistics
func (p *Pool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"size":      p.size,
		"available": len(p.slots),
		"in_use":    p.size - len(p.slots),
		"closed":    p.closed,
	}
}
