package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("worker: pool closed")

// Pool is a fixed-capacity permit pool bounding concurrent work.
// Acquire blocks until a permit is free; every successful Acquire must be
// paired with exactly one Release.
type Pool struct {
	permits chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("worker: pool size must be > 0")
	}
	return &Pool{
		permits: make(chan struct{}, size),
		done:    make(chan struct{}),
	}, nil
}

func (p *Pool) Size() int {
	return cap(p.permits)
}

// Acquire takes a permit, blocking until one is available or the context
// is cancelled.
func (p *Pool) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.permits <- struct{}{}:
		return nil
	}
}

// TryAcquire takes a permit without blocking.
func (p *Pool) TryAcquire() bool {
	select {
	case <-p.done:
		return false
	case p.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) Release() {
	select {
	case <-p.permits:
	default:
		// Release without a matching Acquire; nothing to give back.
	}
}

// Close makes all future Acquire calls fail. Permits already held are
// unaffected.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
