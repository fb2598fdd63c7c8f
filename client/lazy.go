package client

import (
	"sync"
	"sync/atomic"
)

// lazyBytes is a compute-once cell. Readers of an initialised cell never lock;
// the first readers serialise on mu, and only one of them runs compute.
//
// A failed compute leaves the cell empty, so the next caller tries again.
type lazyBytes struct {
	v  atomic.Pointer[[]byte]
	mu sync.Mutex
}

func (l *lazyBytes) get(compute func() ([]byte, error)) ([]byte, error) {
	if p := l.v.Load(); p != nil {
		return *p, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p := l.v.Load(); p != nil {
		return *p, nil
	}
	b, err := compute()
	if err != nil {
		return nil, err
	}
	l.v.Store(&b)
	return b, nil
}

func (l *lazyBytes) ready() bool {
	return l.v.Load() != nil
}
