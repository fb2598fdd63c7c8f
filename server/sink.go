package server

import (
	"context"
	"sync"

	"socket-rpc/codec"
)

// Sink is handed to request-stream handlers. Send blocks until the requester has
// asked for more items, and fails once the stream was cancelled or has ended.
type Sink struct {
	codec codec.Codec
	emit  func(data []byte) error
}

func (s *Sink) Send(v any) error {
	data, err := s.codec.Encode(v)
	if err != nil {
		return err
	}
	return s.emit(data)
}

// demand counts how many items the requester is still willing to receive.
type demand struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       uint64
	stopped bool
}

func newDemand() *demand {
	d := &demand{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *demand) add(n uint32) {
	d.mu.Lock()
	d.n += uint64(n)
	d.mu.Unlock()
	d.cond.Broadcast()
}

func (d *demand) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// take waits for one unit of demand.
func (d *demand) take(ctx context.Context) error {
	stopWaking := context.AfterFunc(ctx, d.stop)
	defer stopWaking()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.n == 0 && !d.stopped {
		d.cond.Wait()
	}
	if d.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	d.n--
	return nil
}
