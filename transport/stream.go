package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"socket-rpc/message"
)

var ErrStreamClosed = errors.New("transport: stream closed")

// stream is the requester's view of a RequestStream call.
//
// Demand is granted in halves of the window: the responder may have at most
// window items in flight, and once half of them have been pulled the other half is
// requested again. Next must not be called from more than one goroutine at a time.
type stream struct {
	t        *ClientTransport
	id       uint32
	call     *pendingCall
	refill   uint32
	consumed uint32
	err      error // terminal state, sticky
}

func newStream(t *ClientTransport, id uint32, call *pendingCall, window uint32) *stream {
	refill := window / 2
	if refill == 0 {
		refill = 1
	}
	return &stream{t: t, id: id, call: call, refill: refill}
}

// Next returns items already received before reporting a failure of the call.
func (s *stream) Next(ctx context.Context) (message.Payload, error) {
	if s.err != nil {
		return message.Payload{}, s.err
	}

	select {
	case f := <-s.call.ch:
		return s.receive(f)
	case <-s.call.failed:
		select {
		case f := <-s.call.ch:
			return s.receive(f)
		default:
		}
		s.err = s.call.err
		return message.Payload{}, s.err
	case <-ctx.Done():
		return message.Payload{}, ctx.Err()
	}
}

func (s *stream) receive(f frame) (message.Payload, error) {
	if f.err != nil {
		s.err = f.err
		return message.Payload{}, f.err
	}
	s.consumed++
	if s.consumed == s.refill {
		s.consumed = 0
		if err := s.t.requestN(s.id, s.refill); err != nil {
			s.t.log.Debug("request-n failed", zap.Uint32("stream", s.id), zap.Error(err))
		}
	}
	return f.payload, nil
}

func (s *stream) Close() error {
	if s.err != nil {
		return nil
	}
	s.err = ErrStreamClosed
	return s.t.cancel(s.id)
}
