package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"socket-rpc/codec"
	"socket-rpc/message"
	"socket-rpc/socket"
)

var errCodec = errors.New("codec exploded")

// countingCodec wraps a codec, counts Encode calls and can be told to fail.
type countingCodec struct {
	codec.Codec
	encodes atomic.Int32
	fail    atomic.Bool
}

func newCountingCodec(c codec.Codec) *countingCodec {
	return &countingCodec{Codec: c}
}

func (c *countingCodec) Encode(v any) ([]byte, error) {
	c.encodes.Add(1)
	if c.fail.Load() {
		return nil, errCodec
	}
	return c.Codec.Encode(v)
}

// fakeSocket records requests and answers from canned values.
type fakeSocket struct {
	mu       sync.Mutex
	requests []message.Payload
	styles   []message.InteractionStyle

	reply message.Payload
	items []message.Payload
	err   error
}

var _ socket.Socket = (*fakeSocket)(nil)

func (s *fakeSocket) record(style message.InteractionStyle, p message.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, p)
	s.styles = append(s.styles, style)
}

func (s *fakeSocket) last() (message.InteractionStyle, message.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.requests)
	return s.styles[n-1], s.requests[n-1]
}

func (s *fakeSocket) RequestResponse(_ context.Context, p message.Payload) (message.Payload, error) {
	s.record(message.RequestResponse, p)
	if s.err != nil {
		return message.Payload{}, s.err
	}
	return s.reply, nil
}

func (s *fakeSocket) FireAndForget(_ context.Context, p message.Payload) error {
	s.record(message.FireAndForget, p)
	return s.err
}

func (s *fakeSocket) RequestStream(_ context.Context, p message.Payload) (socket.Stream, error) {
	s.record(message.RequestStream, p)
	if s.err != nil {
		return nil, s.err
	}
	return &fakeStream{items: s.items}, nil
}

type fakeStream struct {
	items  []message.Payload
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (message.Payload, error) {
	if err := ctx.Err(); err != nil {
		return message.Payload{}, err
	}
	if s.closed || len(s.items) == 0 {
		return message.Payload{}, io.EOF
	}
	p := s.items[0]
	s.items = s.items[1:]
	return p, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// stubDispatcher returns canned values and remembers what it was given.
type stubDispatcher struct {
	result any
	err    error
	got    any
}

func (d *stubDispatcher) DoInvoke(_ context.Context, _ *Handler, argument any) (any, error) {
	d.got = argument
	return d.result, d.err
}
