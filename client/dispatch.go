package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"reflect"

	"socket-rpc/message"
	"socket-rpc/socket"
)

// Dispatcher carries one call over the handler's socket in a particular interaction style.
//
// Implementations build the request with h.Request, submit it, and convert what comes
// back with h.DecodeResult. They must not translate errors.
type Dispatcher interface {
	DoInvoke(ctx context.Context, h *Handler, argument any) (any, error)
}

// DispatcherFor returns the built-in dispatcher for style.
func DispatcherFor(style message.InteractionStyle) (Dispatcher, error) {
	switch style {
	case message.RequestResponse:
		return RequestResponse{}, nil
	case message.FireAndForget:
		return FireAndForget{}, nil
	case message.RequestStream:
		return RequestStream{}, nil
	}
	return nil, fmt.Errorf("client: no dispatcher for %s", style)
}

// RequestResponse waits for a single reply and returns it decoded.
type RequestResponse struct{}

func (RequestResponse) DoInvoke(ctx context.Context, h *Handler, argument any) (any, error) {
	req, err := h.Request(argument)
	if err != nil {
		return nil, err
	}
	resp, err := h.socket.RequestResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	return h.DecodeResult(resp.Data)
}

// FireAndForget returns as soon as the socket accepted the request. The result is always nil.
type FireAndForget struct{}

func (FireAndForget) DoInvoke(ctx context.Context, h *Handler, argument any) (any, error) {
	req, err := h.Request(argument)
	if err != nil {
		return nil, err
	}
	return nil, h.socket.FireAndForget(ctx, req)
}

// RequestStream returns a *ResultStream. Items are decoded as they are pulled;
// flow control is left to the socket.
type RequestStream struct{}

func (RequestStream) DoInvoke(ctx context.Context, h *Handler, argument any) (any, error) {
	req, err := h.Request(argument)
	if err != nil {
		return nil, err
	}
	s, err := h.socket.RequestStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &ResultStream{stream: s, decode: h.DecodeResult}, nil
}

// DecodeResult converts reply data into a value of MethodInfo.ReturnType,
// or returns data unchanged when no return type is set.
func (h *Handler) DecodeResult(data []byte) (any, error) {
	t := h.info.ReturnType
	if t == nil {
		return data, nil
	}
	if h.payloadCodec == nil {
		return nil, ErrPayloadCodecNotSet
	}
	v := reflect.New(t)
	if err := h.payloadCodec.Decode(data, v.Interface()); err != nil {
		return nil, err
	}
	return v.Elem().Interface(), nil
}

// ResultStream is the lazy sequence returned by a request-stream call.
// It is not safe for concurrent use.
type ResultStream struct {
	stream socket.Stream
	decode func([]byte) (any, error)
}

// Next returns the next decoded item, or io.EOF once the stream has completed.
func (s *ResultStream) Next(ctx context.Context) (any, error) {
	p, err := s.stream.Next(ctx)
	if err != nil {
		return nil, err
	}
	return s.decode(p.Data)
}

// All ranges over the remaining items. Iteration stops after the first error,
// which is yielded; normal completion yields nothing. The stream is closed when
// the loop ends.
func (s *ResultStream) All(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		defer s.Close()
		for {
			v, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Close abandons the stream.
func (s *ResultStream) Close() error {
	return s.stream.Close()
}
