// Package client turns local calls into requests on a shared socket.
//
// A Handler is bound to one remote method. Every call sends the encoded argument
// together with a small routing header, {PATH, MIME_TYPE}, which is computed on
// first use and cached for the life of the handler. How the request travels
// (request-response, fire-and-forget, or request-stream) is decided by the
// handler's Dispatcher.
//
// Handlers are safe for concurrent use once configured. They never own the
// socket: opening, closing and reconnecting it is the caller's job.
package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"socket-rpc/codec"
	"socket-rpc/message"
	"socket-rpc/socket"
)

var (
	ErrNilSocket           = errors.New("client: nil socket")
	ErrNilMethodInfo       = errors.New("client: nil method info")
	ErrPayloadCodecNotSet  = errors.New("client: payload codec not set")
	ErrMetadataCodecNotSet = errors.New("client: metadata codec not set")
	// ErrMetadataCodecMismatch means the responder would decode the metadata with a
	// different codec than the one that encoded it.
	ErrMetadataCodecMismatch = errors.New("client: metadata codec does not match socket")
)

type Handler struct {
	socket socket.Socket
	info   *MethodInfo

	payloadCodec  codec.Codec
	metadataCodec codec.Codec

	metadata   lazyBytes
	dispatcher Dispatcher

	log *zap.Logger
}

type Option func(*Handler)

func WithPayloadCodec(c codec.Codec) Option {
	return func(h *Handler) {
		h.payloadCodec = c
	}
}

func WithMetadataCodec(c codec.Codec) Option {
	return func(h *Handler) {
		h.metadataCodec = c
	}
}

// WithDispatcher overrides the dispatcher derived from MethodInfo.Style.
func WithDispatcher(d Dispatcher) Option {
	return func(h *Handler) {
		h.dispatcher = d
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) {
		h.log = log
	}
}

// NewHandler binds a socket and a method. Both are kept by reference.
func NewHandler(s socket.Socket, info *MethodInfo, opts ...Option) (*Handler, error) {
	if s == nil {
		return nil, ErrNilSocket
	}
	if info == nil {
		return nil, ErrNilMethodInfo
	}

	h := &Handler{
		socket: s,
		info:   info,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.dispatcher == nil {
		d, err := DispatcherFor(info.Style)
		if err != nil {
			return nil, err
		}
		h.dispatcher = d
	}
	h.log = h.log.Named("client").With(zap.String("path", info.Mapping.Path))
	return h, nil
}

// SetPayloadCodec installs the codec for arguments and replies.
// It must be called before the first Invoke; the handler does not guard against later calls.
func (h *Handler) SetPayloadCodec(c codec.Codec) {
	h.payloadCodec = c
}

// SetMetadataCodec installs the codec for the routing header.
// It must be called before the first Invoke or Metadata call: once computed the
// header is never recomputed, so a later codec change would not take effect.
func (h *Handler) SetMetadataCodec(c codec.Codec) {
	h.metadataCodec = c
}

func (h *Handler) PayloadCodec() codec.Codec  { return h.payloadCodec }
func (h *Handler) MetadataCodec() codec.Codec { return h.metadataCodec }
func (h *Handler) Socket() socket.Socket      { return h.socket }
func (h *Handler) MethodInfo() *MethodInfo    { return h.info }
func (h *Handler) Dispatcher() Dispatcher     { return h.dispatcher }

// Metadata returns the encoded routing header. The first successful call encodes
// {PATH, MIME_TYPE} with the metadata codec; every later call returns the same bytes.
// Callers must not modify the returned slice.
func (h *Handler) Metadata() ([]byte, error) {
	return h.metadata.get(h.initMetadata)
}

func (h *Handler) initMetadata() ([]byte, error) {
	if h.metadataCodec == nil {
		return nil, ErrMetadataCodecNotSet
	}
	if r, ok := h.socket.(socket.MetadataCodecReporter); ok && r.MetadataCodecType() != h.metadataCodec.Type() {
		return nil, fmt.Errorf("%w: socket uses codec %d, handler uses %d",
			ErrMetadataCodecMismatch, r.MetadataCodecType(), h.metadataCodec.Type())
	}
	md := message.RoutingMetadata(h.info.Mapping.Path, h.info.Mapping.MimeType)
	b, err := h.metadataCodec.Encode(md)
	if err != nil {
		return nil, err
	}
	h.log.Debug("metadata computed", zap.Int("size", len(b)))
	return b, nil
}

// Invoke performs the remote call for argument. Whatever the dispatcher returns,
// including errors from the codecs or the socket, is passed through unchanged.
func (h *Handler) Invoke(ctx context.Context, argument any) (any, error) {
	return h.dispatcher.DoInvoke(ctx, h, argument)
}

// encodePayload converts argument with the payload codec.
func (h *Handler) encodePayload(argument any) ([]byte, error) {
	if h.payloadCodec == nil {
		return nil, ErrPayloadCodecNotSet
	}
	return h.payloadCodec.Encode(argument)
}

// Request builds the outbound payload for argument: the argument is encoded first,
// then the cached metadata is attached. Dispatchers call it from DoInvoke.
func (h *Handler) Request(argument any) (message.Payload, error) {
	data, err := h.encodePayload(argument)
	if err != nil {
		return message.Payload{}, err
	}
	md, err := h.Metadata()
	if err != nil {
		return message.Payload{}, err
	}
	return message.Payload{Metadata: md, Data: data}, nil
}
