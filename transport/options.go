package transport

import (
	"time"

	"go.uber.org/zap"

	"socket-rpc/codec"
)

const (
	DefaultHeartbeat    = 30 * time.Second
	DefaultStreamWindow = 32
)

type options struct {
	codecType    codec.CodecType
	heartbeat    time.Duration
	streamWindow uint32
	log          *zap.Logger
}

type Option func(*options)

// WithCodecType names the codec request metadata is encoded with. It must match the
// metadata codec of the handlers using this transport.
func WithCodecType(t codec.CodecType) Option {
	return func(o *options) {
		o.codecType = t
	}
}

// WithHeartbeat sets the keep-alive interval. Zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// WithStreamWindow sets how many stream items may be in flight per stream.
func WithStreamWindow(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.streamWindow = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func applyOptions(opts ...Option) options {
	o := options{
		codecType:    codec.CodecTypeJSON,
		heartbeat:    DefaultHeartbeat,
		streamWindow: DefaultStreamWindow,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
