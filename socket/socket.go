// Package socket defines the connection capability a remote handler submits calls to.
//
// A Socket is shared and externally owned: handlers reference it but never open,
// close or reconnect it. Cancellation, timeouts and flow control are the Socket's
// business and arrive through the context passed to each call.
package socket

import (
	"context"

	"socket-rpc/codec"
	"socket-rpc/message"
)

// Socket supports the three interaction styles.
type Socket interface {
	// RequestResponse sends p and blocks until the single reply arrives.
	RequestResponse(ctx context.Context, p message.Payload) (message.Payload, error)
	// FireAndForget returns once p has been handed to the connection.
	FireAndForget(ctx context.Context, p message.Payload) error
	// RequestStream sends p and returns a lazy sequence of replies.
	RequestStream(ctx context.Context, p message.Payload) (Stream, error)
}

// MetadataCodecReporter is implemented by sockets that name the metadata codec in
// every frame they send. Metadata must be encoded with that codec.
type MetadataCodecReporter interface {
	MetadataCodecType() codec.CodecType
}

// Stream is a pull-based sequence of payloads.
// Next returns io.EOF once the responder has completed the stream.
type Stream interface {
	Next(ctx context.Context) (message.Payload, error)
	// Close abandons the stream. It is safe to call after io.EOF.
	Close() error
}
